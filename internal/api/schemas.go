package api

import (
	"time"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/handoff"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/session"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	JobID         string `json:"job_id"`
	Phase         string `json:"phase"`
	FailedStage   string `json:"failed_stage,omitempty"`
	Error         string `json:"error,omitempty"`
	UserMessage   string `json:"user_message,omitempty"`
	ExpectedClips int    `json:"expected_clips"`
	ClipsReady    int    `json:"clips_ready"`
	ClipsFailed   int    `json:"clips_failed"`
	ClipsPending  int    `json:"clips_pending"`
	StatusText    string `json:"status_text"`
	ProgressText  string `json:"progress_text,omitempty"`
	ChannelState  string `json:"channel_state"`
	UpdatedAt     string `json:"updated_at"`
}

type StartJobResponse struct {
	JobID string `json:"job_id"`
}

type ResetResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID            string `json:"id"`
	Phase         string `json:"phase"`
	FailedStage   string `json:"failed_stage,omitempty"`
	ExpectedClips int    `json:"expected_clips"`
	SourceName    string `json:"source_name,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type JobDetailResponse struct {
	JobResponse
	Clips []ClipRecordResponse `json:"clips"`
}

type ClipRecordResponse struct {
	Index     int    `json:"index"`
	State     string `json:"state"`
	Title     string `json:"title,omitempty"`
	Size      int64  `json:"size"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type ClipResponse struct {
	Index          int      `json:"index"`
	State          string   `json:"state"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Hashtags       []string `json:"hashtags"`
	TargetAudience string   `json:"target_audience"`
	Sentiment      string   `json:"sentiment"`
	Size           int64    `json:"size,omitempty"`
	ContentType    string   `json:"content_type,omitempty"`
	Filename       string   `json:"filename,omitempty"`
	URL            string   `json:"url,omitempty"`
	DownloadURL    string   `json:"download_url,omitempty"`
	Error          string   `json:"error,omitempty"`
}

type ClipsResponse struct {
	JobID string         `json:"job_id"`
	Clips []ClipResponse `json:"clips"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *session.JobRecord) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Phase:         j.Phase,
		FailedStage:   j.FailedStage,
		ExpectedClips: j.ExpectedClips,
		SourceName:    j.SourceName,
		Error:         j.Error,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.Format(time.RFC3339),
	}
}

func ClipRecordToResponse(c *session.ClipRecord) ClipRecordResponse {
	return ClipRecordResponse{
		Index:     c.Index,
		State:     c.State,
		Title:     c.Title,
		Size:      c.Size,
		Error:     c.Error,
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
}

// ClipToResponse converts a live clip. Playback URLs are only set once the
// clip is Ready.
func ClipToResponse(c assembly.Clip, baseURL string) ClipResponse {
	hashtags := c.Metadata.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	resp := ClipResponse{
		Index:          c.Index,
		State:          c.State.String(),
		Title:          c.Metadata.Title,
		Description:    c.Metadata.Description,
		Hashtags:       hashtags,
		TargetAudience: c.Metadata.TargetAudience,
		Sentiment:      c.Metadata.Sentiment,
	}
	if c.Err != nil {
		resp.Error = job.UserMessage(c.Err)
	}
	if c.State == assembly.Ready && c.Binary != nil {
		resp.Size = c.Binary.Size
		resp.ContentType = c.Binary.ContentType
		resp.Filename = handoff.DownloadName(c.Metadata.Title, c.Index)
		resp.URL, resp.DownloadURL = handoff.ClipURLs(baseURL, c.Index)
	}
	return resp
}
