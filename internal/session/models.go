// Package session journals the jobs and clips of the running process into
// the session database so the local API can list them.
package session

import "time"

type JobRecord struct {
	ID            string    `json:"id"`
	Phase         string    `json:"phase"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	ExpectedClips int       `json:"expected_clips"`
	SourceName    string    `json:"source_name,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ClipRecord struct {
	JobID     string    `json:"job_id"`
	Index     int       `json:"index"`
	State     string    `json:"state"`
	Title     string    `json:"title,omitempty"`
	Size      int64     `json:"size"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const ConfigKeyAPIToken = "api_token"
