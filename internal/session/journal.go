package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/job"
)

const writeTimeout = 5 * time.Second

// Journal records job snapshots and clip changes. Write failures are logged
// and never reach the pipeline.
type Journal struct {
	repo   Repository
	logger *slog.Logger
}

func NewJournal(repo Repository, logger *slog.Logger) *Journal {
	return &Journal{repo: repo, logger: logger}
}

// RecordSnapshot is a job.Machine subscriber.
func (j *Journal) RecordSnapshot(s job.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec := &JobRecord{
		ID:            s.JobID,
		Phase:         s.Phase.String(),
		FailedStage:   string(s.FailedStage),
		ExpectedClips: s.ExpectedClips,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	if err := j.repo.UpsertJob(ctx, rec); err != nil {
		j.logger.Warn("failed to journal job", "job_id", s.JobID, "error", err)
	}
}

// RecordSource stores the uploaded file name of a job.
func (j *Journal) RecordSource(jobID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := j.repo.SetJobSource(ctx, jobID, name); err != nil {
		j.logger.Warn("failed to journal job source", "job_id", jobID, "error", err)
	}
}

// RecordClip is an assembly.Coordinator observer.
func (j *Journal) RecordClip(jobID string, clip assembly.Clip) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec := &ClipRecord{
		JobID:     jobID,
		Index:     clip.Index,
		State:     clip.State.String(),
		Title:     clip.Metadata.Title,
		UpdatedAt: clip.UpdatedAt,
	}
	if clip.Binary != nil {
		rec.Size = clip.Binary.Size
	}
	if clip.Err != nil {
		rec.Error = clip.Err.Error()
	}
	if err := j.repo.UpsertClip(ctx, rec); err != nil {
		j.logger.Warn("failed to journal clip", "job_id", jobID, "clip_index", clip.Index, "error", err)
	}
}
