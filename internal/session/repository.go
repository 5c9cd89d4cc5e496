package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repository interface {
	UpsertJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]*JobRecord, error)
	SetJobSource(ctx context.Context, id, name string) error

	UpsertClip(ctx context.Context, clip *ClipRecord) error
	ListClips(ctx context.Context, jobID string) ([]*ClipRecord, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const jobColumns = `id, phase, failed_stage, expected_clips, source_name, error, created_at, updated_at`

// UpsertJob inserts the job or updates everything but its creation time
// and source name. An empty source name never overwrites a known one.
func (r *SQLiteRepository) UpsertJob(ctx context.Context, j *JobRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			failed_stage = excluded.failed_stage,
			expected_clips = excluded.expected_clips,
			source_name = COALESCE(excluded.source_name, jobs.source_name),
			error = excluded.error,
			updated_at = excluded.updated_at
	`, j.ID, j.Phase, nullString(j.FailedStage), j.ExpectedClips, nullString(j.SourceName),
		nullString(j.Error), formatTime(j.CreatedAt), formatTime(j.UpdatedAt))
	return err
}

// SetJobSource records the uploaded file name without touching the phase.
func (r *SQLiteRepository) SetJobSource(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET source_name = ? WHERE id = ?`, nullString(name), id)
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*JobRecord, error) {
	var j JobRecord
	var failedStage, sourceName, errMsg sql.NullString
	var createdAt, updatedAt string

	if err := s.Scan(&j.ID, &j.Phase, &failedStage, &j.ExpectedClips, &sourceName, &errMsg, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.FailedStage = failedStage.String
	j.SourceName = sourceName.String
	j.Error = errMsg.String
	j.CreatedAt = parseTime(createdAt)
	j.UpdatedAt = parseTime(updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) UpsertClip(ctx context.Context, c *ClipRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO clips (job_id, idx, state, title, size, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, idx) DO UPDATE SET
			state = excluded.state,
			title = excluded.title,
			size = excluded.size,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, c.JobID, c.Index, c.State, nullString(c.Title), c.Size, nullString(c.Error), formatTime(c.UpdatedAt))
	return err
}

func (r *SQLiteRepository) ListClips(ctx context.Context, jobID string) ([]*ClipRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT job_id, idx, state, title, size, error, updated_at
		FROM clips WHERE job_id = ? ORDER BY idx ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clips []*ClipRecord
	for rows.Next() {
		var c ClipRecord
		var title, errMsg sql.NullString
		var updatedAt string
		if err := rows.Scan(&c.JobID, &c.Index, &c.State, &title, &c.Size, &errMsg, &updatedAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		c.Error = errMsg.String
		c.UpdatedAt = parseTime(updatedAt)
		clips = append(clips, &c)
	}
	return clips, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
