package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// StubClient is an offline stand-in for the clip service, used when the
// service URL is "stub://". It accepts every upload and produces a fixed
// number of synthetic clips.
type StubClient struct {
	Clips  int
	Delay  time.Duration
	logger *slog.Logger
}

// NewStubClient returns a stub producing clips synthetic clips.
func NewStubClient(clips int, delay time.Duration, logger *slog.Logger) *StubClient {
	return &StubClient{Clips: clips, Delay: delay, logger: logger}
}

func (s *StubClient) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return &RequestError{Op: "stub", Err: ctx.Err()}
	case <-t.C:
		return nil
	}
}

func (s *StubClient) Upload(ctx context.Context, jobID string, file *Upload) (*UploadReceipt, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if file != nil && file.Open != nil {
		rc, err := file.Open()
		if err != nil {
			return nil, &RequestError{Op: "upload", Err: err}
		}
		n, _ := io.Copy(io.Discard, rc)
		rc.Close()
		s.logger.Info("stub upload", "job_id", jobID, "file", file.Name, "bytes", n)
	}
	return &UploadReceipt{Info: "stub"}, nil
}

func (s *StubClient) Generate(ctx context.Context, jobID string) (int, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	s.logger.Info("stub generate", "job_id", jobID, "clips", s.Clips)
	return s.Clips, nil
}

func (s *StubClient) FetchClipBinary(ctx context.Context, jobID string, index int) (*ClipBinary, error) {
	if index < 1 || index > s.Clips {
		return nil, &StatusError{Op: "fetch clip", StatusCode: 404}
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	data := []byte(fmt.Sprintf("stub clip %d of job %s\n", index, jobID))
	return &ClipBinary{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: "video/mp4",
		Size:        int64(len(data)),
	}, nil
}

func (s *StubClient) FetchClipMetadata(ctx context.Context, jobID string, index int) (ClipMetadata, error) {
	if index < 1 || index > s.Clips {
		return ClipMetadata{}, &StatusError{Op: "fetch metadata", StatusCode: 404}
	}
	if err := s.wait(ctx); err != nil {
		return ClipMetadata{}, err
	}
	return ClipMetadata{
		Title:          fmt.Sprintf("Highlight %d", index),
		Description:    "Generated offline",
		Hashtags:       []string{"#clipdeck", "#demo"},
		TargetAudience: "everyone",
		Sentiment:      "positive",
	}, nil
}

func (s *StubClient) Download(ctx context.Context, ref string) (*ClipBinary, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	data := []byte("stub download " + ref + "\n")
	return &ClipBinary{
		Body:        io.NopCloser(bytes.NewReader(data)),
		ContentType: "video/mp4",
		Size:        int64(len(data)),
	}, nil
}

func (s *StubClient) Ping(ctx context.Context) error {
	return ctx.Err()
}
