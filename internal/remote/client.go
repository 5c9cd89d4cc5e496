// Package remote contains the transport adapters for the clip generation
// service: upload, generate, per-clip binary and metadata fetches and
// download by reference. Every call is one-shot and safe to re-issue; none
// of them retries on its own.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Client is the clip service as seen by the pipeline.
type Client interface {
	Upload(ctx context.Context, jobID string, file *Upload) (*UploadReceipt, error)
	Generate(ctx context.Context, jobID string) (int, error)
	FetchClipBinary(ctx context.Context, jobID string, index int) (*ClipBinary, error)
	FetchClipMetadata(ctx context.Context, jobID string, index int) (ClipMetadata, error)
	Download(ctx context.Context, ref string) (*ClipBinary, error)
	Ping(ctx context.Context) error
}

// Upload describes the video selected by the user. Open is called once per
// upload attempt so a retry can re-read the content.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// NewFileUpload returns an Upload reading from a local file.
func NewFileUpload(path string) (*Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload %s is a directory", path)
	}
	return &Upload{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// UploadReceipt is the service acknowledgement of an accepted upload.
type UploadReceipt struct {
	Info string `json:"info"`
}

// ClipBinary is a streamed clip payload. The caller must close Body.
type ClipBinary struct {
	Body        io.ReadCloser
	ContentType string
	// Size is -1 when the service did not announce a length.
	Size int64
}
