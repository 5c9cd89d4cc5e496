package playback

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, content string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.bin")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestServer() *Server {
	return NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestServe_Full(t *testing.T) {
	f := writeTemp(t, "0123456789")
	req := httptest.NewRequest(http.MethodGet, "/clips/1/file", nil)
	rec := httptest.NewRecorder()

	if err := newTestServer().Serve(rec, req, Content{File: f}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "0123456789" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges missing")
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Error("inline playback must not set a disposition")
	}
}

func TestServe_Range(t *testing.T) {
	f := writeTemp(t, "0123456789")
	req := httptest.NewRequest(http.MethodGet, "/clips/1/file", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()

	if err := newTestServer().Serve(rec, req, Content{File: f, ContentType: "video/quicktime"}); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	if rec.Code != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}
	if rec.Header().Get("Content-Type") != "video/quicktime" {
		t.Error("content type should be kept")
	}
}

func TestServe_Unsatisfiable(t *testing.T) {
	f := writeTemp(t, "0123456789")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Range", "bytes=50-")
	rec := httptest.NewRecorder()

	newTestServer().Serve(rec, req, Content{File: f})

	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("status = %d, want 416", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes */10" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestServe_Attachment(t *testing.T) {
	f := writeTemp(t, "abc")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	newTestServer().Serve(rec, req, Content{File: f, Filename: "My clip.mp4"})

	got := rec.Header().Get("Content-Disposition")
	if !strings.HasPrefix(got, "attachment") || !strings.Contains(got, "My clip.mp4") {
		t.Errorf("Content-Disposition = %q", got)
	}
}
