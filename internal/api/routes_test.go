package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/blob"
	"github.com/tsukizard/clipdeck/internal/db"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/playback"
	"github.com/tsukizard/clipdeck/internal/remote"
	"github.com/tsukizard/clipdeck/internal/session"
)

const testToken = "test-token-0123456789"

type testEnv struct {
	cfg     ServerConfig
	router  http.Handler
	machine *job.Machine
	repo    *session.SQLiteRepository
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyFetcher fails the first binary fetch of one clip index.
type flakyFetcher struct {
	*remote.StubClient
	index  int
	failed atomic.Bool
}

func (f *flakyFetcher) FetchClipBinary(ctx context.Context, jobID string, index int) (*remote.ClipBinary, error) {
	if index == f.index && f.failed.CompareAndSwap(false, true) {
		return nil, &remote.RequestError{Op: "fetch clip", Err: errors.New("connection reset")}
	}
	return f.StubClient.FetchClipBinary(ctx, jobID, index)
}

func newTestEnv(t *testing.T, fetcher ...assembly.Fetcher) *testEnv {
	t.Helper()
	logger := testLogger()

	database, err := db.New(filepath.Join(t.TempDir(), "session.db"), logger)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	repo := session.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), session.ConfigKeyAPIToken, testToken); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	journal := session.NewJournal(repo, logger)

	blobs, err := blob.NewLocalFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFS: %v", err)
	}

	hub := NewHub(logger)
	stub := remote.NewStubClient(3, 0, logger)
	var clipFetcher assembly.Fetcher = stub
	if len(fetcher) > 0 {
		clipFetcher = fetcher[0]
	}
	coord := assembly.NewCoordinator(clipFetcher, blobs, logger,
		assembly.WithObserver(journal.RecordClip),
		assembly.WithObserver(func(string, assembly.Clip) { hub.Notify() }),
	)
	machine := job.NewMachine(stub, coord, logger)
	machine.Subscribe(journal.RecordSnapshot)
	machine.Subscribe(func(job.Snapshot) { hub.Notify() })

	cfg := ServerConfig{
		Port:           8797,
		Version:        "test",
		Machine:        machine,
		Blobs:          blobs,
		Remote:         stub,
		Repository:     repo,
		Journal:        journal,
		Playback:       playback.NewServer(logger),
		Hub:            hub,
		Logger:         logger,
		StartTime:      time.Now(),
		EditorURL:      "https://editor.example.com",
		BaseURL:        "http://127.0.0.1:8797",
		UploadsDir:     filepath.Join(t.TempDir(), "uploads"),
		MaxUploadBytes: 1 << 20,
	}
	return &testEnv{cfg: cfg, router: NewRouter(cfg), machine: machine, repo: repo}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write([]byte(content))
	} else {
		mw.WriteField("note", "no file")
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func waitPhase(t *testing.T, m *job.Machine, want job.Phase) job.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := m.Snapshot(); s.Phase == want {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %s, want %s", m.Snapshot().Phase, want)
	return job.Snapshot{}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return body
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusOK)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("health = %v", body)
	}
}

func TestStatus_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status code = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	if rr := env.do(t, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status code = %d, want 401", rr.Code)
	}

	rr = env.get(t, "/status?token="+testToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("query token: status code = %d, want 200", rr.Code)
	}
}

func TestStatus_Idle(t *testing.T) {
	env := newTestEnv(t)
	rr := env.get(t, "/status")

	var status StatusResponse
	decodeInto(t, rr, &status)
	if status.Phase != "idle" {
		t.Errorf("phase = %q, want idle", status.Phase)
	}
	if status.JobID != env.machine.Snapshot().JobID {
		t.Errorf("job id = %q", status.JobID)
	}
	if status.StatusText != "Select a video to get started" {
		t.Errorf("status text = %q", status.StatusText)
	}
	if status.ChannelState != "disabled" {
		t.Errorf("channel state = %q, want disabled without a progress channel", status.ChannelState)
	}
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, uploadRequest(t, "beach.mp4", "fake video"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /jobs = %d (%s), want 202", rr.Code, rr.Body.String())
	}
	var started StartJobResponse
	decodeInto(t, rr, &started)
	snap := waitPhase(t, env.machine, job.Ready)
	if started.JobID != snap.JobID {
		t.Fatalf("started %q, machine has %q", started.JobID, snap.JobID)
	}

	var status StatusResponse
	decodeInto(t, env.get(t, "/status"), &status)
	if status.Phase != "ready" || status.ExpectedClips != 3 || status.ClipsReady != 3 {
		t.Errorf("status = %+v", status)
	}

	var clips ClipsResponse
	decodeInto(t, env.get(t, "/clips"), &clips)
	if len(clips.Clips) != 3 {
		t.Fatalf("clips = %d, want 3", len(clips.Clips))
	}
	for i, c := range clips.Clips {
		if c.Index != i+1 || c.State != "ready" {
			t.Errorf("clip %d = %+v", i, c)
		}
	}
	if clips.Clips[1].URL != "http://127.0.0.1:8797/clips/2/file" {
		t.Errorf("url = %q", clips.Clips[1].URL)
	}

	req := httptest.NewRequest(http.MethodGet, "/clips/2/file", nil)
	req.Header.Set("Range", "bytes=0-3")
	rr = env.do(t, req)
	if rr.Code != http.StatusPartialContent || rr.Body.String() != "stub" {
		t.Errorf("range = %d %q", rr.Code, rr.Body.String())
	}

	rr = env.get(t, "/clips/2/download")
	if rr.Code != http.StatusOK {
		t.Fatalf("download = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "Highlight 2.mp4") {
		t.Errorf("Content-Disposition = %q", got)
	}

	rr = env.get(t, "/editor")
	if rr.Code != http.StatusOK {
		t.Fatalf("editor = %d (%s)", rr.Code, rr.Body.String())
	}
	editor := decodeJSONBody(t, rr)
	if !strings.Contains(editor["editor_link"].(string), "clipsNum=3") {
		t.Errorf("editor link = %v", editor["editor_link"])
	}

	var detail JobDetailResponse
	decodeInto(t, env.get(t, "/jobs/"+snap.JobID), &detail)
	if detail.SourceName != "beach.mp4" || len(detail.Clips) != 3 {
		t.Errorf("job detail = %+v", detail)
	}

	rr = env.do(t, uploadRequest(t, "again.mp4", "x"))
	if rr.Code != http.StatusConflict {
		t.Errorf("second POST /jobs = %d, want 409", rr.Code)
	}

	rr = env.do(t, httptest.NewRequest(http.MethodPost, "/jobs/reset", nil))
	var reset ResetResponse
	decodeInto(t, rr, &reset)
	if reset.JobID == "" || reset.JobID == snap.JobID {
		t.Fatalf("reset job id = %q", reset.JobID)
	}

	decodeInto(t, env.get(t, "/clips"), &clips)
	if len(clips.Clips) != 0 || clips.JobID != reset.JobID {
		t.Errorf("clips after reset = %+v", clips)
	}
	if rr := env.get(t, "/clips/1/file"); rr.Code != http.StatusNotFound {
		t.Errorf("old clip after reset = %d, want 404", rr.Code)
	}

	var jobs JobsResponse
	decodeInto(t, env.get(t, "/jobs"), &jobs)
	if len(jobs.Jobs) != 2 {
		t.Errorf("jobs = %d, want 2", len(jobs.Jobs))
	}
}

func TestStartJob_Validation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, uploadRequest(t, "notes.txt", "hello"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status code = %d, want 400", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["code"] != "VALIDATION" {
		t.Errorf("code = %v", body["code"])
	}
	if env.machine.Snapshot().Phase != job.Idle {
		t.Error("rejected upload must leave the job idle")
	}

	if rr := env.do(t, uploadRequest(t, "", "")); rr.Code != http.StatusBadRequest {
		t.Errorf("missing file = %d, want 400", rr.Code)
	}
}

func TestRetryClip(t *testing.T) {
	env := newTestEnv(t, &flakyFetcher{StubClient: remote.NewStubClient(3, 0, testLogger()), index: 2})
	env.do(t, uploadRequest(t, "beach.mp4", "fake video"))
	waitPhase(t, env.machine, job.Ready)

	if c, _ := env.machine.Collection().Clip(2); c.State != assembly.Failed {
		t.Fatalf("clip 2 state = %s, want failed before retry", c.State)
	}

	rr := env.do(t, httptest.NewRequest(http.MethodPost, "/clips/2/retry", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("retry = %d (%s)", rr.Code, rr.Body.String())
	}
	var clip ClipResponse
	decodeInto(t, rr, &clip)
	if clip.Index != 2 || clip.State != "ready" || clip.URL == "" {
		t.Errorf("clip = %+v", clip)
	}

	rr = env.do(t, httptest.NewRequest(http.MethodPost, "/clips/1/retry", nil))
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), "CLIP_READY") {
		t.Errorf("retry of a ready clip = %d (%s), want 409 CLIP_READY", rr.Code, rr.Body.String())
	}
	if c, _ := env.machine.Collection().Clip(1); c.State != assembly.Ready || c.Binary == nil {
		t.Errorf("clip 1 after rejected retry = %+v", c)
	}

	rr = env.do(t, httptest.NewRequest(http.MethodPost, "/clips/9/retry", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("out of range retry = %d, want 404", rr.Code)
	}

	rr = env.do(t, httptest.NewRequest(http.MethodPost, "/clips/abc/retry", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("non-numeric retry = %d, want 400", rr.Code)
	}
}

func TestClipFile_BeforeAnyJob(t *testing.T) {
	env := newTestEnv(t)
	if rr := env.get(t, "/clips/1/file"); rr.Code != http.StatusNotFound {
		t.Errorf("status code = %d, want 404", rr.Code)
	}
	if rr := env.get(t, "/editor"); rr.Code != http.StatusConflict {
		t.Errorf("editor before ready = %d, want 409", rr.Code)
	}
}

func TestDownloadByReference(t *testing.T) {
	env := newTestEnv(t)

	rr := env.get(t, "/download?clip=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("status code = %d", rr.Code)
	}
	if rr.Body.String() != "stub download abc\n" {
		t.Errorf("body = %q", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); !strings.Contains(got, "abc.mp4") {
		t.Errorf("Content-Disposition = %q", got)
	}

	if rr := env.get(t, "/download"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing ref = %d, want 400", rr.Code)
	}
}

func TestWriteJobError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", &job.ValidationError{Reason: "bad"}, http.StatusBadRequest},
		{"busy", job.ErrBusy, http.StatusConflict},
		{"out of range", assembly.ErrIndexOutOfRange, http.StatusNotFound},
		{"stale", assembly.ErrStaleJob, http.StatusConflict},
		{"clip ready", fmt.Errorf("retry clip 1: %w", assembly.ErrClipReady), http.StatusConflict},
		{"unprocessable", &remote.StatusError{Op: "upload", StatusCode: 422}, http.StatusUnprocessableEntity},
		{"server error", &remote.StatusError{Op: "generate", StatusCode: 503}, http.StatusBadGateway},
		{"unknown", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeJobError(rr, tt.err)
			if rr.Code != tt.code {
				t.Errorf("status = %d, want %d", rr.Code, tt.code)
			}
			if strings.Contains(rr.Body.String(), "503") {
				t.Error("raw transport detail leaked into the response")
			}
		})
	}
}
