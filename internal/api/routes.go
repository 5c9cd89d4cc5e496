package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/blob"
	"github.com/tsukizard/clipdeck/internal/handoff"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/playback"
	"github.com/tsukizard/clipdeck/internal/remote"
)

const (
	jobsListLimit       = 50
	multipartMemory     = 32 << 20
	uploadFormFieldName = "file"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	var extraOrigins []string
	if origin := OriginOf(cfg.EditorURL); origin != "" {
		extraOrigins = append(extraOrigins, origin)
	}

	r.Use(RequestIDMiddleware())
	r.Use(middleware.StripSlashes)
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist(extraOrigins...))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/jobs", startJobHandler(cfg))
		r.Post("/jobs/reset", resetHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Get("/clips", listClipsHandler(cfg))
		r.Post("/clips/{index}/retry", retryClipHandler(cfg))
		r.Get("/clips/{index}/file", clipFileHandler(cfg, false))
		r.Head("/clips/{index}/file", clipFileHandler(cfg, false))
		r.Get("/clips/{index}/download", clipFileHandler(cfg, true))
		r.Get("/download", downloadHandler(cfg))
		r.Get("/editor", editorHandler(cfg))
		r.Get("/ws", wsHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: uptime,
		})
	}
}

func buildStatus(cfg ServerConfig) StatusResponse {
	snap := cfg.Machine.Snapshot()

	progressText := ""
	channelState := "disabled"
	if cfg.Progress != nil {
		progressText = cfg.Progress.CurrentText()
		channelState = cfg.Progress.State().String()
	}

	resp := StatusResponse{
		JobID:         snap.JobID,
		Phase:         snap.Phase.String(),
		FailedStage:   string(snap.FailedStage),
		ExpectedClips: snap.ExpectedClips,
		StatusText:    job.DisplayText(snap, progressText),
		ChannelState:  channelState,
		UpdatedAt:     snap.UpdatedAt.Format(time.RFC3339Nano),
	}
	if snap.Phase.Active() {
		resp.ProgressText = progressText
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
		resp.UserMessage = job.UserMessage(snap.Err)
	}
	if col := cfg.Machine.Collection(); col != nil && col.JobID() == snap.JobID {
		resp.ClipsReady, resp.ClipsFailed, resp.ClipsPending = col.Counts()
	}
	return resp
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, buildStatus(cfg))
	}
}

// startJobHandler spools the multipart file into the uploads directory and
// starts the pipeline in the background. Spooled files live until the
// uploads directory is removed at shutdown.
func startJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+1024)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			cfg.Logger.Warn("invalid multipart upload", "error", err)
			WriteError(w, http.StatusBadRequest, "invalid or oversized upload", "BAD_REQUEST")
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile(uploadFormFieldName)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Select a video file first.", "VALIDATION")
			return
		}
		defer file.Close()

		path, size, err := spoolUpload(cfg.UploadsDir, header.Filename, file)
		if err != nil {
			cfg.Logger.Error("failed to spool upload", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to store upload", "INTERNAL_ERROR")
			return
		}

		upload := &remote.Upload{
			Name: header.Filename,
			Size: size,
			Open: func() (io.ReadCloser, error) { return os.Open(path) },
		}
		jobID, err := cfg.Machine.StartAsync(r.Context(), upload)
		if err != nil {
			os.Remove(path)
			writeJobError(w, err)
			return
		}
		if cfg.Journal != nil {
			cfg.Journal.RecordSource(jobID, header.Filename)
		}

		WriteJSON(w, http.StatusAccepted, StartJobResponse{JobID: jobID})
	}
}

func spoolUpload(dir, name string, src io.Reader) (string, int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	f, err := os.CreateTemp(dir, "upload-*"+filepath.Ext(filepath.Base(name)))
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return f.Name(), n, nil
}

func resetHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, ResetResponse{JobID: cfg.Machine.Reset()})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.Repository.ListJobs(r.Context(), jobsListLimit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := cfg.Repository.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if rec == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		clips, err := cfg.Repository.ListClips(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		resp := JobDetailResponse{
			JobResponse: JobToResponse(rec),
			Clips:       make([]ClipRecordResponse, len(clips)),
		}
		for i, c := range clips {
			resp.Clips[i] = ClipRecordToResponse(c)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listClipsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cfg.Machine.Snapshot()
		resp := ClipsResponse{JobID: snap.JobID, Clips: []ClipResponse{}}

		if col := cfg.Machine.Collection(); col != nil {
			for _, c := range col.Clips() {
				resp.Clips = append(resp.Clips, ClipToResponse(c, cfg.BaseURL))
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func retryClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := clipIndex(w, r)
		if !ok {
			return
		}

		clip, err := cfg.Machine.RetryClip(r.Context(), index)
		if err != nil {
			writeJobError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ClipToResponse(clip, cfg.BaseURL))
	}
}

func clipFileHandler(cfg ServerConfig, attachment bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, ok := clipIndex(w, r)
		if !ok {
			return
		}

		col := cfg.Machine.Collection()
		if col == nil {
			WriteError(w, http.StatusNotFound, "no clips yet", "NOT_FOUND")
			return
		}
		clip, err := col.Clip(index)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if clip.State != assembly.Ready || clip.Binary == nil {
			WriteError(w, http.StatusConflict, "clip is not ready", "CLIP_NOT_READY")
			return
		}

		f, err := cfg.Blobs.Open(clip.Binary.Key)
		if errors.Is(err, blob.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "clip is no longer available", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to open clip", "INTERNAL_ERROR")
			return
		}
		defer f.Close()

		content := playback.Content{File: f, ContentType: clip.Binary.ContentType}
		if attachment {
			content.Filename = handoff.DownloadName(clip.Metadata.Title, clip.Index)
		}
		if err := cfg.Playback.Serve(w, r, content); err != nil {
			cfg.Logger.Error("playback error", "error", err, "job_id", col.JobID(), "clip_index", index)
		}
	}
}

// downloadHandler streams a clip from the service by reference.
func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Query().Get("clip")
		if ref == "" {
			WriteError(w, http.StatusBadRequest, "clip is required", "BAD_REQUEST")
			return
		}

		bin, err := cfg.Remote.Download(r.Context(), ref)
		if err != nil {
			cfg.Logger.Warn("download by reference failed", "clip", ref, "error", err)
			writeJobError(w, err)
			return
		}
		defer bin.Body.Close()

		h := w.Header()
		contentType := bin.ContentType
		if contentType == "" {
			contentType = "video/mp4"
		}
		h.Set("Content-Type", contentType)
		if bin.Size >= 0 {
			h.Set("Content-Length", strconv.FormatInt(bin.Size, 10))
		}
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": handoff.DownloadName(ref, 0)}))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, bin.Body); err != nil {
			cfg.Logger.Debug("download stream interrupted", "clip", ref, "error", err)
		}
	}
}

func editorHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := cfg.Machine.Snapshot()
		col := cfg.Machine.Collection()
		if snap.Phase != job.Ready || col == nil {
			WriteError(w, http.StatusConflict, "clips are not ready", "NOT_READY")
			return
		}

		manifest, err := handoff.BuildManifest(snap.JobID, cfg.EditorURL, cfg.BaseURL, col.Clips())
		if err != nil {
			cfg.Logger.Error("failed to build editor manifest", "error", err)
			WriteError(w, http.StatusInternalServerError, "editor url is invalid", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, manifest)
	}
}

func wsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Hub == nil {
			WriteError(w, http.StatusNotFound, "status push is disabled", "NOT_FOUND")
			return
		}
		cfg.Hub.Serve(w, r, buildStatus(cfg))
	}
}

func clipIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "clip index must be a number", "BAD_REQUEST")
		return 0, false
	}
	return index, true
}

// writeJobError maps the pipeline error taxonomy to HTTP. The body carries
// the user-facing message, never the raw transport error.
func writeJobError(w http.ResponseWriter, err error) {
	msg := job.UserMessage(err)
	switch {
	case errors.Is(err, job.ErrValidation):
		WriteError(w, http.StatusBadRequest, msg, "VALIDATION")
	case errors.Is(err, job.ErrBusy):
		WriteError(w, http.StatusConflict, msg, "BUSY")
	case errors.Is(err, assembly.ErrIndexOutOfRange):
		WriteError(w, http.StatusNotFound, msg, "CLIP_NOT_FOUND")
	case errors.Is(err, assembly.ErrClipBusy):
		WriteError(w, http.StatusConflict, "That clip is still being fetched.", "CLIP_BUSY")
	case errors.Is(err, assembly.ErrClipReady):
		WriteError(w, http.StatusConflict, msg, "CLIP_READY")
	case errors.Is(err, assembly.ErrStaleJob), errors.Is(err, job.ErrStale):
		WriteError(w, http.StatusConflict, "The job was reset.", "STALE")
	case errors.Is(err, remote.ErrUnprocessableInput):
		WriteError(w, http.StatusUnprocessableEntity, msg, "UNPROCESSABLE")
	case errors.Is(err, remote.ErrTransport):
		WriteError(w, http.StatusBadGateway, msg, "TRANSPORT")
	default:
		WriteError(w, http.StatusInternalServerError, msg, "INTERNAL_ERROR")
	}
}
