// Package playback serves stored clip binaries over HTTP with byte range
// support, for inline preview and for download.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
)

const defaultContentType = "video/mp4"

// Content describes one payload to serve.
type Content struct {
	File        *os.File
	ContentType string
	// Filename, when set, is sent as an attachment name.
	Filename string
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// Serve writes c to w, honouring a single Range header. The caller owns
// c.File.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, c Content) error {
	stat, err := c.File.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat clip: %w", err)
	}
	size := stat.Size()

	contentType := c.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	if c.Filename != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": c.Filename}))
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// malformed ranges are ignored and the whole payload is sent
		rng = nil
	case err != nil:
		return err
	}

	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		if _, err := io.Copy(w, c.File); err != nil {
			s.logger.Debug("clip stream interrupted", "error", err)
		}
		return nil
	}

	if _, err := c.File.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	h.Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	h.Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, c.File, rng.ContentLength()); err != nil {
		s.logger.Debug("clip range stream interrupted", "error", err)
	}
	return nil
}
