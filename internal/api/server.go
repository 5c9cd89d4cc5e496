package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tsukizard/clipdeck/internal/blob"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/playback"
	"github.com/tsukizard/clipdeck/internal/progress"
	"github.com/tsukizard/clipdeck/internal/remote"
	"github.com/tsukizard/clipdeck/internal/session"
)

const defaultMaxUploadBytes int64 = 2 << 30

type Server struct {
	httpServer *http.Server
	cfg        ServerConfig
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Version    string
	Machine    *job.Machine
	Progress   *progress.Manager
	Blobs      blob.Store
	Remote     remote.Client
	Repository session.Repository
	Journal    *session.Journal
	Playback   *playback.Server
	Hub        *Hub
	Logger     *slog.Logger
	StartTime  time.Time
	// EditorURL is the timeline editor; its origin is allowed by CORS.
	EditorURL string
	// BaseURL prefixes the clip URLs handed to the editor.
	BaseURL        string
	UploadsDir     string
	MaxUploadBytes int64
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)
	}
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      0,
			IdleTimeout:       60 * time.Second,
		},
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.cfg.Hub != nil {
		s.cfg.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Status returns the document served at /status and pushed on /ws.
func (s *Server) Status() StatusResponse {
	return buildStatus(s.cfg)
}
