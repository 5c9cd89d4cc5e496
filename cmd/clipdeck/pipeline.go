package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/blob"
	"github.com/tsukizard/clipdeck/internal/config"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/logging"
	"github.com/tsukizard/clipdeck/internal/progress"
	"github.com/tsukizard/clipdeck/internal/remote"
)

const (
	stubClips = 3
	stubDelay = 400 * time.Millisecond

	progressHandshakeTimeout = 10 * time.Second
)

// pipeline is the clip job stack shared by serve and submit.
type pipeline struct {
	remote   remote.Client
	blobs    *blob.LocalFS
	coord    *assembly.Coordinator
	machine  *job.Machine
	progress *progress.Manager
}

func newRemoteClient(cfg config.Config, logger *slog.Logger) remote.Client {
	if cfg.UseStubService() {
		logger.Warn("using the offline stub clip service")
		return remote.NewStubClient(stubClips, stubDelay, logger)
	}
	return remote.NewHTTPClient(cfg.ServiceURL(), cfg.APIPrefix(), cfg.HTTPTimeout(), logger)
}

func newProgressDialer() *progress.WebsocketDialer {
	return &progress.WebsocketDialer{
		Dialer: &websocket.Dialer{HandshakeTimeout: progressHandshakeTimeout},
	}
}

// newPipeline wires transport, blob store, coordinator, machine and the
// progress channel. clipsDir must be private to this process.
func newPipeline(cfg config.Config, clipsDir string, logger *slog.Logger, observers ...assembly.Observer) (*pipeline, error) {
	blobs, err := blob.NewLocalFS(clipsDir)
	if err != nil {
		return nil, fmt.Errorf("open clip store: %w", err)
	}

	client := newRemoteClient(cfg, logger)

	opts := []assembly.Option{assembly.WithLimit(cfg.MaxParallelClips())}
	for _, o := range observers {
		opts = append(opts, assembly.WithObserver(o))
	}
	coord := assembly.NewCoordinator(client, blobs, logging.WithComponent(logger, "assembly"), opts...)

	machine := job.NewMachine(client, coord, logging.WithComponent(logger, "job"),
		job.WithAllowedExtensions(cfg.AllowedExtensions()),
		job.WithMaxClips(cfg.MaxClips()))

	prog := progress.NewManager(cfg.ProgressURL(), newProgressDialer(), cfg.ReconnectDelay(),
		logging.WithComponent(logger, "progress"))

	return &pipeline{
		remote:   client,
		blobs:    blobs,
		coord:    coord,
		machine:  machine,
		progress: prog,
	}, nil
}
