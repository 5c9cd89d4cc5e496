package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/tsukizard/clipdeck/internal/api"
	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/config"
	"github.com/tsukizard/clipdeck/internal/db"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/logging"
	"github.com/tsukizard/clipdeck/internal/playback"
	"github.com/tsukizard/clipdeck/internal/progress"
	"github.com/tsukizard/clipdeck/internal/session"
	"github.com/tsukizard/clipdeck/internal/ui"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var headless bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local agent: API, progress channel and tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cfg, ctx.logger(cfg, os.Stdout), headless || cfg.Headless(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "Do not show the system tray")
	return cmd
}

func runServe(cfg config.Config, logger *slog.Logger, headless bool, out io.Writer) error {
	startTime := time.Now()
	logger.Info("starting clipdeck agent", "version", Version, "data_dir", logging.SanitizePath(cfg.DataDir()))

	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another clipdeck agent is already running for this data directory")
	}
	defer lock.Unlock()

	// Nothing from a previous run is reused.
	if err := resetSessionDir(cfg); err != nil {
		return err
	}
	defer os.RemoveAll(cfg.SessionDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := session.NewRepository(database.Conn())
	token, err := ensureAPIToken(repo, cfg.APIToken())
	if err != nil {
		return fmt.Errorf("failed to ensure api token: %w", err)
	}
	journal := session.NewJournal(repo, logging.WithComponent(logger, "session"))

	var editorOrigins []string
	if origin := api.OriginOf(cfg.EditorURL()); origin != "" {
		editorOrigins = append(editorOrigins, origin)
	}
	hub := api.NewHub(logging.WithComponent(logger, "ws"), editorOrigins...)

	p, err := newPipeline(cfg, cfg.ClipsDir(), logger,
		journal.RecordClip,
		func(string, assembly.Clip) { hub.Notify() },
	)
	if err != nil {
		return err
	}
	p.machine.Subscribe(journal.RecordSnapshot)
	p.machine.Subscribe(func(job.Snapshot) { hub.Notify() })
	p.progress.Subscribe(func(progress.Update, progress.State) { hub.Notify() })

	server := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Version:    Version,
		Machine:    p.machine,
		Progress:   p.progress,
		Blobs:      p.blobs,
		Remote:     p.remote,
		Repository: repo,
		Journal:    journal,
		Playback:   playback.NewServer(logger),
		Hub:        hub,
		Logger:     logging.WithComponent(logger, "api"),
		StartTime:  startTime,
		EditorURL:  cfg.EditorURL(),
		UploadsDir: cfg.UploadsDir(),
	})

	printBanner(out, cfg, token)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run(runCtx, func() any { return server.Status() })
	p.progress.Activate(runCtx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	quitCh := make(chan struct{})
	var startErr error

	if headless {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Logger:  logging.WithComponent(logger, "tray"),
			OnReset: func() { p.machine.Reset() },
			OnQuit: func() {
				select {
				case <-quitCh:
				default:
					close(quitCh)
				}
			},
		})
		refresh := func() {
			s := server.Status()
			tray.Update(ui.Status{
				Text:          s.StatusText,
				ExpectedClips: s.ExpectedClips,
				Ready:         s.ClipsReady,
				Failed:        s.ClipsFailed,
			})
		}
		p.machine.Subscribe(func(job.Snapshot) { refresh() })
		p.progress.Subscribe(func(progress.Update, progress.State) { refresh() })
		refresh()
		go tray.Run()
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case <-quitCh:
	case startErr = <-serverErr:
		if startErr != nil {
			logger.Error("HTTP server error", "error", startErr)
		}
	}

	logger.Info("initiating graceful shutdown")
	p.progress.Deactivate()
	p.machine.Reset()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return startErr
}

func resetSessionDir(cfg config.Config) error {
	if err := os.RemoveAll(cfg.SessionDir()); err != nil {
		return fmt.Errorf("clear session dir: %w", err)
	}
	for _, dir := range []string{cfg.SessionDir(), cfg.ClipsDir(), cfg.UploadsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ensureAPIToken stores the configured token, or a random one when none is
// configured.
func ensureAPIToken(repo session.Repository, configured string) (string, error) {
	ctx := context.Background()

	token := configured
	if token == "" {
		tokenBytes := make([]byte, 32)
		if _, err := rand.Read(tokenBytes); err != nil {
			return "", err
		}
		token = hex.EncodeToString(tokenBytes)
	}

	if err := repo.SetConfig(ctx, session.ConfigKeyAPIToken, token); err != nil {
		return "", err
	}
	return token, nil
}

func printBanner(out io.Writer, cfg config.Config, token string) {
	service := cfg.ServiceURL()
	if cfg.UseStubService() {
		service = "offline stub"
	}
	progressURL := cfg.ProgressURL()
	if progressURL == "" {
		progressURL = "disabled"
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(out, "║  %-77s║\n", "CLIPDECK v"+Version)
	fmt.Fprintln(out, "╠═══════════════════════════════════════════════════════════════════════════════╣")
	fmt.Fprintf(out, "║  API URL:    %-65s║\n", fmt.Sprintf("http://127.0.0.1:%d", cfg.Port()))
	fmt.Fprintf(out, "║  API Token:  %-65s║\n", token)
	fmt.Fprintf(out, "║  Service:    %-65s║\n", truncate(service, 65))
	fmt.Fprintf(out, "║  Progress:   %-65s║\n", truncate(progressURL, 65))
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
