package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsukizard/clipdeck/internal/config"
	"github.com/tsukizard/clipdeck/internal/progress"
	"github.com/tsukizard/clipdeck/internal/remote"
)

const doctorTimeout = 5 * time.Second

type check struct {
	name   string
	ok     bool
	detail string
}

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the clip service, the progress endpoint and the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger(cfg, cmd.ErrOrStderr())
			checks := runChecks(cmd.Context(), cfg, newRemoteClient(cfg, logger), newProgressDialer())
			return printChecks(cmd.OutOrStdout(), checks)
		},
	}
}

func runChecks(ctx context.Context, cfg config.Config, client remote.Client, dialer progress.Dialer) []check {
	return []check{
		checkDataDir(cfg.DataDir()),
		checkService(ctx, cfg, client),
		checkProgress(ctx, cfg.ProgressURL(), dialer),
	}
}

func checkDataDir(dir string) check {
	c := check{name: "data directory", detail: dir}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		c.detail = err.Error()
		return c
	}
	f.Close()
	os.Remove(f.Name())
	c.ok = true
	return c
}

func checkService(ctx context.Context, cfg config.Config, client remote.Client) check {
	c := check{name: "clip service", detail: cfg.ServiceURL()}
	if cfg.UseStubService() {
		c.detail = "offline stub"
	}
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		c.detail = err.Error()
		return c
	}
	c.ok = true
	return c
}

// checkProgress opens one connection to the progress endpoint and closes it
// right away.
func checkProgress(ctx context.Context, url string, dialer progress.Dialer) check {
	c := check{name: "progress channel", detail: url}
	if url == "" {
		c.ok = true
		c.detail = "disabled"
		return c
	}
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	conn, err := dialer.Dial(ctx, url, func(progress.Event) {})
	if err != nil {
		c.detail = err.Error()
		return c
	}
	conn.Close()
	c.ok = true
	return c
}

func printChecks(w io.Writer, checks []check) error {
	rows := make([][]string, 0, len(checks))
	failed := 0
	for _, c := range checks {
		status := "ok"
		if !c.ok {
			status = "FAIL"
			failed++
		}
		rows = append(rows, []string{c.name, status, truncate(c.detail, 70)})
	}
	fmt.Fprintln(w, renderTable([]string{"Check", "Status", "Detail"}, rows, nil))
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
