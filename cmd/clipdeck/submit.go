package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/handoff"
	"github.com/tsukizard/clipdeck/internal/job"
	"github.com/tsukizard/clipdeck/internal/progress"
	"github.com/tsukizard/clipdeck/internal/remote"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var outDir string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "submit <video>",
		Short: "Upload a video, generate clips and list them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger := ctx.logger(cfg, cmd.ErrOrStderr())

			clipsDir, err := os.MkdirTemp("", "clipdeck-submit-*")
			if err != nil {
				return fmt.Errorf("create clip dir: %w", err)
			}
			defer os.RemoveAll(clipsDir)

			p, err := newPipeline(cfg, clipsDir, logger)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSubmit(runCtx, p, args[0], submitOptions{
				outDir:     outDir,
				jsonOutput: jsonOutput,
				out:        cmd.OutOrStdout(),
				status:     cmd.ErrOrStderr(),
			})
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Copy ready clips into this directory")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the clips as JSON")
	return cmd
}

type submitOptions struct {
	outDir     string
	jsonOutput bool
	out        io.Writer
	status     io.Writer
}

func runSubmit(ctx context.Context, p *pipeline, path string, opts submitOptions) error {
	if opts.outDir != "" {
		if err := handoff.ValidateOutputDir(opts.outDir); err != nil {
			return err
		}
	}

	upload, err := remote.NewFileUpload(path)
	if err != nil {
		return err
	}

	line := newStatusLine(opts.status)
	render := func() {
		line.set(job.DisplayText(p.machine.Snapshot(), p.progress.CurrentText()))
	}
	unsubMachine := p.machine.Subscribe(func(job.Snapshot) { render() })
	unsubProgress := p.progress.Subscribe(func(progress.Update, progress.State) { render() })
	defer unsubMachine()
	defer unsubProgress()

	p.progress.Activate(ctx)
	runErr := p.machine.Start(ctx, upload)
	p.progress.Deactivate()
	line.done()

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || ctx.Err() != nil {
			return context.Canceled
		}
		return errors.New(job.UserMessage(runErr))
	}

	col := p.machine.Collection()
	var clips []assembly.Clip
	if col != nil {
		clips = col.Clips()
	}

	var written []handoff.Written
	var writeErr error
	if opts.outDir != "" && len(clips) > 0 {
		written, writeErr = handoff.WriteClips(p.blobs, opts.outDir, clips)
	}

	if opts.jsonOutput {
		if err := writeClipsJSON(opts.out, p.machine.Snapshot().JobID, clips, written); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(opts.out, p.machine.Snapshot().StatusText)
		if len(clips) > 0 {
			fmt.Fprintln(opts.out, renderClipTable(clips))
		}
		for _, w := range written {
			fmt.Fprintf(opts.out, "wrote %s (%s)\n", w.Path, humanize.Bytes(uint64(w.Size)))
		}
	}
	if writeErr != nil {
		return writeErr
	}

	if col != nil {
		if err := col.Err(); err != nil {
			return errors.New(job.UserMessage(err))
		}
	}
	return nil
}

type clipSummary struct {
	Index       int      `json:"index"`
	State       string   `json:"state"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
	Size        int64    `json:"size,omitempty"`
	Path        string   `json:"path,omitempty"`
	Error       string   `json:"error,omitempty"`
}

func writeClipsJSON(w io.Writer, jobID string, clips []assembly.Clip, written []handoff.Written) error {
	paths := make(map[int]string, len(written))
	for _, wr := range written {
		paths[wr.Index] = wr.Path
	}

	out := struct {
		JobID string        `json:"job_id"`
		Clips []clipSummary `json:"clips"`
	}{JobID: jobID, Clips: make([]clipSummary, 0, len(clips))}

	for _, c := range clips {
		s := clipSummary{
			Index:       c.Index,
			State:       c.State.String(),
			Title:       c.Metadata.Title,
			Description: c.Metadata.Description,
			Hashtags:    c.Metadata.Hashtags,
			Path:        paths[c.Index],
		}
		if s.Hashtags == nil {
			s.Hashtags = []string{}
		}
		if c.Binary != nil {
			s.Size = c.Binary.Size
		}
		if c.Err != nil {
			s.Error = job.UserMessage(c.Err)
		}
		out.Clips = append(out.Clips, s)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func renderClipTable(clips []assembly.Clip) string {
	rows := make([][]string, 0, len(clips))
	for _, c := range clips {
		size := "-"
		if c.Binary != nil && c.Binary.Size >= 0 {
			size = humanize.Bytes(uint64(c.Binary.Size))
		}
		title := c.Metadata.Title
		if c.State == assembly.Failed {
			title = job.UserMessage(c.Err)
		}
		rows = append(rows, []string{
			strconv.Itoa(c.Index),
			c.State.String(),
			truncate(title, 48),
			truncate(strings.Join(c.Metadata.Hashtags, " "), 40),
			size,
		})
	}
	return renderTable(
		[]string{"#", "State", "Title", "Hashtags", "Size"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

// statusLine rewrites one terminal line in place, or prints each distinct
// status on its own line when w is not a terminal.
type statusLine struct {
	w    io.Writer
	tty  bool
	mu   sync.Mutex
	last string
}

func newStatusLine(w io.Writer) *statusLine {
	tty := false
	if f, ok := w.(*os.File); ok {
		fd := f.Fd()
		tty = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	}
	return &statusLine{w: w, tty: tty}
}

func (s *statusLine) set(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.last {
		return
	}
	s.last = text
	if s.tty {
		fmt.Fprintf(s.w, "\r\033[K%s", text)
		return
	}
	fmt.Fprintln(s.w, text)
}

func (s *statusLine) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tty && s.last != "" {
		fmt.Fprintln(s.w)
	}
}
