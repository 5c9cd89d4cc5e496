// Package ui is the optional system tray: it shows what the current job is
// doing and offers Reset and Quit.
package ui

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"
)

const maxTitleRunes = 60

// Status is what the tray displays.
type Status struct {
	Text          string
	ExpectedClips int
	Ready         int
	Failed        int
}

type Tray struct {
	logger *slog.Logger

	statusItem *systray.MenuItem
	clipsItem  *systray.MenuItem

	mu      sync.Mutex
	ready   bool
	current Status

	onReset func()
	onQuit  func()
}

type TrayConfig struct {
	Logger  *slog.Logger
	OnReset func()
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		logger:  cfg.Logger,
		onReset: cfg.OnReset,
		onQuit:  cfg.OnQuit,
	}
}

// Run blocks until the tray quits. It must be called from the main
// goroutine on macOS.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Clipdeck")
	systray.SetTooltip("Clipdeck")

	t.mu.Lock()
	t.statusItem = systray.AddMenuItem(statusTitle(t.current), "Current job")
	t.statusItem.Disable()
	t.clipsItem = systray.AddMenuItem(clipsTitle(t.current), "Fetched clips")
	t.clipsItem.Disable()
	t.ready = true
	t.mu.Unlock()

	systray.AddSeparator()
	resetItem := systray.AddMenuItem("Reset", "Drop the current job and start over")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Quit Clipdeck")

	go func() {
		for {
			select {
			case <-resetItem.ClickedCh:
				t.logger.Info("reset requested from tray")
				if t.onReset != nil {
					t.onReset()
				}
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

// Update shows s. Calls before the tray is ready are kept and shown once
// it is.
func (t *Tray) Update(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = s
	if !t.ready {
		return
	}
	t.statusItem.SetTitle(statusTitle(s))
	t.clipsItem.SetTitle(clipsTitle(s))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusTitle(s Status) string {
	text := s.Text
	if text == "" {
		text = "Idle"
	}
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		text = string(runes[:maxTitleRunes-1]) + "…"
	}
	return text
}

func clipsTitle(s Status) string {
	switch {
	case s.ExpectedClips == 0:
		return "Clips: none"
	case s.Failed > 0:
		return fmt.Sprintf("Clips: %d/%d ready, %d failed", s.Ready, s.ExpectedClips, s.Failed)
	default:
		return fmt.Sprintf("Clips: %d/%d ready", s.Ready, s.ExpectedClips)
	}
}
