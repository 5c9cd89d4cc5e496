package ui

import (
	"bytes"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestStatusTitle(t *testing.T) {
	if got := statusTitle(Status{}); got != "Idle" {
		t.Errorf("empty = %q", got)
	}
	if got := statusTitle(Status{Text: "Uploading the video"}); got != "Uploading the video" {
		t.Errorf("short = %q", got)
	}
	long := statusTitle(Status{Text: strings.Repeat("é", 100)})
	if utf8.RuneCountInString(long) != maxTitleRunes || !strings.HasSuffix(long, "…") {
		t.Errorf("long = %q", long)
	}
}

func TestClipsTitle(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{Status{}, "Clips: none"},
		{Status{ExpectedClips: 3, Ready: 1}, "Clips: 1/3 ready"},
		{Status{ExpectedClips: 3, Ready: 2, Failed: 1}, "Clips: 2/3 ready, 1 failed"},
	}
	for _, tt := range tests {
		if got := clipsTitle(tt.s); got != tt.want {
			t.Errorf("clipsTitle(%+v) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestUpdateBeforeReady(t *testing.T) {
	tray := NewTray(TrayConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	tray.Update(Status{Text: "Fetching 3 clips", ExpectedClips: 3})
	if tray.current.Text != "Fetching 3 clips" {
		t.Errorf("current = %+v", tray.current)
	}
}

func TestIconIsPNG(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(iconBytes))
	if err != nil {
		t.Fatalf("decode icon: %v", err)
	}
	if img.Bounds().Dx() != 22 {
		t.Errorf("icon width = %d", img.Bounds().Dx())
	}
}
