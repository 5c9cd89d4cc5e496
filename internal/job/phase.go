package job

import (
	"fmt"

	"github.com/tsukizard/clipdeck/internal/assembly"
)

// Phase is the job lifecycle stage.
type Phase int

const (
	Idle Phase = iota
	Uploading
	Generating
	Fetching
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Uploading:
		return "uploading"
	case Generating:
		return "generating"
	case Fetching:
		return "fetching"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Active reports whether the pipeline is waiting on the service.
func (p Phase) Active() bool {
	return p == Uploading || p == Generating || p == Fetching
}

// Terminal reports whether only Reset can leave the phase.
func (p Phase) Terminal() bool {
	return p == Ready || p == Failed
}

// Stage names the pipeline step a failure happened in.
type Stage string

const (
	StageUpload   Stage = "upload"
	StageGenerate Stage = "generate"
	StageFetch    Stage = "fetch"
)

const (
	idleText       = "Select a video to get started"
	uploadingText  = "Uploading the video to our servers"
	generatingText = "Looking for the most interesting moments"
)

func fetchingText(n int) string {
	if n == 1 {
		return "Fetching the generated clip"
	}
	return fmt.Sprintf("Fetching %d generated clips", n)
}

func readyText(col *assembly.Collection) string {
	n := col.Len()
	if n == 0 {
		return "No clips were found in this video"
	}
	ready, failed, _ := col.Counts()
	if failed > 0 {
		return fmt.Sprintf("%d of %d clips ready, %d failed", ready, n, failed)
	}
	if n == 1 {
		return "1 clip ready"
	}
	return fmt.Sprintf("%d clips ready", n)
}

// DisplayText picks what to show the user: live progress text while the
// pipeline is waiting on the service, the phase text otherwise.
func DisplayText(s Snapshot, progressText string) string {
	if s.Phase.Active() && progressText != "" {
		return progressText
	}
	return s.StatusText
}
