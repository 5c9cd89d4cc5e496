package job

import (
	"errors"
	"fmt"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/remote"
)

var (
	// ErrValidation is returned when the input was rejected before any
	// network call.
	ErrValidation = errors.New("validation failed")

	// ErrBusy is returned by Start outside the Idle phase.
	ErrBusy = errors.New("a job is already in progress")

	// ErrStale is returned by a pipeline run whose job was reset meanwhile.
	ErrStale = errors.New("job was reset")
)

// ValidationError describes why a submission was rejected locally.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StageError is a fatal pipeline failure at one stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// UserMessage turns an error into text that tells the user what to do.
// Raw transport details are left to the logs.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		var v *ValidationError
		if errors.As(err, &v) {
			return v.Reason
		}
		return "Select a video file first."
	case errors.Is(err, remote.ErrUnprocessableInput):
		return "The service could not process this video. Check the file and try a different one."
	case errors.Is(err, assembly.ErrPartialFetch):
		return "Some clips could not be fetched. Retry them individually."
	case errors.Is(err, assembly.ErrIndexOutOfRange):
		return "That clip does not exist."
	case errors.Is(err, assembly.ErrClipReady):
		return "That clip is already available."
	case errors.Is(err, ErrBusy):
		return "A job is already running. Reset to start a new one."
	case errors.Is(err, ErrStale):
		return "The job was reset."
	case errors.Is(err, remote.ErrTransport):
		return "The clip service is unavailable right now. Try again later."
	default:
		return "Something went wrong. Try again later."
	}
}
