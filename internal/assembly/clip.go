package assembly

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tsukizard/clipdeck/internal/remote"
)

var (
	// ErrIndexOutOfRange is returned for clip indexes outside 1..n. Such a
	// request never reaches the transport.
	ErrIndexOutOfRange = errors.New("clip index out of range")

	// ErrPartialFetch classifies a collection where some clips failed.
	ErrPartialFetch = errors.New("some clips failed to fetch")

	// ErrStaleJob is returned when an operation targets a job that is no
	// longer the active one.
	ErrStaleJob = errors.New("job is no longer active")

	// ErrClipBusy is returned when a retry targets a clip still in flight.
	ErrClipBusy = errors.New("clip fetch still in progress")

	// ErrClipReady is returned when a retry targets a clip that is already
	// available. The stored binary is kept.
	ErrClipReady = errors.New("clip already ready")
)

// PartialFetchError lists the clip indexes that failed. The job still
// reaches Ready; each failed clip can be retried on its own.
type PartialFetchError struct {
	Failed []int
}

func (e *PartialFetchError) Error() string {
	return fmt.Sprintf("%d clip(s) failed to fetch: %v", len(e.Failed), e.Failed)
}

func (e *PartialFetchError) Unwrap() error {
	return ErrPartialFetch
}

// FetchState is the per-clip fetch status.
type FetchState int

const (
	Pending FetchState = iota
	Ready
	Failed
)

func (s FetchState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("FetchState(%d)", int(s))
	}
}

// BinaryHandle points at a fetched clip payload in the blob store.
type BinaryHandle struct {
	Key         string
	Size        int64
	ContentType string
}

// Clip is one generated clip. Index never changes after creation.
type Clip struct {
	Index     int
	Binary    *BinaryHandle
	Metadata  remote.ClipMetadata
	State     FetchState
	Err       error
	UpdatedAt time.Time
}

// Collection holds the clips of one job in index order. Its size is fixed
// at creation; failed clips stay in place.
type Collection struct {
	jobID string

	mu      sync.RWMutex
	clips   []Clip
	pending int
	done    chan struct{}
}

// NewCollection creates n pending clips for jobID. With n == 0 the
// collection is complete immediately.
func NewCollection(jobID string, n int) *Collection {
	if n < 0 {
		n = 0
	}
	col := &Collection{
		jobID:   jobID,
		clips:   make([]Clip, n),
		pending: n,
		done:    make(chan struct{}),
	}
	now := time.Now()
	for i := range col.clips {
		col.clips[i] = Clip{Index: i + 1, State: Pending, UpdatedAt: now}
	}
	if n == 0 {
		close(col.done)
	}
	return col
}

func (c *Collection) JobID() string { return c.jobID }

func (c *Collection) Len() int { return len(c.clips) }

// Done is closed once every clip has had its first fetch attempt.
func (c *Collection) Done() <-chan struct{} { return c.done }

// Clips returns a snapshot in ascending index order.
func (c *Collection) Clips() []Clip {
	c.mu.RLock()
	out := make([]Clip, len(c.clips))
	copy(out, c.clips)
	c.mu.RUnlock()

	// slots are index ordered already; sort keeps the guarantee explicit
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Clip returns the clip at the 1-based index.
func (c *Collection) Clip(index int) (Clip, error) {
	if index < 1 || index > len(c.clips) {
		return Clip{}, fmt.Errorf("%w: %d not in 1..%d", ErrIndexOutOfRange, index, len(c.clips))
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clips[index-1], nil
}

// Counts reports how many clips are ready, failed and pending.
func (c *Collection) Counts() (ready, failed, pending int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, clip := range c.clips {
		switch clip.State {
		case Ready:
			ready++
		case Failed:
			failed++
		default:
			pending++
		}
	}
	return ready, failed, pending
}

// Err returns a *PartialFetchError when any clip is Failed, nil otherwise.
func (c *Collection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var failed []int
	for _, clip := range c.clips {
		if clip.State == Failed {
			failed = append(failed, clip.Index)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PartialFetchError{Failed: failed}
}

func (c *Collection) update(index int, fn func(*Clip)) Clip {
	c.mu.Lock()
	defer c.mu.Unlock()
	clip := &c.clips[index-1]
	fn(clip)
	clip.UpdatedAt = time.Now()
	return *clip
}

// settle records that the first attempt for one clip has finished.
func (c *Collection) settle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 {
		return
	}
	c.pending--
	if c.pending == 0 {
		close(c.done)
	}
}
