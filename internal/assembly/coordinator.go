// Package assembly fetches the clips of a job. Each clip's binary and
// metadata are fetched as a pair; pairs run concurrently, failures stay
// per clip, and results are exposed in index order.
package assembly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsukizard/clipdeck/internal/blob"
	"github.com/tsukizard/clipdeck/internal/remote"
)

// Fetcher is the part of the transport the coordinator uses.
type Fetcher interface {
	FetchClipBinary(ctx context.Context, jobID string, index int) (*remote.ClipBinary, error)
	FetchClipMetadata(ctx context.Context, jobID string, index int) (remote.ClipMetadata, error)
}

// Observer is told about every clip change that was applied.
type Observer func(jobID string, clip Clip)

type Option func(*Coordinator)

// WithLimit bounds how many clips are fetched at once. Zero means no bound.
func WithLimit(n int) Option {
	return func(c *Coordinator) { c.limit = n }
}

func WithObserver(fn Observer) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, fn) }
}

// Coordinator fetches clip collections for the active job and drops results
// belonging to any other job.
type Coordinator struct {
	fetcher   Fetcher
	blobs     blob.Store
	logger    *slog.Logger
	limit     int
	observers []Observer

	mu     sync.Mutex
	active string
}

func NewCoordinator(fetcher Fetcher, blobs blob.Store, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher: fetcher,
		blobs:   blobs,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Activate makes jobID the only job whose results are applied. Stored
// binaries of the previous job are removed.
func (c *Coordinator) Activate(jobID string) {
	c.mu.Lock()
	prev := c.active
	c.active = jobID
	c.mu.Unlock()

	if prev != "" && prev != jobID {
		if err := c.blobs.RemoveAll(prev); err != nil {
			c.logger.Warn("failed to remove clips of previous job", "job_id", prev, "error", err)
		}
	}
}

// Active returns the active job id.
func (c *Coordinator) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start begins fetching clips 1..n for jobID and returns immediately. The
// collection's Done channel closes when every clip has been attempted.
func (c *Coordinator) Start(ctx context.Context, jobID string, n int) (*Collection, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative clip count %d", n)
	}
	if c.Active() != jobID {
		return nil, fmt.Errorf("start fetch for %s: %w", jobID, ErrStaleJob)
	}

	col := NewCollection(jobID, n)
	if n == 0 {
		c.logger.Info("no clips to fetch", "job_id", jobID)
		return col, nil
	}

	c.logger.Info("fetching clips", "job_id", jobID, "clips", n, "limit", c.limit)
	go c.run(ctx, col)
	return col, nil
}

// FetchAll is Start followed by waiting for the collection.
func (c *Coordinator) FetchAll(ctx context.Context, jobID string, n int) (*Collection, error) {
	col, err := c.Start(ctx, jobID, n)
	if err != nil {
		return nil, err
	}
	<-col.Done()
	return col, nil
}

func (c *Coordinator) run(ctx context.Context, col *Collection) {
	var g errgroup.Group
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for index := 1; index <= col.Len(); index++ {
		index := index
		g.Go(func() error {
			c.fetchOne(ctx, col, index)
			col.settle()
			return nil
		})
	}
	_ = g.Wait()

	ready, failed, _ := col.Counts()
	c.logger.Info("clip fetch finished", "job_id", col.JobID(), "ready", ready, "failed", failed)
}

// Retry re-fetches one failed clip of col and returns the outcome. Indexes
// outside 1..n, clips still in flight and clips already Ready are rejected
// before any transport call.
func (c *Coordinator) Retry(ctx context.Context, col *Collection, index int) (Clip, error) {
	if _, err := col.Clip(index); err != nil {
		return Clip{}, err
	}

	c.mu.Lock()
	clip, _ := col.Clip(index)
	if c.active != col.JobID() {
		c.mu.Unlock()
		return clip, fmt.Errorf("retry clip %d: %w", index, ErrStaleJob)
	}
	switch clip.State {
	case Pending:
		c.mu.Unlock()
		return clip, fmt.Errorf("retry clip %d: %w", index, ErrClipBusy)
	case Ready:
		c.mu.Unlock()
		return clip, fmt.Errorf("retry clip %d: %w", index, ErrClipReady)
	}
	clip = col.update(index, func(cl *Clip) {
		cl.State = Pending
		cl.Err = nil
	})
	c.mu.Unlock()
	c.notify(col.JobID(), clip)

	c.logger.Info("retrying clip", "job_id", col.JobID(), "clip_index", index)
	clip, applied := c.fetchOne(ctx, col, index)
	if !applied {
		return clip, fmt.Errorf("retry clip %d: %w", index, ErrStaleJob)
	}
	return clip, clip.Err
}

// fetchOne fetches binary and metadata of one clip concurrently and applies
// the outcome unless the job went stale meanwhile.
func (c *Coordinator) fetchOne(ctx context.Context, col *Collection, index int) (Clip, bool) {
	jobID := col.JobID()
	key := blob.ClipKey(jobID, index)

	var (
		handle BinaryHandle
		meta   remote.ClipMetadata
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bin, err := c.fetcher.FetchClipBinary(gctx, jobID, index)
		if err != nil {
			return fmt.Errorf("fetch binary: %w", err)
		}
		defer bin.Body.Close()

		n, err := c.blobs.Put(key, bin.Body)
		if err != nil {
			return fmt.Errorf("store binary: %w", err)
		}
		handle = BinaryHandle{Key: key, Size: n, ContentType: bin.ContentType}
		return nil
	})
	g.Go(func() error {
		m, err := c.fetcher.FetchClipMetadata(gctx, jobID, index)
		if err != nil {
			return fmt.Errorf("fetch metadata: %w", err)
		}
		meta = m
		return nil
	})
	err := g.Wait()

	c.mu.Lock()
	if c.active != jobID {
		c.mu.Unlock()
		c.logger.Debug("discarding stale clip result", "job_id", jobID, "clip_index", index)
		_ = c.blobs.RemoveAll(key)
		return Clip{Index: index}, false
	}
	clip := col.update(index, func(cl *Clip) {
		if err != nil {
			cl.State = Failed
			cl.Err = err
			cl.Binary = nil
			return
		}
		cl.State = Ready
		cl.Err = nil
		h := handle
		cl.Binary = &h
		cl.Metadata = meta
	})
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("clip fetch failed", "job_id", jobID, "clip_index", index, "error", err)
	} else {
		c.logger.Debug("clip ready", "job_id", jobID, "clip_index", index, "bytes", handle.Size)
	}
	c.notify(jobID, clip)
	return clip, true
}

func (c *Coordinator) notify(jobID string, clip Clip) {
	for _, fn := range c.observers {
		fn(jobID, clip)
	}
}
