// Package job drives one clip job through upload, generation and clip
// fetching. Exactly one job is active at a time; Reset replaces it with a
// fresh id and drops everything that belonged to the old one.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/remote"
)

// Transport is the request/response part of the clip service.
type Transport interface {
	Upload(ctx context.Context, jobID string, file *remote.Upload) (*remote.UploadReceipt, error)
	Generate(ctx context.Context, jobID string) (int, error)
}

// Assembler fetches the clips of the active job.
type Assembler interface {
	Activate(jobID string)
	Start(ctx context.Context, jobID string, n int) (*assembly.Collection, error)
	Retry(ctx context.Context, col *assembly.Collection, index int) (assembly.Clip, error)
}

// Snapshot is a point-in-time copy of the job state.
type Snapshot struct {
	JobID         string
	Phase         Phase
	FailedStage   Stage
	ExpectedClips int
	Err           error
	StatusText    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DefaultMaxClips is the largest clip count a job accepts unless configured.
const DefaultMaxClips = 1000

type Option func(*Machine)

// WithAllowedExtensions restricts uploads to the given extensions (no dot).
func WithAllowedExtensions(exts []string) Option {
	return func(m *Machine) {
		m.allowed = nil
		for _, e := range exts {
			m.allowed = append(m.allowed, strings.ToLower(strings.TrimPrefix(e, ".")))
		}
	}
}

// WithMaxClips caps the clip count accepted from the service. Larger counts
// fail the generate stage. n <= 0 keeps DefaultMaxClips.
func WithMaxClips(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.maxClips = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the job state machine.
type Machine struct {
	transport Transport
	assembler Assembler
	logger    *slog.Logger
	allowed   []string
	maxClips  int
	now       func() time.Time

	mu     sync.Mutex
	snap   Snapshot
	col    *assembly.Collection
	cancel context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

// NewMachine creates a machine in Idle with a fresh job id.
func NewMachine(transport Transport, assembler Assembler, logger *slog.Logger, opts ...Option) *Machine {
	m := &Machine{
		transport: transport,
		assembler: assembler,
		logger:    logger,
		maxClips:  DefaultMaxClips,
		now:       time.Now,
		subs:      make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}

	now := m.now()
	m.snap = Snapshot{
		JobID:      newJobID(),
		Phase:      Idle,
		StatusText: idleText,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.assembler.Activate(m.snap.JobID)
	return m
}

func newJobID() string {
	return uuid.NewString()
}

// Snapshot returns the current job state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Collection returns the clip collection of the active job, or nil before
// the clip count is known.
func (m *Machine) Collection() *assembly.Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.col
}

// Subscribe registers fn for every state change and returns a func that
// removes it. fn must not call back into the machine synchronously.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Machine) publish(s Snapshot) {
	m.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subs))
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Start validates file and runs the whole pipeline for the active job,
// returning when the job is Ready or Failed.
func (m *Machine) Start(ctx context.Context, file *remote.Upload) error {
	jobID, runCtx, err := m.begin(ctx, file)
	if err != nil {
		return err
	}
	return m.run(runCtx, jobID, file)
}

// StartAsync validates file and enters Uploading before returning; the rest
// of the pipeline runs in the background, detached from ctx cancellation.
func (m *Machine) StartAsync(ctx context.Context, file *remote.Upload) (string, error) {
	jobID, runCtx, err := m.begin(context.WithoutCancel(ctx), file)
	if err != nil {
		return "", err
	}
	go func() {
		if err := m.run(runCtx, jobID, file); err != nil && !errors.Is(err, ErrStale) {
			m.logger.Warn("job finished with error", "job_id", jobID, "error", err)
		}
	}()
	return jobID, nil
}

func (m *Machine) validate(file *remote.Upload) error {
	if file == nil || file.Open == nil {
		return &ValidationError{Reason: "Select a video file first."}
	}
	name := strings.TrimSpace(file.Name)
	if name == "" {
		return &ValidationError{Reason: "The selected file has no name."}
	}
	if len(m.allowed) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if !slices.Contains(m.allowed, ext) {
			return &ValidationError{Reason: fmt.Sprintf("Unsupported file type. Use one of: %s.", strings.Join(m.allowed, ", "))}
		}
	}
	return nil
}

// begin moves Idle to Uploading.
func (m *Machine) begin(ctx context.Context, file *remote.Upload) (string, context.Context, error) {
	if err := m.validate(file); err != nil {
		m.logger.Info("submission rejected", "reason", err.Error())
		return "", nil, err
	}

	m.mu.Lock()
	if m.snap.Phase != Idle {
		phase := m.snap.Phase
		m.mu.Unlock()
		return "", nil, fmt.Errorf("start in phase %s: %w", phase, ErrBusy)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	jobID := m.snap.JobID
	m.snap.Phase = Uploading
	m.snap.StatusText = uploadingText
	m.snap.UpdatedAt = m.now()
	snap := m.snap
	m.mu.Unlock()

	m.logger.Info("job started", "job_id", jobID, "file", file.Name, "bytes", file.Size)
	m.publish(snap)
	return jobID, runCtx, nil
}

func (m *Machine) run(ctx context.Context, jobID string, file *remote.Upload) error {
	defer func() {
		m.mu.Lock()
		if m.snap.JobID == jobID && m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		m.mu.Unlock()
	}()

	if _, err := m.transport.Upload(ctx, jobID, file); err != nil {
		return m.fail(jobID, StageUpload, err)
	}

	if !m.transition(jobID, func(s *Snapshot) {
		s.Phase = Generating
		s.StatusText = generatingText
	}) {
		return ErrStale
	}

	n, err := m.transport.Generate(ctx, jobID)
	if err == nil && (n < 0 || n > m.maxClips) {
		err = &remote.RequestError{
			Op:  "generate",
			Err: fmt.Errorf("clip count %d outside 0..%d", n, m.maxClips),
		}
	}
	if err != nil {
		return m.fail(jobID, StageGenerate, err)
	}

	if n == 0 {
		col := assembly.NewCollection(jobID, 0)
		if !m.transition(jobID, func(s *Snapshot) {
			s.Phase = Ready
			s.ExpectedClips = 0
			s.StatusText = readyText(col)
		}, col) {
			return ErrStale
		}
		return nil
	}

	if !m.transition(jobID, func(s *Snapshot) {
		s.Phase = Fetching
		s.ExpectedClips = n
		s.StatusText = fetchingText(n)
	}) {
		return ErrStale
	}

	col, err := m.assembler.Start(ctx, jobID, n)
	if err != nil {
		return m.fail(jobID, StageFetch, err)
	}
	if !m.attach(jobID, col) {
		return ErrStale
	}

	<-col.Done()

	if !m.transition(jobID, func(s *Snapshot) {
		s.Phase = Ready
		s.StatusText = readyText(col)
	}) {
		return ErrStale
	}
	if err := col.Err(); err != nil {
		m.logger.Warn("job ready with failed clips", "job_id", jobID, "error", err)
	}
	return nil
}

// transition applies fn when jobID is still active. An optional collection
// is attached in the same step.
func (m *Machine) transition(jobID string, fn func(*Snapshot), col ...*assembly.Collection) bool {
	m.mu.Lock()
	if m.snap.JobID != jobID {
		m.mu.Unlock()
		m.logger.Debug("dropping transition for stale job", "job_id", jobID)
		return false
	}
	from := m.snap.Phase
	fn(&m.snap)
	m.snap.UpdatedAt = m.now()
	if len(col) > 0 {
		m.col = col[0]
	}
	snap := m.snap
	m.mu.Unlock()

	m.logger.Info("job phase changed", "job_id", jobID, "from", from.String(), "to", snap.Phase.String())
	m.publish(snap)
	return true
}

func (m *Machine) attach(jobID string, col *assembly.Collection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.JobID != jobID {
		return false
	}
	m.col = col
	return true
}

func (m *Machine) fail(jobID string, stage Stage, err error) error {
	stageErr := &StageError{Stage: stage, Err: err}
	if !m.transition(jobID, func(s *Snapshot) {
		s.Phase = Failed
		s.FailedStage = stage
		s.Err = stageErr
		s.StatusText = UserMessage(stageErr)
	}) {
		return ErrStale
	}
	m.logger.Error("job failed", "job_id", jobID, "stage", string(stage), "error", err)
	return stageErr
}

// Reset cancels the active job and starts over in Idle with a new id.
// Results still in flight for the old job are dropped.
func (m *Machine) Reset() string {
	m.mu.Lock()
	prev := m.snap.JobID
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	now := m.now()
	m.snap = Snapshot{
		JobID:      newJobID(),
		Phase:      Idle,
		StatusText: idleText,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.col = nil
	m.assembler.Activate(m.snap.JobID)
	snap := m.snap
	m.mu.Unlock()

	m.logger.Info("job reset", "previous_job_id", prev, "job_id", snap.JobID)
	m.publish(snap)
	return snap.JobID
}

// RetryClip re-fetches one clip of the active job.
func (m *Machine) RetryClip(ctx context.Context, index int) (assembly.Clip, error) {
	col := m.Collection()
	if col == nil {
		return assembly.Clip{}, fmt.Errorf("%w: no clips yet", assembly.ErrIndexOutOfRange)
	}
	clip, err := m.assembler.Retry(ctx, col, index)
	if err == nil {
		m.mu.Lock()
		if m.snap.JobID == col.JobID() && m.snap.Phase == Ready {
			m.snap.StatusText = readyText(col)
			m.snap.UpdatedAt = m.now()
		}
		snap := m.snap
		m.mu.Unlock()
		m.publish(snap)
	}
	return clip, err
}
