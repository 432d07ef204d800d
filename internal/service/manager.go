// Package service runs jobs on behalf of API and CLI callers. Every request
// gets its own runner.JobRun driven on a background goroutine; the manager
// keeps a bounded registry of runs so callers can follow them by id.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"buildrunner/internal/engine"
	"buildrunner/internal/events"
	"buildrunner/internal/logger"
	"buildrunner/internal/runner"
	"buildrunner/internal/storage/models"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrInvalidJob  = errors.New("invalid job name")
	ErrClosed      = errors.New("manager is closed")
)

const recordTimeout = 5 * time.Second

// Recorder persists the outcome of finished runs
type Recorder interface {
	RecordRun(ctx context.Context, run models.RunRecord) error
}

// Options configures a Manager
type Options struct {
	Runner    runner.Config
	MaxRuns   int // finished runs kept in memory, <= 0 keeps all
	Publisher events.Publisher
	Recorder  Recorder
	// RunOptions are appended to every runner.New call
	RunOptions []runner.Option
}

// Request asks for one job run
type Request struct {
	Job            string            `json:"job"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	MonitorConsole *bool             `json:"monitor_console,omitempty"`
	// Console additionally receives the console fragments of this run
	Console runner.ConsoleHandler `json:"-"`
}

// Snapshot is a point-in-time view of a run
type Snapshot struct {
	ID              string            `json:"id"`
	Job             string            `json:"job"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Status          runner.Status     `json:"status"`
	BuildNumber     int               `json:"build_number,omitempty"`
	Build           *engine.Build     `json:"build,omitempty"`
	Error           string            `json:"error,omitempty"`
	Console         string            `json:"console,omitempty"`
	ConsoleComplete bool              `json:"console_complete"`
	Done            bool              `json:"done"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// ConsoleChunk is the console output of a run from a given offset
type ConsoleChunk struct {
	Text       string `json:"text"`
	NextOffset int64  `json:"next_offset"`
	Complete   bool   `json:"complete"`
}

// Run is a job run owned by the manager
type Run struct {
	ID     string
	Job    string
	Params map[string]string

	job       *runner.JobRun
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu         sync.RWMutex
	build      *engine.Build
	err        error
	finishedAt time.Time
}

// Done is closed when the run ended
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Err returns the error the run ended with, nil while running or on success
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Snapshot returns the current view of the run
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	console, complete := r.job.Console()
	snap := Snapshot{
		ID:              r.ID,
		Job:             r.Job,
		Parameters:      r.Params,
		Status:          r.job.Status(),
		BuildNumber:     r.job.BuildNumber(),
		Build:           r.build,
		Console:         console,
		ConsoleComplete: complete,
		StartedAt:       r.startedAt,
	}
	if r.err != nil {
		snap.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		snap.FinishedAt = &finished
		snap.Done = true
	}
	return snap
}

func (r *Run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Manager starts job runs and tracks them until they are evicted
type Manager struct {
	svc  engine.JobService
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*Run
	order  []string // oldest first
	closed bool
}

// NewManager creates a manager whose runs talk to svc
func NewManager(svc engine.JobService, opts Options) *Manager {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		svc:    svc,
		opts:   opts,
		log:    logger.Get(),
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*Run),
	}
}

// Start validates req and launches the run in the background
func (m *Manager) Start(ctx context.Context, req Request) (*Run, error) {
	job := strings.TrimSpace(req.Job)
	if job == "" {
		return nil, fmt.Errorf("%w: job is required", ErrInvalidJob)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	cfg := m.opts.Runner
	if req.MonitorConsole != nil {
		cfg.MonitorConsole = *req.MonitorConsole
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(m.ctx)
	runCtx = logger.WithAttrs(runCtx, slog.String("run_id", id), slog.String("job", job))

	opts := append([]runner.Option{runner.WithConfig(cfg), runner.WithLogger(m.log)}, m.opts.RunOptions...)
	run := &Run{
		ID:        id,
		Job:       job,
		Params:    req.Parameters,
		job:       runner.New(m.svc, opts...),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
	m.subscribe(run)
	if req.Console != nil {
		run.job.OnConsoleOutput(req.Console)
	}

	m.runs[id] = run
	m.order = append(m.order, id)
	m.evict()

	m.wg.Add(1)
	go m.execute(runCtx, run)

	m.log.InfoContext(ctx, "run started", "run_id", id, "job", job)
	return run, nil
}

func (m *Manager) subscribe(run *Run) {
	pub := m.opts.Publisher
	run.job.OnStatusChanged(func(ctx context.Context, status runner.Status) error {
		return pub.Publish(ctx, events.Event{
			RunID:       run.ID,
			Job:         run.Job,
			Type:        events.TypeStatus,
			Status:      status.String(),
			BuildNumber: run.job.BuildNumber(),
			Time:        time.Now(),
		})
	})
	// console handler errors abort the run, publishing failures must not
	run.job.OnConsoleOutput(func(ctx context.Context, fragment string) error {
		err := pub.Publish(ctx, events.Event{
			RunID:       run.ID,
			Job:         run.Job,
			Type:        events.TypeConsole,
			Fragment:    fragment,
			BuildNumber: run.job.BuildNumber(),
			Time:        time.Now(),
		})
		if err != nil {
			m.log.WarnContext(ctx, "failed to publish console event", "error", err)
		}
		return nil
	})
}

func (m *Manager) execute(ctx context.Context, run *Run) {
	defer m.wg.Done()
	defer run.cancel()

	var build *engine.Build
	var err error
	if len(run.Params) > 0 {
		build, err = run.job.RunWithParameters(ctx, run.Job, run.Params)
	} else {
		build, err = run.job.Run(ctx, run.Job)
	}

	run.mu.Lock()
	run.build = build
	run.err = err
	run.finishedAt = time.Now()
	run.mu.Unlock()
	close(run.done)

	if err != nil {
		m.log.WarnContext(ctx, "run failed", "error", err)
	} else {
		m.log.InfoContext(ctx, "run finished", "build_number", build.Number, "result", build.Result)
	}
	m.record(ctx, run)
}

func (m *Manager) record(ctx context.Context, run *Run) {
	if m.opts.Recorder == nil {
		return
	}

	snap := run.Snapshot()
	rec := models.RunRecord{
		RunID:       snap.ID,
		JobName:     snap.Job,
		Status:      snap.Status.String(),
		BuildNumber: snap.BuildNumber,
		Error:       snap.Error,
		StartedAt:   snap.StartedAt,
		FinishedAt:  *snap.FinishedAt,
	}
	if snap.Build != nil {
		rec.BuildResult = snap.Build.Result
	}
	if len(run.Params) > 0 {
		if data, err := json.Marshal(run.Params); err == nil {
			rec.Params = string(data)
		}
	}

	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := m.opts.Recorder.RecordRun(ctx, rec); err != nil {
		m.log.WarnContext(ctx, "failed to record run", "error", err)
	}
}

// evict drops the oldest finished runs beyond MaxRuns. Caller holds m.mu.
func (m *Manager) evict() {
	if m.opts.MaxRuns <= 0 {
		return
	}
	for i := 0; len(m.runs) > m.opts.MaxRuns && i < len(m.order); {
		id := m.order[i]
		if !m.runs[id].finished() {
			i++
			continue
		}
		delete(m.runs, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
	}
}

func (m *Manager) lookup(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// Get returns the current snapshot of run id
func (m *Manager) Get(id string) (Snapshot, error) {
	run, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return run.Snapshot(), nil
}

// Wait blocks until run id ended or ctx is done
func (m *Manager) Wait(ctx context.Context, id string) (Snapshot, error) {
	run, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-run.done:
		return run.Snapshot(), nil
	case <-ctx.Done():
		return run.Snapshot(), ctx.Err()
	}
}

// List returns snapshots of all known runs, newest first
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		runs = append(runs, m.runs[m.order[i]])
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		snaps = append(snaps, run.Snapshot())
	}
	return snaps
}

// Console returns the console output of run id starting at byte offset
func (m *Manager) Console(id string, offset int64) (ConsoleChunk, error) {
	run, err := m.lookup(id)
	if err != nil {
		return ConsoleChunk{}, err
	}

	text, complete := run.job.Console()
	size := int64(len(text))
	offset = max(0, min(offset, size))
	return ConsoleChunk{
		Text:       text[offset:],
		NextOffset: size,
		Complete:   complete,
	}, nil
}

// Cancel stops run id. Cancelling a finished run does nothing.
func (m *Manager) Cancel(id string) error {
	run, err := m.lookup(id)
	if err != nil {
		return err
	}
	run.cancel()
	return nil
}

// Close cancels every run and waits for their goroutines to return
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
