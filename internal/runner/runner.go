// Package runner turns "start a job" into "the finished build": it submits a
// build, waits for it to leave the queue, waits for it to finish and
// optionally streams its console output while waiting.
//
// A JobRun executes at most one job. All polling happens on the goroutine
// calling Run or RunWithParameters; the accessors and subscriptions may be
// used from other goroutines while the run blocks.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"buildrunner/internal/engine"
	"buildrunner/internal/logger"
)

// Config holds the polling settings of a run. A timeout <= 0 waits forever.
type Config struct {
	PollInterval   time.Duration
	QueueTimeout   time.Duration
	BuildTimeout   time.Duration
	MonitorConsole bool
}

// DefaultConfig returns the settings used when no option overrides them
func DefaultConfig() Config {
	return Config{
		PollInterval: 500 * time.Millisecond,
		QueueTimeout: 60 * time.Second,
		BuildTimeout: 600 * time.Second,
	}
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a JobRun
type Option func(*JobRun)

// WithConfig replaces all polling settings at once
func WithConfig(cfg Config) Option {
	return func(r *JobRun) { r.cfg = cfg }
}

// WithPollInterval sets the wait between two polls
func WithPollInterval(d time.Duration) Option {
	return func(r *JobRun) { r.cfg.PollInterval = d }
}

// WithQueueTimeout bounds the wait for a queued build to start
func WithQueueTimeout(d time.Duration) Option {
	return func(r *JobRun) { r.cfg.QueueTimeout = d }
}

// WithBuildTimeout bounds the wait for a started build to finish
func WithBuildTimeout(d time.Duration) Option {
	return func(r *JobRun) { r.cfg.BuildTimeout = d }
}

// WithConsoleMonitoring enables reading the console output while waiting
func WithConsoleMonitoring(enabled bool) Option {
	return func(r *JobRun) { r.cfg.MonitorConsole = enabled }
}

// WithClock replaces the wall clock and the poll sleep
func WithClock(now func() time.Time, sleep SleepFunc) Option {
	return func(r *JobRun) {
		r.now = now
		r.sleep = sleep
	}
}

// WithLogger sets the logger used for progress and swallowed handler errors
func WithLogger(log *slog.Logger) Option {
	return func(r *JobRun) { r.log = log }
}

// JobRun is a single-use state machine driving one job from submission to result
type JobRun struct {
	svc   engine.JobService
	cfg   Config
	now   func() time.Time
	sleep SleepFunc
	log   *slog.Logger

	started atomic.Bool

	mx              sync.RWMutex
	status          Status
	buildNumber     int
	reader          *ConsoleReader
	statusHandlers  []StatusHandler
	consoleHandlers []ConsoleHandler
}

// New creates an idle JobRun talking to svc
func New(svc engine.JobService, opts ...Option) *JobRun {
	r := &JobRun{
		svc:   svc,
		cfg:   DefaultConfig(),
		now:   time.Now,
		sleep: sleepContext,
		log:   logger.Get(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnStatusChanged registers h for every status transition
func (r *JobRun) OnStatusChanged(h StatusHandler) {
	r.mx.Lock()
	r.statusHandlers = append(r.statusHandlers, h)
	r.mx.Unlock()
}

// OnConsoleOutput registers h for every new console fragment
func (r *JobRun) OnConsoleOutput(h ConsoleHandler) {
	r.mx.Lock()
	r.consoleHandlers = append(r.consoleHandlers, h)
	r.mx.Unlock()
}

// Config returns the polling settings
func (r *JobRun) Config() Config {
	return r.cfg
}

// Status returns the current status
func (r *JobRun) Status() Status {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.status
}

// BuildNumber returns the build number once the build left the queue, 0 before
func (r *JobRun) BuildNumber() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.buildNumber
}

// ConsoleOutput returns the console text read so far, empty before the build started
func (r *JobRun) ConsoleOutput() string {
	r.mx.RLock()
	reader := r.reader
	r.mx.RUnlock()
	if reader == nil {
		return ""
	}
	return reader.Text()
}

// Console returns the console text read so far and whether it is complete,
// read together so complete text is never paired with a missing tail
func (r *JobRun) Console() (text string, complete bool) {
	r.mx.RLock()
	reader := r.reader
	r.mx.RUnlock()
	if reader == nil {
		return "", false
	}
	return reader.Snapshot()
}

// ConsoleComplete reports whether the whole console output has been read
func (r *JobRun) ConsoleComplete() bool {
	r.mx.RLock()
	reader := r.reader
	r.mx.RUnlock()
	return reader != nil && reader.IsComplete()
}

// Run builds jobName and blocks until the build has a result
func (r *JobRun) Run(ctx context.Context, jobName string) (*engine.Build, error) {
	return r.start(ctx, jobName, func(ctx context.Context) (*engine.BuildSubmission, error) {
		return r.svc.SubmitBuild(ctx, jobName)
	})
}

// RunWithParameters builds jobName with params and blocks until the build has a result
func (r *JobRun) RunWithParameters(ctx context.Context, jobName string, params map[string]string) (*engine.Build, error) {
	return r.start(ctx, jobName, func(ctx context.Context) (*engine.BuildSubmission, error) {
		return r.svc.SubmitBuildWithParameters(ctx, jobName, params)
	})
}

func (r *JobRun) start(ctx context.Context, jobName string, submit func(context.Context) (*engine.BuildSubmission, error)) (*engine.Build, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	r.setStatus(ctx, jobName, StatusPending)
	queueStart := r.now()

	sub, err := submit(ctx)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", jobName, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: %s", ErrEmptyBuildResponse, jobName)
	}

	return r.process(ctx, jobName, sub, queueStart)
}

// queueWait lives for the duration of the queue poll loop
type queueWait struct {
	id      int64
	started time.Time
	timeout time.Duration
}

// buildWait lives for the duration of the build poll loop
type buildWait struct {
	number  int
	started time.Time
	timeout time.Duration
	reader  *ConsoleReader
}

func (r *JobRun) process(ctx context.Context, jobName string, sub *engine.BuildSubmission, queueStart time.Time) (*engine.Build, error) {
	queueID, ok := sub.QueueItemNumber()
	if !ok {
		return nil, fmt.Errorf("%w: %s location %q", ErrQueueItemNotFound, jobName, sub.Location)
	}

	r.setStatus(ctx, jobName, StatusQueued)
	number, err := r.waitQueue(ctx, jobName, queueWait{
		id:      queueID,
		started: queueStart,
		timeout: r.cfg.QueueTimeout,
	})
	if err != nil {
		return nil, err
	}

	reader := NewConsoleReader(r.svc, jobName, number)
	reader.OnTextChanged(r.forwardConsole)

	r.mx.Lock()
	r.buildNumber = number
	r.reader = reader
	r.mx.Unlock()

	r.setStatus(ctx, jobName, StatusBuilding)
	build, err := r.waitBuild(ctx, jobName, buildWait{
		number:  number,
		started: r.now(),
		timeout: r.cfg.BuildTimeout,
		reader:  reader,
	})
	if err != nil {
		return nil, err
	}

	// the result can show up before the last fragment was read
	for r.cfg.MonitorConsole && !reader.IsComplete() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("drain console %s#%d: %w", jobName, number, err)
		}
		if err := reader.Update(ctx); err != nil {
			return nil, err
		}
	}

	r.setStatus(ctx, jobName, StatusComplete)
	return build, nil
}

func (r *JobRun) waitQueue(ctx context.Context, jobName string, w queueWait) (int, error) {
	for {
		item, err := r.svc.GetQueueItem(ctx, w.id)
		if err != nil {
			return 0, fmt.Errorf("wait for %s to start: %w", jobName, err)
		}
		if number, ok := item.BuildNumber(); ok {
			return number, nil
		}
		if item != nil && item.Cancelled {
			return 0, fmt.Errorf("%w: %s queue item %d", ErrQueueItemCancelled, jobName, w.id)
		}

		if w.timeout > 0 && r.now().Sub(w.started) > w.timeout {
			return 0, fmt.Errorf("%w: %s queue item %d after %s", ErrQueueTimeout, jobName, w.id, w.timeout)
		}

		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return 0, fmt.Errorf("wait for %s to start: %w", jobName, err)
		}
	}
}

func (r *JobRun) waitBuild(ctx context.Context, jobName string, w buildWait) (*engine.Build, error) {
	for {
		build, err := r.svc.GetBuild(ctx, jobName, w.number)
		if err != nil {
			return nil, fmt.Errorf("wait for %s#%d to finish: %w", jobName, w.number, err)
		}
		if build.Finished() {
			return build, nil
		}

		if w.timeout > 0 && r.now().Sub(w.started) > w.timeout {
			return nil, fmt.Errorf("%w: %s#%d after %s", ErrBuildTimeout, jobName, w.number, w.timeout)
		}

		if r.cfg.MonitorConsole && !w.reader.IsComplete() {
			if err := w.reader.Update(ctx); err != nil {
				return nil, err
			}
		}

		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("wait for %s#%d to finish: %w", jobName, w.number, err)
		}
	}
}

func (r *JobRun) setStatus(ctx context.Context, jobName string, status Status) {
	r.mx.Lock()
	r.status = status
	handlers := append([]StatusHandler(nil), r.statusHandlers...)
	r.mx.Unlock()

	r.log.InfoContext(ctx, "job status changed", "job", jobName, "status", status.String())
	for _, h := range handlers {
		notify(ctx, r.log, "status", func() error { return h(ctx, status) })
	}
}

func (r *JobRun) forwardConsole(ctx context.Context, fragment string) error {
	r.mx.RLock()
	handlers := append([]ConsoleHandler(nil), r.consoleHandlers...)
	r.mx.RUnlock()

	for _, h := range handlers {
		if err := callConsole(ctx, h, fragment); err != nil {
			return err
		}
	}
	return nil
}
