package service_test

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"buildrunner/internal/engine"
	"buildrunner/internal/events"
	"buildrunner/internal/logger"
	"buildrunner/internal/runner"
	"buildrunner/internal/service"
	"buildrunner/internal/storage/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubService queues immediately and keeps builds running until release is closed
type stubService struct {
	mu        sync.Mutex
	release   chan struct{}
	submitErr error
	params    map[string]string
	console   []string
	reads     int
}

func newStubService(console ...string) *stubService {
	return &stubService{release: make(chan struct{}), console: console}
}

func (s *stubService) finish() { close(s.release) }

func (s *stubService) SubmitBuild(context.Context, string) (*engine.BuildSubmission, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &engine.BuildSubmission{Location: "http://jenkins/queue/item/11/"}, nil
}

func (s *stubService) SubmitBuildWithParameters(ctx context.Context, job string, params map[string]string) (*engine.BuildSubmission, error) {
	s.mu.Lock()
	s.params = params
	s.mu.Unlock()
	return s.SubmitBuild(ctx, job)
}

func (s *stubService) GetQueueItem(_ context.Context, id int64) (*engine.QueueItem, error) {
	return &engine.QueueItem{ID: id, Executable: &engine.QueueExecutable{Number: 5}}, nil
}

func (s *stubService) GetBuild(_ context.Context, _ string, number int) (*engine.Build, error) {
	select {
	case <-s.release:
		return &engine.Build{Number: number, Result: "SUCCESS"}, nil
	default:
		return &engine.Build{Number: number, Building: true}, nil
	}
}

func (s *stubService) ReadConsoleFragment(_ context.Context, _ string, _ int, offset int64) (*engine.ConsoleFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads >= len(s.console) {
		return &engine.ConsoleFragment{NextOffset: offset}, nil
	}
	text := s.console[s.reads]
	s.reads++
	return &engine.ConsoleFragment{
		Text:       text,
		NextOffset: offset + int64(len(text)),
		HasMore:    s.reads < len(s.console),
	}, nil
}

type recorder struct {
	mu   sync.Mutex
	runs []models.RunRecord
}

func (r *recorder) RecordRun(_ context.Context, run models.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recorder) get() []models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.RunRecord(nil), r.runs...)
}

func newManager(t *testing.T, svc engine.JobService, opts service.Options) *service.Manager {
	t.Helper()
	opts.Runner = runner.Config{PollInterval: time.Millisecond, QueueTimeout: time.Minute, BuildTimeout: time.Minute, MonitorConsole: opts.Runner.MonitorConsole}
	m := service.NewManager(svc, opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitDone(t *testing.T, m *service.Manager, id string) service.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	snap, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func TestStartAndWait(t *testing.T) {
	svc := newStubService("hello ", "world")
	pub := events.NewMemoryPublisher()
	defer pub.Close()
	sub := pub.Subscribe(64)
	rec := &recorder{}

	m := newManager(t, svc, service.Options{Publisher: pub, Recorder: rec})
	monitor := true
	run, err := m.Start(t.Context(), service.Request{
		Job:            "deploy",
		Parameters:     map[string]string{"ENV": "staging"},
		MonitorConsole: &monitor,
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	svc.finish()
	snap := waitDone(t, m, run.ID)
	require.True(t, snap.Done)
	require.Empty(t, snap.Error)
	require.Equal(t, runner.StatusComplete, snap.Status)
	require.Equal(t, 5, snap.BuildNumber)
	require.Equal(t, "SUCCESS", snap.Build.Result)
	require.Equal(t, "hello world", snap.Console)
	require.True(t, snap.ConsoleComplete)
	require.NotNil(t, snap.FinishedAt)

	svc.mu.Lock()
	require.Equal(t, map[string]string{"ENV": "staging"}, svc.params)
	svc.mu.Unlock()

	var statuses []string
	var console string
	for len(statuses) < 4 {
		select {
		case ev := <-sub:
			require.Equal(t, run.ID, ev.RunID)
			switch ev.Type {
			case events.TypeStatus:
				statuses = append(statuses, ev.Status)
			case events.TypeConsole:
				console += ev.Fragment
			}
		case <-time.After(time.Second):
			t.Fatal("missing events")
		}
	}
	require.Equal(t, []string{"pending", "queued", "building", "complete"}, statuses)
	require.Equal(t, "hello world", console)

	require.NoError(t, m.Close())
	records := rec.get()
	require.Len(t, records, 1)
	require.Equal(t, run.ID, records[0].RunID)
	require.Equal(t, "complete", records[0].Status)
	require.Equal(t, "SUCCESS", records[0].BuildResult)
	require.Equal(t, 5, records[0].BuildNumber)
	require.JSONEq(t, `{"ENV":"staging"}`, records[0].Params)
}

func TestRunLogsCarryJobOnce(t *testing.T) {
	var buf bytes.Buffer
	logger.InitWriter(&buf, "debug")
	t.Cleanup(func() { logger.Init("info") })

	svc := newStubService()
	svc.finish()
	m := newManager(t, svc, service.Options{})
	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)
	waitDone(t, m, run.ID)
	require.NoError(t, m.Close())

	var statusLines int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if !strings.Contains(line, run.ID) {
			continue
		}
		require.LessOrEqual(t, strings.Count(line, `"job":`), 1, line)
		if strings.Contains(line, "job status changed") {
			statusLines++
			require.Equal(t, 1, strings.Count(line, `"job":`), line)
		}
	}
	require.Equal(t, 4, statusLines)
}

// failingPublisher rejects every event
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.Event) error { return errors.New("broker down") }
func (failingPublisher) Close() error                                { return nil }

func TestPublishFailureDoesNotAbortRun(t *testing.T) {
	svc := newStubService("abc", "def")
	svc.finish()
	m := newManager(t, svc, service.Options{
		Runner:    runner.Config{MonitorConsole: true},
		Publisher: failingPublisher{},
	})

	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)
	snap := waitDone(t, m, run.ID)
	require.Empty(t, snap.Error)
	require.Equal(t, "SUCCESS", snap.Build.Result)
	require.Equal(t, "abcdef", snap.Console)
}

func TestConsoleHandlerFailureAbortsRun(t *testing.T) {
	svc := newStubService("abc", "def")
	m := newManager(t, svc, service.Options{Runner: runner.Config{MonitorConsole: true}})

	run, err := m.Start(t.Context(), service.Request{
		Job:     "deploy",
		Console: func(context.Context, string) error { return errors.New("stdout closed") },
	})
	require.NoError(t, err)
	snap := waitDone(t, m, run.ID)
	require.ErrorIs(t, run.Err(), runner.ErrConsoleHandler)
	require.Contains(t, snap.Error, "stdout closed")
	require.Nil(t, snap.Build)
}

func TestStartInvalidJob(t *testing.T) {
	m := newManager(t, newStubService(), service.Options{})
	_, err := m.Start(t.Context(), service.Request{Job: "  "})
	require.ErrorIs(t, err, service.ErrInvalidJob)
	require.Empty(t, m.List())
}

func TestRunFailure(t *testing.T) {
	svc := newStubService()
	svc.submitErr = errors.New("jenkins down")
	rec := &recorder{}
	m := newManager(t, svc, service.Options{Recorder: rec})

	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)

	snap := waitDone(t, m, run.ID)
	require.Contains(t, snap.Error, "jenkins down")
	require.Equal(t, runner.StatusPending, snap.Status)
	require.Nil(t, snap.Build)

	require.NoError(t, m.Close())
	require.Len(t, rec.get(), 1)
	require.Equal(t, "pending", rec.get()[0].Status)
	require.Contains(t, rec.get()[0].Error, "jenkins down")
}

func TestCancel(t *testing.T) {
	m := newManager(t, newStubService(), service.Options{})

	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(run.ID))

	snap := waitDone(t, m, run.ID)
	require.Contains(t, snap.Error, context.Canceled.Error())
	require.ErrorIs(t, run.Err(), context.Canceled)

	// cancelling again is harmless
	require.NoError(t, m.Cancel(run.ID))
	require.ErrorIs(t, m.Cancel("missing"), service.ErrRunNotFound)
}

func TestGetUnknown(t *testing.T) {
	m := newManager(t, newStubService(), service.Options{})
	_, err := m.Get("missing")
	require.ErrorIs(t, err, service.ErrRunNotFound)
	_, err = m.Wait(t.Context(), "missing")
	require.ErrorIs(t, err, service.ErrRunNotFound)
	_, err = m.Console("missing", 0)
	require.ErrorIs(t, err, service.ErrRunNotFound)
}

func TestWaitContextDone(t *testing.T) {
	m := newManager(t, newStubService(), service.Options{})
	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	snap, err := m.Wait(ctx, run.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, snap.Done)
	require.Equal(t, run.ID, snap.ID)
}

func TestListAndEviction(t *testing.T) {
	svc := newStubService()
	svc.finish()
	m := newManager(t, svc, service.Options{MaxRuns: 2})

	var ids []string
	for _, job := range []string{"a", "b", "c"} {
		run, err := m.Start(t.Context(), service.Request{Job: job})
		require.NoError(t, err)
		waitDone(t, m, run.ID)
		ids = append(ids, run.ID)
	}

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, ids[2], list[0].ID)
	require.Equal(t, ids[1], list[1].ID)

	_, err := m.Get(ids[0])
	require.ErrorIs(t, err, service.ErrRunNotFound)
}

func TestEvictionKeepsActiveRuns(t *testing.T) {
	m := newManager(t, newStubService(), service.Options{MaxRuns: 1})

	first, err := m.Start(t.Context(), service.Request{Job: "a"})
	require.NoError(t, err)
	second, err := m.Start(t.Context(), service.Request{Job: "b"})
	require.NoError(t, err)

	_, err = m.Get(first.ID)
	require.NoError(t, err)
	_, err = m.Get(second.ID)
	require.NoError(t, err)
}

func TestConsoleOffset(t *testing.T) {
	svc := newStubService("abc", "def")
	svc.finish()
	m := newManager(t, svc, service.Options{Runner: runner.Config{MonitorConsole: true}})

	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)
	waitDone(t, m, run.ID)

	chunk, err := m.Console(run.ID, 0)
	require.NoError(t, err)
	require.Equal(t, service.ConsoleChunk{Text: "abcdef", NextOffset: 6, Complete: true}, chunk)

	chunk, err = m.Console(run.ID, 4)
	require.NoError(t, err)
	require.Equal(t, "ef", chunk.Text)

	chunk, err = m.Console(run.ID, 100)
	require.NoError(t, err)
	require.Empty(t, chunk.Text)
	require.Equal(t, int64(6), chunk.NextOffset)

	chunk, err = m.Console(run.ID, -3)
	require.NoError(t, err)
	require.Equal(t, "abcdef", chunk.Text)
}

func TestConsoleCompleteIncludesTail(t *testing.T) {
	for range 50 {
		svc := newStubService(append(slices.Repeat([]string{"x"}, 49), "TAIL")...)
		svc.finish()
		m := newManager(t, svc, service.Options{Runner: runner.Config{MonitorConsole: true}})

		run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
		require.NoError(t, err)

		deadline := time.Now().Add(5 * time.Second)
		for {
			chunk, err := m.Console(run.ID, 0)
			require.NoError(t, err)
			if chunk.Complete {
				require.True(t, strings.HasSuffix(chunk.Text, "TAIL"), "complete console without its last fragment: %q", chunk.Text)
				require.Equal(t, int64(len(chunk.Text)), chunk.NextOffset)
				break
			}
			require.True(t, time.Now().Before(deadline), "console never completed")
			runtime.Gosched()
		}

		snap := waitDone(t, m, run.ID)
		require.True(t, snap.ConsoleComplete)
		require.True(t, strings.HasSuffix(snap.Console, "TAIL"))
	}
}

func TestCloseCancelsRuns(t *testing.T) {
	m := service.NewManager(newStubService(), service.Options{
		Runner: runner.Config{PollInterval: time.Millisecond},
	})

	run, err := m.Start(t.Context(), service.Request{Job: "deploy"})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	select {
	case <-run.Done():
	default:
		t.Fatal("run still active after Close")
	}
	require.ErrorIs(t, run.Err(), context.Canceled)

	_, err = m.Start(t.Context(), service.Request{Job: "deploy"})
	require.ErrorIs(t, err, service.ErrClosed)
}
