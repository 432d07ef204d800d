package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"buildrunner/internal/storage/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCloseNil(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Ping(t.Context()), ErrClosed)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(t.Context()))
}

func TestAuditLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	base := time.Date(2026, 2, 3, 4, 5, 6, 789000000, time.UTC)
	for i := range 3 {
		require.NoError(t, s.InsertAuditLog(ctx, models.AuditLog{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			APIKey:    "key",
			Method:    "POST",
			Path:      "/api/v1/runs",
			Status:    202,
			JobName:   "deploy",
			Params:    `{"BRANCH":"main"}`,
			RunID:     "run-" + string(rune('a'+i)),
		}))
	}

	logs, err := s.GetAuditLogs(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "run-c", logs[0].RunID)
	require.Equal(t, "run-b", logs[1].RunID)
	require.True(t, logs[0].Timestamp.Equal(base.Add(2*time.Second)))
	require.Equal(t, `{"BRANCH":"main"}`, logs[0].Params)

	logs, err = s.GetAuditLogs(ctx, 10, 2)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "run-a", logs[0].RunID)
	require.Empty(t, logs[0].Error)
}

func TestGetAuditLogsEmpty(t *testing.T) {
	s := openTestStore(t)
	logs, err := s.GetAuditLogs(t.Context(), 10, 0)
	require.NoError(t, err)
	require.NotNil(t, logs)
	require.Empty(t, logs)
}

func TestRecordRun(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	started := time.Date(2026, 2, 3, 4, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordRun(ctx, models.RunRecord{
		RunID:      "r1",
		JobName:    "deploy",
		Status:     "queued",
		Error:      "queue timeout",
		StartedAt:  started,
		FinishedAt: started.Add(time.Minute),
	}))
	require.NoError(t, s.RecordRun(ctx, models.RunRecord{
		RunID:       "r2",
		JobName:     "team/build",
		Params:      `{"A":"1"}`,
		Status:      "complete",
		BuildNumber: 12,
		BuildResult: "SUCCESS",
		StartedAt:   started,
		FinishedAt:  started.Add(2 * time.Minute),
	}))

	runs, err := s.GetRuns(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r2", runs[0].RunID)
	require.Equal(t, 12, runs[0].BuildNumber)
	require.Equal(t, "SUCCESS", runs[0].BuildResult)
	require.True(t, runs[0].FinishedAt.Equal(started.Add(2*time.Minute)))
	require.Equal(t, "queue timeout", runs[1].Error)
	require.Zero(t, runs[1].BuildNumber)

	// a second record for the same run replaces the outcome
	require.NoError(t, s.RecordRun(ctx, models.RunRecord{
		RunID:       "r1",
		JobName:     "deploy",
		Status:      "complete",
		BuildNumber: 3,
		BuildResult: "FAILURE",
		StartedAt:   started,
		FinishedAt:  started.Add(3 * time.Minute),
	}))
	runs, err = s.GetRuns(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "r1", runs[0].RunID)
	require.Equal(t, "FAILURE", runs[0].BuildResult)
	require.Empty(t, runs[0].Error)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.True(t, parseTimestamp("2026-01-02 03:04:05").Equal(want))
	require.True(t, parseTimestamp("2026-01-02 03:04:05.000000").Equal(want))
	require.True(t, parseTimestamp("2026-01-02T03:04:05Z").Equal(want))
	require.True(t, parseTimestamp("garbage").IsZero())
}
