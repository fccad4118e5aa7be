package journal

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/enginehost/internal/dispatch"
	"github.com/mattjoyce/enginehost/internal/storage"
)

func newJournal(t *testing.T) (*Journal, *sql.DB) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "calls.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), db
}

func record(id, op string, started time.Time) dispatch.CallRecord {
	return dispatch.CallRecord{
		ID:            id,
		Operation:     op,
		Generation:    3,
		Status:        dispatch.StatusSucceeded,
		ProgressCount: 2,
		PayloadBytes:  11,
		ResultBytes:   7,
		StartedAt:     started,
		FinishedAt:    started.Add(150 * time.Millisecond),
	}
}

func TestRecordAndGet(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)

	rec := record("c1", "analyze", started)
	rec.Status = dispatch.StatusFailed
	rec.Error = "no such dataset"
	rec.Abandoned = true
	require.NoError(t, j.RecordCall(ctx, rec))

	got, err := j.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "analyze", got.Operation)
	assert.Equal(t, uint64(3), got.Generation)
	assert.Equal(t, dispatch.StatusFailed, got.Status)
	assert.Equal(t, "no such dataset", got.Error)
	assert.True(t, got.Abandoned)
	assert.Equal(t, 2, got.ProgressCount)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 150*time.Millisecond, got.Duration())

	_, err = j.Get(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRecordCall_Validates(t *testing.T) {
	j, _ := newJournal(t)
	assert.Error(t, j.RecordCall(context.Background(), dispatch.CallRecord{Operation: "x"}))
	assert.Error(t, j.RecordCall(context.Background(), dispatch.CallRecord{ID: "x"}))
}

func TestRecordCall_TruncatesError(t *testing.T) {
	j, _ := newJournal(t)
	rec := record("c1", "analyze", time.Now())
	rec.Error = strings.Repeat("e", maxErrorBytes+100)
	require.NoError(t, j.RecordCall(context.Background(), rec))

	got, err := j.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, got.Error, maxErrorBytes)
}

func TestList_NewestFirst(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// Sub-second differences must still order correctly.
	require.NoError(t, j.RecordCall(ctx, record("a", "echo", base.Add(100*time.Millisecond))))
	require.NoError(t, j.RecordCall(ctx, record("b", "echo", base.Add(120*time.Millisecond))))
	require.NoError(t, j.RecordCall(ctx, record("c", "echo", base.Add(1*time.Second))))

	got, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{got[0].ID, got[1].ID, got[2].ID})

	got, err = j.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPrune(t *testing.T) {
	j, _ := newJournal(t)
	ctx := context.Background()

	require.NoError(t, j.RecordCall(ctx, record("old", "echo", time.Now().Add(-48*time.Hour))))
	require.NoError(t, j.RecordCall(ctx, record("new", "echo", time.Now())))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)

	n, err = j.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunPruner_StopsWithContext(t *testing.T) {
	j, _ := newJournal(t)
	require.NoError(t, j.RecordCall(context.Background(), record("old", "echo", time.Now().Add(-48*time.Hour))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.RunPruner(ctx, time.Hour, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		got, err := j.List(context.Background(), 10)
		return err == nil && len(got) == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
