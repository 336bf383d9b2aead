package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-runner/tracker/internal/monitoring"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Connect(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.EnsureSchema(context.Background()))
}

func TestRecordPositions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	train := "t-1"
	loc := 1234.5
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	id1, err := db.RecordPosition(ctx, PositionRecord{RecordedAt: base, Mode: "local", StationIndex: 0})
	require.NoError(t, err)
	id2, err := db.RecordPosition(ctx, PositionRecord{
		RecordedAt:   base.Add(time.Second),
		Mode:         "remote",
		TrainID:      &train,
		StationIndex: 1,
		Running:      true,
		LocationM:    &loc,
	})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	recs, err := db.RecentPositions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, id2, recs[0].ID)
	assert.Equal(t, base.Add(time.Second), recs[0].RecordedAt)
	assert.Equal(t, "remote", recs[0].Mode)
	require.NotNil(t, recs[0].TrainID)
	assert.Equal(t, "t-1", *recs[0].TrainID)
	assert.True(t, recs[0].Running)
	require.NotNil(t, recs[0].LocationM)
	assert.Equal(t, 1234.5, *recs[0].LocationM)

	assert.Equal(t, id1, recs[1].ID)
	assert.Nil(t, recs[1].TrainID)
	assert.Nil(t, recs[1].LocationM)
	assert.False(t, recs[1].Running)

	limited, err := db.RecentPositions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordFailures(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	empty, err := db.RecentFailures(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = db.RecordFailure(ctx, FailureRecord{Mode: "remote", Message: "remote source stopped: socket gone"})
	require.NoError(t, err)

	recs, err := db.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "remote", recs[0].Mode)
	assert.Contains(t, recs[0].Message, "socket gone")
	assert.WithinDuration(t, time.Now(), recs[0].OccurredAt, time.Minute)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	_, err := db.RecordPosition(ctx, PositionRecord{RecordedAt: old, Mode: "local"})
	require.NoError(t, err)
	_, err = db.RecordFailure(ctx, FailureRecord{OccurredAt: old, Mode: "local", Message: "old"})
	require.NoError(t, err)
	_, err = db.RecordPosition(ctx, PositionRecord{Mode: "local", StationIndex: 2})
	require.NoError(t, err)

	deleted, err := db.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	recs, err := db.RecentPositions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].StationIndex)

	failures, err := db.RecentFailures(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestLogsGoThroughMonitoring(t *testing.T) {
	prev := monitoring.Logf
	t.Cleanup(func() { monitoring.Logf = prev })
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.RecordPosition(ctx, PositionRecord{RecordedAt: time.Now().Add(-48 * time.Hour), Mode: "local"})
	require.NoError(t, err)
	_, err = db.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)

	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "Connected to SQLite database")
	assert.Equal(t, "Cleanup: deleted 1 records older than 24h0m0s", lines[len(lines)-1])
}
