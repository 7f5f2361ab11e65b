package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/metorial/aegis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func outcome(id, target string, status models.OutcomeStatus, at time.Time) *models.Outcome {
	return &models.Outcome{
		ID:          id,
		SessionID:   "session-1",
		Action:      "docker_restart",
		Target:      target,
		Status:      status,
		RequestedAt: at,
		FinishedAt:  at.Add(time.Second),
	}
}

func TestOpen(t *testing.T) {
	db := setupTestDB(t)

	if db.conn == nil {
		t.Fatal("Database connection is nil")
	}
	require.NoError(t, db.Ping(context.Background()))
}

func TestOpenTwiceMigratesIdempotently(t *testing.T) {
	path := t.TempDir() + "/test.db"

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.RecordOutcome(context.Background(), outcome("a", "container:web", models.OutcomeSucceeded, time.Now())))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	outcomes, err := db.RecentOutcomes(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
}

func TestRecordAndRecentOutcomes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := outcome(fmt.Sprintf("o-%d", i), "container:web", models.OutcomeSucceeded, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, db.RecordOutcome(ctx, o))
	}
	failed := outcome("o-failed", "pid:4242", models.OutcomeFailed, base.Add(10*time.Minute))
	failed.Action = "kill_process"
	failed.Error = "process not found: pid 4242"
	require.NoError(t, db.RecordOutcome(ctx, failed))

	outcomes, err := db.RecentOutcomes(ctx, 3)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	assert.Equal(t, "o-failed", outcomes[0].ID)
	assert.Equal(t, models.OutcomeFailed, outcomes[0].Status)
	assert.Equal(t, "process not found: pid 4242", outcomes[0].Error)
	assert.True(t, outcomes[0].RequestedAt.Equal(base.Add(10*time.Minute)))
	assert.Equal(t, "o-4", outcomes[1].ID)
	assert.Equal(t, "o-3", outcomes[2].ID)
}

func TestRecordDuplicateID(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	o := outcome("dup", "pid:1", models.OutcomeRejected, time.Now())
	require.NoError(t, db.RecordOutcome(ctx, o))
	assert.Error(t, db.RecordOutcome(ctx, o))
}

func TestOutcomesForTarget(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.RecordOutcome(ctx, outcome("a", "container:web", models.OutcomeSucceeded, now)))
	require.NoError(t, db.RecordOutcome(ctx, outcome("b", "container:db", models.OutcomeSucceeded, now)))
	require.NoError(t, db.RecordOutcome(ctx, outcome("c", "container:web", models.OutcomeFailed, now.Add(time.Second))))

	outcomes, err := db.OutcomesForTarget(ctx, "container:web", 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "c", outcomes[0].ID)
	assert.Equal(t, "a", outcomes[1].ID)
}

func TestCountOutcomes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.RecordOutcome(ctx, outcome("a", "pid:1", models.OutcomeSucceeded, now)))
	require.NoError(t, db.RecordOutcome(ctx, outcome("b", "pid:2", models.OutcomeFailed, now)))
	require.NoError(t, db.RecordOutcome(ctx, outcome("c", "pid:3", models.OutcomeRejected, now)))
	require.NoError(t, db.RecordOutcome(ctx, outcome("d", "pid:4", models.OutcomeRejected, now)))

	counts, err := db.CountOutcomes(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCounts{Total: 4, Succeeded: 1, Failed: 1, Rejected: 2}, counts)
}

func TestCleanupOutcomes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.RecordOutcome(ctx, outcome("old", "pid:1", models.OutcomeSucceeded, now.Add(-30*24*time.Hour))))
	require.NoError(t, db.RecordOutcome(ctx, outcome("new", "pid:2", models.OutcomeSucceeded, now.Add(-time.Hour))))

	removed, err := db.CleanupOutcomes(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	outcomes, err := db.RecentOutcomes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "new", outcomes[0].ID)
}

func TestRecentOutcomesEmpty(t *testing.T) {
	db := setupTestDB(t)

	outcomes, err := db.RecentOutcomes(context.Background(), 50)
	require.NoError(t, err)
	assert.NotNil(t, outcomes)
	assert.Empty(t, outcomes)
}
