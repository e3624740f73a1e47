package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/pkg/clock"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

func init() {
	_ = logger.Init("error", "json")
}

var t0 = time.Date(2026, 5, 10, 7, 30, 0, 0, time.UTC)

type env struct {
	registry *operation.Registry
	ledger   *ledger.Ledger
	clock    *clock.Manual
	agg      *Aggregator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := store.NewMemory()
	clk := clock.NewManual(t0)
	r := operation.NewRegistry(s, clk, nil)
	l := ledger.New(s, clk, 0)
	return &env{registry: r, ledger: l, clock: clk, agg: New(r, l)}
}

// run creates an operation and drives it to status with the given counts,
// taking took of wall time.
func (e *env) run(t *testing.T, farm string, typ domain.OperationType, total, success, failure int, status domain.OperationStatus, took time.Duration) *domain.BulkOperation {
	t.Helper()
	ctx := context.Background()
	op, err := e.registry.Create(ctx, operation.CreateInput{FarmID: farm, OperationType: typ, TotalItems: total, CreatedBy: "u-1"})
	require.NoError(t, err)
	if status == domain.OperationStatusPending {
		return op
	}
	_, err = e.registry.Begin(ctx, op.ID)
	require.NoError(t, err)
	if success+failure > 0 {
		_, err = e.registry.RecordProgress(ctx, op.ID, domain.ProgressDelta{Processed: success + failure, Success: success, Failure: failure})
		require.NoError(t, err)
	}
	e.clock.Advance(took)
	if status == domain.OperationStatusInProgress {
		return op
	}
	op, err = e.registry.Finish(ctx, op.ID, status, "")
	require.NoError(t, err)
	return op
}

func TestGetStats_Aggregates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	a := e.run(t, "farm-1", domain.OperationTypeBatchEdit, 10, 8, 2, domain.OperationStatusCompleted, 2*time.Second)
	e.run(t, "farm-1", domain.OperationTypeImport, 4, 4, 0, domain.OperationStatusCompleted, 4*time.Second)
	e.run(t, "farm-1", domain.OperationTypeImport, 5, 1, 0, domain.OperationStatusInProgress, time.Second)
	e.run(t, "farm-1", domain.OperationTypeExport, 3, 0, 0, domain.OperationStatusPending, 0)
	e.run(t, "farm-2", domain.OperationTypeBatchEdit, 50, 50, 0, domain.OperationStatusCompleted, time.Minute)

	_, err := e.ledger.RecordFailure(ctx, a, "a-1", domain.ItemErrNotFound, "gone", nil)
	require.NoError(t, err)
	_, err = e.ledger.RecordFailure(ctx, a, "a-2", domain.ItemErrConflict, "locked", nil)
	require.NoError(t, err)
	_, err = e.ledger.RecordRetry(ctx, &domain.RetryLogEntry{OperationID: a.ID, ItemID: "a-2", Outcome: domain.RetryOutcomeFailure})
	require.NoError(t, err)
	_, err = e.ledger.RecordRetry(ctx, &domain.RetryLogEntry{OperationID: a.ID, ItemID: "a-2", Outcome: domain.RetryOutcomeSuccess})
	require.NoError(t, err)

	s, err := e.agg.GetStats(ctx, Query{FarmID: "farm-1"})
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalOperations)
	assert.Equal(t, 2, s.ByStatus[domain.OperationStatusCompleted])
	assert.Equal(t, 1, s.ByStatus[domain.OperationStatusInProgress])
	assert.Equal(t, 1, s.ByStatus[domain.OperationStatusPending])
	assert.Equal(t, 0, s.ByStatus[domain.OperationStatusFailed])
	assert.Equal(t, 2, s.ByType[domain.OperationTypeImport])
	assert.Equal(t, 0, s.ByType[domain.OperationTypeBulkRegister])
	assert.Equal(t, 22, s.TotalItems)
	assert.Equal(t, 15, s.ProcessedItems)
	assert.Equal(t, 13, s.SuccessfulItems)
	assert.Equal(t, 2, s.FailedItems)
	assert.InDelta(t, 3000, s.AverageDurationMS, 0.001, "only terminal operations count")
	assert.InDelta(t, 13.0/15.0, s.SuccessRate, 1e-9)
	assert.Equal(t, store.LedgerTotals{FailureRows: 2, RetryAttempts: 2, RetrySuccesses: 1, ResolvedFailures: 1}, s.Ledger)
}

func TestGetStats_Filters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)

	e.run(t, "farm-1", domain.OperationTypeImport, 2, 2, 0, domain.OperationStatusCompleted, time.Second)
	e.clock.Advance(48 * time.Hour)
	e.run(t, "farm-1", domain.OperationTypeBatchEdit, 2, 1, 1, domain.OperationStatusCompleted, time.Second)
	e.run(t, "farm-1", domain.OperationTypeBatchEdit, 2, 0, 0, domain.OperationStatusCancelled, time.Second)

	s, err := e.agg.GetStats(ctx, Query{FarmID: "farm-1", From: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalOperations)
	require.NotNil(t, s.From)

	s, err = e.agg.GetStats(ctx, Query{FarmID: "farm-1", OperationType: domain.OperationTypeBatchEdit, Status: domain.OperationStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalOperations)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
}

func TestGetStats_NoMatchesIsZeroed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	s, err := e.agg.GetStats(context.Background(), Query{FarmID: "farm-empty"})
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalOperations)
	assert.Zero(t, s.AverageDurationMS)
	assert.Zero(t, s.SuccessRate)
	assert.Len(t, s.ByStatus, 5)
	assert.Len(t, s.ByType, 4)
	assert.Equal(t, store.LedgerTotals{}, s.Ledger)
}

func TestGetStats_Validation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	tests := []struct {
		name string
		q    Query
	}{
		{"missing farm", Query{}},
		{"inverted range", Query{FarmID: "f", From: t0, To: t0.Add(-time.Hour)}},
		{"bad type", Query{FarmID: "f", OperationType: "shred"}},
		{"bad status", Query{FarmID: "f", Status: "paused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.agg.GetStats(context.Background(), tt.q)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}
}
