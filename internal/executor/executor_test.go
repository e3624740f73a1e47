package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmops.io/bulkops/internal/coordination"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/pkg/clock"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/pkg/worker"
	"farmops.io/bulkops/internal/store"
)

func init() {
	_ = logger.Init("error", "json")
}

var t0 = time.Date(2026, 5, 10, 7, 30, 0, 0, time.UTC)

type harness struct {
	registry *operation.Registry
	ledger   *ledger.Ledger
	entities *entity.Memory
	clock    *clock.Manual
	exec     *Executor
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	s := store.NewMemory()
	clk := clock.NewManual(t0)
	h := &harness{
		registry: operation.NewRegistry(s, clk, domain.NewEventDispatcher()),
		ledger:   ledger.New(s, clk, 0),
		entities: entity.NewMemory(),
		clock:    clk,
	}
	h.exec = New(h.registry, h.ledger, h.entities, cfg, opts...)
	return h
}

func soldChange() domain.ChangeSet {
	status := "sold"
	return domain.ChangeSet{EntityType: domain.EntityAnimal, Animal: &domain.AnimalEdit{Status: &status}}
}

func itemIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("a-%d", i+1)
	}
	return ids
}

// seed stores animals for ids, except those listed in missing.
func (h *harness) seed(ids []string, missing ...string) {
	skip := make(map[string]bool, len(missing))
	for _, id := range missing {
		skip[id] = true
	}
	for _, id := range ids {
		if !skip[id] {
			h.entities.Put("farm-1", domain.EntityAnimal, id, map[string]any{"status": "active"})
		}
	}
}

func (h *harness) create(t *testing.T, ids []string) *domain.BulkOperation {
	t.Helper()
	change := soldChange()
	op, err := h.registry.Create(context.Background(), operation.CreateInput{
		FarmID:        "farm-1",
		OperationType: domain.OperationTypeBatchEdit,
		TotalItems:    len(ids),
		CreatedBy:     "u-1",
		Details:       domain.OperationDetails{TargetItemIDs: ids, Changes: &change},
	})
	require.NoError(t, err)
	return op
}

func failureCodes(t *testing.T, h *harness, opID string) map[string]string {
	t.Helper()
	rows, err := h.ledger.Failures(context.Background(), opID)
	require.NoError(t, err)
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ItemID] = r.ErrorCode
	}
	return out
}

func TestExecute_AllItemsSucceed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(5)
	h.seed(ids)
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, got.Status)
	assert.Equal(t, 5, got.ProcessedItems)
	assert.Equal(t, 5, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)
	require.NoError(t, got.CheckInvariants())

	attrs, ok := h.entities.Get("farm-1", domain.EntityAnimal, "a-3")
	require.True(t, ok)
	assert.Equal(t, "sold", attrs["status"])
	assert.Empty(t, failureCodes(t, h, op.ID))
}

func TestExecute_ItemFailuresDoNotAbort(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(5)
	h.seed(ids, "a-2", "a-4")
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, got.Status)
	assert.Equal(t, 3, got.SuccessCount)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, map[string]string{"a-2": domain.ItemErrNotFound, "a-4": domain.ItemErrNotFound}, failureCodes(t, h, op.ID))

	f, err := h.ledger.Failure(context.Background(), op.ID, "a-2")
	require.NoError(t, err)
	require.NotNil(t, f.ItemData)
	assert.Equal(t, "sold", *f.ItemData.Animal.Status)
}

func TestExecute_SystemicFailureAbortsAsFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(5)
	h.seed(ids)
	h.entities.SetBeforeUpdate(func(_ context.Context, id string) error {
		if id == "a-3" {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "connection reset")
	assert.Equal(t, 5, got.ProcessedItems)
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 3, got.FailureCount)
	require.NoError(t, got.CheckInvariants())
	assert.Equal(t, 3, h.entities.Updates(), "items after the abort are not attempted")

	assert.Equal(t, map[string]string{
		"a-3": domain.ItemErrSystemicAbort,
		"a-4": domain.ItemErrNotAttempted,
		"a-5": domain.ItemErrNotAttempted,
	}, failureCodes(t, h, op.ID))
}

func TestExecute_CancelStopsBetweenItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(6)
	h.seed(ids)
	op := h.create(t, ids)

	h.entities.SetBeforeUpdate(func(ctx context.Context, id string) error {
		if id == "a-2" {
			_, err := h.registry.RequestCancel(ctx, op.ID, "u-2")
			return err
		}
		return nil
	})

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCancelled, got.Status)
	assert.Equal(t, 2, got.ProcessedItems, "the in-flight item completes")
	assert.Equal(t, 2, got.SuccessCount)
	require.NoError(t, got.CheckInvariants())
	assert.Empty(t, failureCodes(t, h, op.ID))
}

func TestExecute_CancelledBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(3)
	h.seed(ids)
	op := h.create(t, ids)
	_, err := h.registry.RequestCancel(context.Background(), op.ID, "u-2")
	require.NoError(t, err)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCancelled, got.Status)
	assert.Equal(t, 0, got.ProcessedItems)
	assert.Equal(t, 0, h.entities.Updates())
}

func TestExecute_DeadlineFailsRemainder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Deadline: 90 * time.Second})
	ids := itemIDs(4)
	h.seed(ids)
	h.entities.SetBeforeUpdate(func(context.Context, string) error {
		h.clock.Advance(time.Minute)
		return nil
	})
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "deadline")
	assert.Equal(t, 2, got.SuccessCount)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, map[string]string{"a-3": domain.ItemErrNotAttempted, "a-4": domain.ItemErrNotAttempted}, failureCodes(t, h, op.ID))
}

func TestExecute_Preconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("count mismatch", func(t *testing.T) {
		h := newHarness(t, Config{})
		ids := itemIDs(3)
		op := h.create(t, ids)
		_, err := h.exec.Execute(ctx, op.ID, ids[:2], soldChange())
		require.True(t, apperrors.IsValidation(err), "got %v", err)
	})

	t.Run("duplicates are collapsed", func(t *testing.T) {
		h := newHarness(t, Config{})
		ids := itemIDs(2)
		h.seed(ids)
		op := h.create(t, ids)
		got, err := h.exec.Execute(ctx, op.ID, []string{"a-1", " a-2", "a-1"}, soldChange())
		require.NoError(t, err)
		assert.Equal(t, domain.OperationStatusCompleted, got.Status)
	})

	t.Run("already finished", func(t *testing.T) {
		h := newHarness(t, Config{})
		ids := itemIDs(1)
		h.seed(ids)
		op := h.create(t, ids)
		_, err := h.exec.Execute(ctx, op.ID, ids, soldChange())
		require.NoError(t, err)
		_, err = h.exec.Execute(ctx, op.ID, ids, soldChange())
		require.True(t, apperrors.IsInvalidState(err), "got %v", err)
	})

	t.Run("claimed elsewhere", func(t *testing.T) {
		claimer := coordination.NewLocalClaimer()
		h := newHarness(t, Config{}, WithClaimer(claimer))
		ids := itemIDs(1)
		op := h.create(t, ids)
		held, err := claimer.Claim(ctx, op.ID)
		require.NoError(t, err)
		defer held.Release(ctx) //nolint:errcheck

		_, err = h.exec.Execute(ctx, op.ID, ids, soldChange())
		var appErr *apperrors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, apperrors.CodeOperationClaimed, appErr.Code)
	})

	t.Run("unknown operation", func(t *testing.T) {
		h := newHarness(t, Config{})
		_, err := h.exec.Execute(ctx, "nope", itemIDs(1), soldChange())
		require.True(t, apperrors.IsNotFound(err))
	})
}

func TestExecute_Parallel(t *testing.T) {
	t.Parallel()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 1, ItemsPoolSize: 4})
	require.NoError(t, err)
	defer pools.Shutdown()

	h := newHarness(t, Config{Parallelism: 4}, WithPools(pools))
	ids := itemIDs(40)
	h.seed(ids, "a-7", "a-19", "a-33")
	var inFlight, peak atomic.Int32
	h.entities.SetBeforeUpdate(func(context.Context, string) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, got.Status)
	assert.Equal(t, 37, got.SuccessCount)
	assert.Equal(t, 3, got.FailureCount)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Len(t, failureCodes(t, h, op.ID), 3)
}

func TestExecute_ParallelSystemicFailuresAllRecorded(t *testing.T) {
	t.Parallel()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 1, ItemsPoolSize: 4})
	require.NoError(t, err)
	defer pools.Shutdown()

	h := newHarness(t, Config{Parallelism: 4}, WithPools(pools))
	ids := itemIDs(40)
	h.seed(ids)
	// a-13 and a-14 fail together so both are in flight when the batch stops.
	var arrived sync.WaitGroup
	arrived.Add(2)
	h.entities.SetBeforeUpdate(func(_ context.Context, id string) error {
		if id != "a-13" && id != "a-14" {
			return nil
		}
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return errors.New("db down")
	})
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, got.Status)
	require.NoError(t, got.CheckInvariants())
	assert.Equal(t, 40, got.ProcessedItems)

	codes := failureCodes(t, h, op.ID)
	assert.Len(t, codes, got.FailureCount, "every counted failure has a ledger row")
	assert.Equal(t, domain.ItemErrSystemicAbort, codes["a-13"])
	assert.Equal(t, domain.ItemErrSystemicAbort, codes["a-14"])
}

// flakyLedgerStore fails the first failure write for one item.
type flakyLedgerStore struct {
	*store.Memory
	itemID string
	failed atomic.Bool
}

func (s *flakyLedgerStore) AppendFailure(ctx context.Context, f *domain.FailureDetail) (bool, error) {
	if f.ItemID == s.itemID && s.failed.CompareAndSwap(false, true) {
		return false, errors.New("ledger unavailable")
	}
	return s.Memory.AppendFailure(ctx, f)
}

func TestExecute_RecordFailureErrorLeavesLedgerRow(t *testing.T) {
	t.Parallel()
	s := &flakyLedgerStore{Memory: store.NewMemory(), itemID: "a-2"}
	clk := clock.NewManual(t0)
	h := &harness{
		registry: operation.NewRegistry(s, clk, domain.NewEventDispatcher()),
		ledger:   ledger.New(s, clk, 0),
		entities: entity.NewMemory(),
		clock:    clk,
	}
	h.exec = New(h.registry, h.ledger, h.entities, Config{})
	ids := itemIDs(3)
	h.seed(ids, "a-2")
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "ledger unavailable")
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 2, got.FailureCount)
	require.NoError(t, got.CheckInvariants())
	assert.Equal(t, map[string]string{
		"a-2": domain.ItemErrSystemicAbort,
		"a-3": domain.ItemErrNotAttempted,
	}, failureCodes(t, h, op.ID))
}

func TestExecute_RedisClaimReleased(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	claimer := coordination.NewRedisClaimer(client, time.Minute)

	h := newHarness(t, Config{}, WithClaimer(claimer))
	ids := itemIDs(2)
	h.seed(ids)
	op := h.create(t, ids)

	got, err := h.exec.Execute(context.Background(), op.ID, ids, soldChange())
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, got.Status)
	assert.False(t, mr.Exists(claimer.Key(op.ID)))
}

func TestExecuteOperation_UsesDetails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ids := itemIDs(3)
	h.seed(ids)
	op := h.create(t, ids)

	require.NoError(t, NewSyncDispatcher(h.exec).Dispatch(context.Background(), op))
	got, err := h.registry.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, got.Status)

	bare, err := h.registry.Create(context.Background(), operation.CreateInput{
		FarmID: "farm-1", OperationType: domain.OperationTypeExport, TotalItems: 1, CreatedBy: "u-1",
	})
	require.NoError(t, err)
	_, err = h.exec.ExecuteOperation(context.Background(), bare.ID)
	require.True(t, apperrors.IsValidation(err))
}

func TestBackgroundDispatcher(t *testing.T) {
	t.Parallel()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 2, ItemsPoolSize: 2})
	require.NoError(t, err)
	defer pools.Shutdown()

	h := newHarness(t, Config{})
	ids := itemIDs(3)
	h.seed(ids)
	op := h.create(t, ids)

	require.NoError(t, NewBackgroundDispatcher(h.exec, pools).Dispatch(context.Background(), op))
	require.Eventually(t, func() bool {
		got, err := h.registry.Get(context.Background(), op.ID)
		return err == nil && got.Status == domain.OperationStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRetryItem(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	ids := itemIDs(3)
	h.seed(ids, "a-2", "a-3")
	op := h.create(t, ids)

	_, err := h.exec.RetryItem(ctx, op.ID, "a-2", nil, "u-1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeOperationNotFinished, appErr.Code)

	finished, err := h.exec.Execute(ctx, op.ID, ids, soldChange())
	require.NoError(t, err)
	require.Equal(t, 2, finished.FailureCount)

	_, err = h.exec.RetryItem(ctx, op.ID, "a-1", nil, "u-1")
	require.True(t, apperrors.IsNotFound(err), "a-1 never failed")

	first, err := h.exec.RetryItem(ctx, op.ID, "a-2", nil, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryOutcomeFailure, first.Outcome)
	assert.Equal(t, domain.ItemErrNotFound, first.ErrorCode)
	assert.Equal(t, 1, first.AttemptNumber)

	h.entities.Put("farm-1", domain.EntityAnimal, "a-2", map[string]any{"status": "active"})
	second, err := h.exec.RetryItem(ctx, op.ID, "a-2", nil, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryOutcomeSuccess, second.Outcome)
	assert.Equal(t, 2, second.AttemptNumber)
	attrs, _ := h.entities.Get("farm-1", domain.EntityAnimal, "a-2")
	assert.Equal(t, "sold", attrs["status"])

	_, err = h.exec.RetryItem(ctx, op.ID, "a-2", nil, "u-1")
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeFailureResolved, appErr.Code)

	after, err := h.registry.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, finished.SuccessCount, after.SuccessCount, "retries leave counters alone")
	assert.Equal(t, finished.FailureCount, after.FailureCount)

	unresolved, err := h.ledger.Unresolved(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, "a-3", unresolved[0].ItemID)
}

func TestRetryItem_LimitAndOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	ids := itemIDs(1)
	op := h.create(t, ids)
	_, err := h.exec.Execute(ctx, op.ID, ids, soldChange())
	require.NoError(t, err)

	for i := 0; i < ledger.DefaultMaxAttempts; i++ {
		_, err := h.exec.RetryItem(ctx, op.ID, "a-1", nil, "u-1")
		require.NoError(t, err)
	}
	_, err = h.exec.RetryItem(ctx, op.ID, "a-1", nil, "u-1")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.CodeRetryLimitReached, appErr.Code)

	h2 := newHarness(t, Config{})
	h2.seed(ids, "a-1")
	op2 := h2.create(t, ids)
	_, err = h2.exec.Execute(ctx, op2.ID, ids, soldChange())
	require.NoError(t, err)
	h2.entities.Put("farm-1", domain.EntityAnimal, "a-1", map[string]any{"status": "active"})

	breed := "Angus"
	override := &domain.ChangeSet{EntityType: domain.EntityAnimal, Animal: &domain.AnimalEdit{Breed: &breed}}
	entry, err := h2.exec.RetryItem(ctx, op2.ID, "a-1", override, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RetryOutcomeSuccess, entry.Outcome)
	attrs, _ := h2.entities.Get("farm-1", domain.EntityAnimal, "a-1")
	assert.Equal(t, "Angus", attrs["breed"])
	assert.Equal(t, "active", attrs["status"])

	bad := &domain.ChangeSet{EntityType: domain.EntityAnimal}
	_, err = h2.exec.RetryItem(ctx, op2.ID, "a-1", bad, "u-1")
	require.Error(t, err)
}

func TestRetryFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Config{})
	ids := itemIDs(4)
	h.seed(ids, "a-1", "a-2", "a-3")
	op := h.create(t, ids)
	_, err := h.exec.Execute(ctx, op.ID, ids, soldChange())
	require.NoError(t, err)

	h.entities.Put("farm-1", domain.EntityAnimal, "a-1", map[string]any{"status": "active"})
	summary, err := h.exec.RetryFailed(ctx, op.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, summary.Attempts, 3)

	again, err := h.exec.RetryFailed(ctx, op.ID, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Attempted, "resolved items are not retried")
}
