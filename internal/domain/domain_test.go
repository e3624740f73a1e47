package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func strPtr(s string) *string { return &s }

func TestChangeSet_Validate(t *testing.T) {
	t.Parallel()

	weight := 412.5
	badWeight := -3.0
	tests := []struct {
		name      string
		cs        ChangeSet
		wantField string
	}{
		{
			name: "animal status",
			cs:   ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{Status: strPtr("sold")}},
		},
		{
			name: "animal several fields",
			cs: ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{
				HealthStatus: strPtr("recovering"), Breed: strPtr("Angus"), WeightKg: &weight,
			}},
		},
		{
			name: "health record",
			cs: ChangeSet{EntityType: EntityHealthRecord, HealthRecord: &HealthRecordEdit{
				Status: strPtr("completed"), FollowUpDate: strPtr("2026-05-01"),
			}},
		},
		{
			name:      "unknown entity type",
			cs:        ChangeSet{EntityType: "tractor"},
			wantField: "proposed_changes.entity_type",
		},
		{
			name:      "missing variant",
			cs:        ChangeSet{EntityType: EntityAnimal},
			wantField: "proposed_changes.animal",
		},
		{
			name: "mismatched variant",
			cs: ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{Status: strPtr("sold")},
				HealthRecord: &HealthRecordEdit{Status: strPtr("completed")}},
			wantField: "proposed_changes.health_record",
		},
		{
			name:      "empty edit",
			cs:        ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{}},
			wantField: "proposed_changes",
		},
		{
			name:      "bad status enum",
			cs:        ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{Status: strPtr("eaten")}},
			wantField: "proposed_changes.animal.status",
		},
		{
			name:      "negative weight",
			cs:        ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{WeightKg: &badWeight}},
			wantField: "proposed_changes.animal.weight_kg",
		},
		{
			name:      "bad follow-up date",
			cs:        ChangeSet{EntityType: EntityHealthRecord, HealthRecord: &HealthRecordEdit{FollowUpDate: strPtr("01/05/2026")}},
			wantField: "proposed_changes.health_record.follow_up_date",
		},
		{
			name:      "blank breed",
			cs:        ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{Breed: strPtr("  ")}},
			wantField: "proposed_changes.animal.breed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cs.Validate()
			if tt.wantField == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, apperrors.IsValidation(err))
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok)
			var fields []string
			for _, fe := range appErr.FieldErrors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.wantField)
		})
	}
}

func TestChangeSet_ColumnsStableOrder(t *testing.T) {
	t.Parallel()

	w := 300.0
	cs := ChangeSet{EntityType: EntityAnimal, Animal: &AnimalEdit{
		Notes: strPtr(""), WeightKg: &w, Status: strPtr("active"),
	}}
	cols := cs.Columns()
	require.Len(t, cols, 3)
	assert.Equal(t, "status", cols[0].Name)
	assert.Equal(t, "weight_kg", cols[1].Name)
	assert.Equal(t, "notes", cols[2].Name)
	assert.Equal(t, 300.0, cols[1].Value)
}

func TestNormalizeItemIDs(t *testing.T) {
	t.Parallel()

	got := NormalizeItemIDs([]string{" a-1", "a-2", "", "a-1", "a-3 ", "a-2"})
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, got)
	assert.Empty(t, NormalizeItemIDs(nil))
}

func TestProgressDelta_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ProgressDelta{Processed: 1, Success: 1}.Validate())
	assert.NoError(t, ProgressDelta{Processed: 3, Success: 1, Failure: 1}.Validate())
	assert.Error(t, ProgressDelta{Processed: -1}.Validate())
	assert.Error(t, ProgressDelta{Processed: 1, Success: 1, Failure: 1}.Validate())
	assert.True(t, ProgressDelta{}.IsZero())
}

func TestBulkOperation_Lifecycle(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	op := &BulkOperation{ID: "op-1", Status: OperationStatusInProgress, TotalItems: 3, StartedAt: &start}

	require.True(t, op.CanApply(ProgressDelta{Processed: 1, Success: 1}))
	op.Apply(ProgressDelta{Processed: 1, Success: 1})
	require.False(t, op.CanApply(ProgressDelta{Processed: 3, Success: 3}), "would exceed total")
	require.False(t, op.CanFinishAs(OperationStatusCompleted), "not fully processed")
	require.True(t, op.CanFinishAs(OperationStatusCancelled))
	require.False(t, op.CanFinishAs(OperationStatusPending))

	op.Apply(ProgressDelta{Processed: 2, Success: 1, Failure: 1})
	require.True(t, op.CanFinishAs(OperationStatusCompleted))

	op.MarkFinished(OperationStatusCompleted, "", start.Add(1500*time.Millisecond))
	require.NoError(t, op.CheckInvariants())
	require.NotNil(t, op.DurationMS)
	assert.Equal(t, int64(1500), *op.DurationMS)
	assert.False(t, op.CanFinishAs(OperationStatusFailed), "terminal states are sinks")
}

func TestBulkOperation_FailedSettlesRemainder(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	op := &BulkOperation{Status: OperationStatusInProgress, TotalItems: 10, StartedAt: &start}
	op.Apply(ProgressDelta{Processed: 4, Success: 3, Failure: 1})

	assert.Equal(t, ProgressDelta{Processed: 6, Failure: 6}, op.Remainder())
	op.MarkFinished(OperationStatusFailed, "entity store unreachable", start.Add(time.Second))

	assert.Equal(t, 10, op.ProcessedItems)
	assert.Equal(t, 3, op.SuccessCount)
	assert.Equal(t, 7, op.FailureCount)
	require.NoError(t, op.CheckInvariants())
}

func TestBulkOperation_CancelledKeepsPartialCounts(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	op := &BulkOperation{Status: OperationStatusInProgress, TotalItems: 10, StartedAt: &start}
	op.Apply(ProgressDelta{Processed: 4, Success: 4})
	op.MarkFinished(OperationStatusCancelled, "", start.Add(time.Second))

	assert.Equal(t, 4, op.ProcessedItems)
	require.NoError(t, op.CheckInvariants())
}

func TestBulkOperation_CheckInvariantsDetectsViolations(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name string
		op   BulkOperation
	}{
		{"processed over total", BulkOperation{Status: OperationStatusInProgress, TotalItems: 1, ProcessedItems: 2}},
		{"counts over processed", BulkOperation{Status: OperationStatusInProgress, TotalItems: 5, ProcessedItems: 1, SuccessCount: 1, FailureCount: 1}},
		{"completed short", BulkOperation{Status: OperationStatusCompleted, TotalItems: 5, ProcessedItems: 4, SuccessCount: 4, CompletedAt: &now}},
		{"terminal without completed_at", BulkOperation{Status: OperationStatusCancelled}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.op.CheckInvariants())
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	failures := []*FailureDetail{
		{OperationID: "op", ItemID: "a"},
		{OperationID: "op", ItemID: "b"},
	}
	retries := []*RetryLogEntry{
		{ItemID: "a", AttemptNumber: 1, Timestamp: t0, Outcome: RetryOutcomeFailure},
		{ItemID: "a", AttemptNumber: 2, Timestamp: t0.Add(time.Minute), Outcome: RetryOutcomeSuccess},
	}

	got := Resolve(failures, retries)
	require.Len(t, got, 2)
	assert.True(t, got[0].Resolved)
	assert.Equal(t, 2, got[0].Attempts)
	assert.Equal(t, t0.Add(time.Minute), *got[0].LastAttemptAt)
	assert.False(t, got[1].Resolved)
	assert.Nil(t, got[1].LastAttemptAt)
}

func TestItemError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("update animal: %w", NewItemError(ItemErrNotFound, "animal a-9 not found"))
	ie, ok := AsItemError(err)
	require.True(t, ok)
	assert.Equal(t, ItemErrNotFound, ie.Code)

	_, ok = AsItemError(errors.New("connection refused"))
	assert.False(t, ok)
}

func TestEventDispatcher_Dispatch(t *testing.T) {
	t.Parallel()

	d := NewEventDispatcher()
	var calls []string
	d.Register(EventOperationFinished, func(ctx context.Context, e *DomainEvent) error {
		calls = append(calls, "first")
		return errors.New("boom")
	})
	d.Register(EventOperationFinished, func(ctx context.Context, e *DomainEvent) error {
		calls = append(calls, "second")
		return nil
	})

	ev := NewEvent(EventOperationFinished, AggregateBulkOperation, "op-1", "farm-1", "user-1", time.Now(), nil)
	err := d.Dispatch(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, calls, "remaining handlers still run")

	require.NoError(t, d.Dispatch(context.Background(), NewEvent(EventRequestSubmitted, AggregateApprovalRequest, "r", "f", "u", time.Now(), nil)))

	var nilDispatcher *EventDispatcher
	require.NoError(t, nilDispatcher.Dispatch(context.Background(), ev))
}
