// Package stats implements the Statistics Aggregator over bulk operations and
// their failure ledgers.
//
// Import Path: farmops.io/bulkops/internal/stats
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/tracing"
	"farmops.io/bulkops/internal/store"
)

var (
	allStatuses = []domain.OperationStatus{
		domain.OperationStatusPending,
		domain.OperationStatusInProgress,
		domain.OperationStatusCompleted,
		domain.OperationStatusFailed,
		domain.OperationStatusCancelled,
	}
	allTypes = []domain.OperationType{
		domain.OperationTypeBatchEdit,
		domain.OperationTypeImport,
		domain.OperationTypeExport,
		domain.OperationTypeBulkRegister,
	}
)

// Query selects the operations to aggregate. From is inclusive and To is
// exclusive; zero times leave that side open.
type Query struct {
	FarmID        string
	From          time.Time
	To            time.Time
	OperationType domain.OperationType
	Status        domain.OperationStatus
}

// Stats is the aggregate over the selected operations.
type Stats struct {
	FarmID          string                         `json:"farm_id"`
	From            *time.Time                     `json:"from,omitempty"`
	To              *time.Time                     `json:"to,omitempty"`
	TotalOperations int                            `json:"total_operations"`
	ByStatus        map[domain.OperationStatus]int `json:"by_status"`
	ByType          map[domain.OperationType]int   `json:"by_type"`

	TotalItems      int `json:"total_items"`
	ProcessedItems  int `json:"processed_items"`
	SuccessfulItems int `json:"successful_items"`
	FailedItems     int `json:"failed_items"`

	// AverageDurationMS is over terminal operations that have a duration.
	AverageDurationMS float64 `json:"average_duration_ms"`
	// SuccessRate is successful / processed items, 0 when nothing was processed.
	SuccessRate float64 `json:"success_rate"`

	Ledger store.LedgerTotals `json:"ledger"`
}

// Aggregator computes Stats.
type Aggregator struct {
	registry *operation.Registry
	ledger   *ledger.Ledger
	tracer   trace.Tracer
}

// New creates an Aggregator.
func New(registry *operation.Registry, l *ledger.Ledger) *Aggregator {
	return &Aggregator{registry: registry, ledger: l, tracer: tracing.Tracer()}
}

// GetStats aggregates the operations matching q. No matches yields zeroed
// aggregates rather than an error.
func (a *Aggregator) GetStats(ctx context.Context, q Query) (*Stats, error) {
	ctx, span := a.tracer.Start(ctx, "stats.GetStats", trace.WithAttributes(attribute.String("bulkops.farm_id", q.FarmID)))
	defer span.End()

	if err := q.validate(); err != nil {
		return nil, err
	}
	ops, err := a.registry.List(ctx, store.OperationQuery{
		FarmID:        q.FarmID,
		OperationType: q.OperationType,
		Status:        q.Status,
		CreatedFrom:   q.From,
		CreatedTo:     q.To,
	})
	if err != nil {
		return nil, err
	}

	s := Aggregate(ops)
	s.FarmID = q.FarmID
	if !q.From.IsZero() {
		from := q.From
		s.From = &from
	}
	if !q.To.IsZero() {
		to := q.To
		s.To = &to
	}

	if len(ops) > 0 {
		ids := make([]string, len(ops))
		for i, op := range ops {
			ids[i] = op.ID
		}
		totals, err := a.ledger.Totals(ctx, ids)
		if err != nil {
			return nil, err
		}
		s.Ledger = totals
	}
	span.SetAttributes(attribute.Int("bulkops.operations", s.TotalOperations))
	return s, nil
}

// Aggregate computes the operation-level aggregates of ops.
func Aggregate(ops []*domain.BulkOperation) *Stats {
	s := &Stats{
		ByStatus: make(map[domain.OperationStatus]int, len(allStatuses)),
		ByType:   make(map[domain.OperationType]int, len(allTypes)),
	}
	for _, st := range allStatuses {
		s.ByStatus[st] = 0
	}
	for _, t := range allTypes {
		s.ByType[t] = 0
	}

	var durationSum int64
	var withDuration int
	for _, op := range ops {
		s.TotalOperations++
		s.ByStatus[op.Status]++
		s.ByType[op.OperationType]++
		s.TotalItems += op.TotalItems
		s.ProcessedItems += op.ProcessedItems
		s.SuccessfulItems += op.SuccessCount
		s.FailedItems += op.FailureCount
		if op.Status.IsTerminal() && op.DurationMS != nil {
			durationSum += *op.DurationMS
			withDuration++
		}
	}
	if withDuration > 0 {
		s.AverageDurationMS = float64(durationSum) / float64(withDuration)
	}
	if s.ProcessedItems > 0 {
		s.SuccessRate = float64(s.SuccessfulItems) / float64(s.ProcessedItems)
	}
	return s
}

func (q Query) validate() error {
	if strings.TrimSpace(q.FarmID) == "" {
		return apperrors.Validation(apperrors.CodeInvalidRequestField, "farm_id is required")
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return apperrors.Validation(apperrors.CodeDateRangeInvalid,
			fmt.Sprintf("start %s must be before end %s", q.From.Format(time.RFC3339), q.To.Format(time.RFC3339)))
	}
	if q.OperationType != "" && !q.OperationType.Valid() {
		return apperrors.Validation(apperrors.CodeOperationType, fmt.Sprintf("unknown operation type %q", q.OperationType))
	}
	if q.Status != "" && !q.Status.Valid() {
		return apperrors.Validation(apperrors.CodeInvalidRequestField, fmt.Sprintf("unknown operation status %q", q.Status))
	}
	return nil
}
