// Package audit implements the audit logging service.
//
// Audit logs are append-only compliance records. Hard-delete is NOT allowed;
// the retention sweep purges operations, never their audit trail.
//
// Import Path: farmops.io/bulkops/internal/governance/audit
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/pkg/clock"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/store"
)

// Logger writes audit records to the audit store.
type Logger struct {
	store store.AuditStore
	clock clock.Clock
}

// NewLogger creates a new audit Logger.
func NewLogger(s store.AuditStore, clk clock.Clock) *Logger {
	if clk == nil {
		clk = clock.System{}
	}
	return &Logger{store: s, clock: clk}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, farmID, resourceType, resourceID, actor string, details map[string]any) error {
	entry := &domain.AuditEntry{
		ID:           generateAuditID(),
		Action:       action,
		ActorID:      actor,
		FarmID:       farmID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    l.clock.Now(),
	}
	if err := l.store.AppendAudit(ctx, entry); err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// List returns audit entries, newest first.
func (l *Logger) List(ctx context.Context, q store.AuditQuery) ([]*domain.AuditEntry, error) {
	entries, err := l.store.ListAudit(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}

// eventActions maps audited event types to audit actions. Progress and start
// events are not audited.
var eventActions = map[domain.EventType]string{
	domain.EventRequestSubmitted:         domain.AuditRequestSubmitted,
	domain.EventRequestApproved:          domain.AuditRequestApproved,
	domain.EventRequestRejected:          domain.AuditRequestRejected,
	domain.EventOperationCreated:         domain.AuditOperationCreated,
	domain.EventOperationCancelRequested: domain.AuditOperationCancel,
	domain.EventOperationFinished:        domain.AuditOperationFinished,
	domain.EventItemRetried:              domain.AuditItemRetried,
	domain.EventOperationsPurged:         domain.AuditOperationsPurged,
}

// Subscribe registers the audit handlers on d. Audit writes are best-effort:
// a failed write is logged and does not fail the action that emitted the event.
func (l *Logger) Subscribe(d *domain.EventDispatcher) {
	for eventType, action := range eventActions {
		action := action
		d.Register(eventType, func(ctx context.Context, e *domain.DomainEvent) error {
			l.record(ctx, action, e)
			return nil
		})
	}
}

func (l *Logger) record(ctx context.Context, action string, e *domain.DomainEvent) {
	var details map[string]any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &details); err != nil {
			logger.Warn("Audit: undecodable event payload",
				zap.String("event_type", string(e.EventType)),
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}
	if details == nil {
		details = map[string]any{}
	}
	details["event_id"] = e.EventID

	// Actions run on behalf of a request should still be recorded if the
	// request is cancelled right after.
	if err := l.LogAction(context.WithoutCancel(ctx), action, e.FarmID, e.AggregateType, e.AggregateID, e.CreatedBy, details); err != nil {
		logger.Warn("Audit entry dropped",
			zap.String("action", action),
			zap.String("resource_id", e.AggregateID),
			zap.Error(err),
		)
	}
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
