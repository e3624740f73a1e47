// Package handlers implements the /api/v1 HTTP surface.
//
// Handlers translate HTTP to engine calls and report failures through
// c.Error; middleware.ErrorHandler renders them.
//
// Import Path: farmops.io/bulkops/internal/api/handlers
package handlers

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/governance/approval"
	"farmops.io/bulkops/internal/governance/audit"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/permission"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/stats"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server holds the engine components behind the HTTP handlers.
type Server struct {
	gateway   *approval.Gateway
	registry  *operation.Registry
	ledger    *ledger.Ledger
	executor  *executor.Executor
	stats     *stats.Aggregator
	audit     *audit.Logger
	perms     permission.Checker
	readiness map[string]ReadinessCheck
}

// ServerDeps holds all dependencies for creating a Server.
type ServerDeps struct {
	Gateway   *approval.Gateway
	Registry  *operation.Registry
	Ledger    *ledger.Ledger
	Executor  *executor.Executor
	Stats     *stats.Aggregator
	Audit     *audit.Logger
	Perms     permission.Checker
	Readiness map[string]ReadinessCheck
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		gateway:   deps.Gateway,
		registry:  deps.Registry,
		ledger:    deps.Ledger,
		executor:  deps.Executor,
		stats:     deps.Stats,
		audit:     deps.Audit,
		perms:     deps.Perms,
		readiness: deps.Readiness,
	}
}

// RegisterPublicRoutes registers routes that need no authentication.
func (s *Server) RegisterPublicRoutes(rg *gin.RouterGroup) {
	rg.GET("/health/live", s.GetLiveness)
	rg.GET("/health/ready", s.GetReadiness)
}

// RegisterRoutes registers the authenticated routes. rg must already carry
// the authentication middleware.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	farm := func(action string) gin.HandlerFunc {
		return middleware.RequireFarmAccess(s.perms, action, "farm_id")
	}

	farms := rg.Group("/farms/:farm_id")
	// Submit and approve check farm roles inside the gateway.
	farms.POST("/batch-edit-requests", s.SubmitBatchEditRequest)
	farms.GET("/batch-edit-requests", farm(permission.ActionView), s.ListBatchEditRequests)
	farms.POST("/operations", farm(permission.ActionSubmit), s.CreateOperation)
	farms.GET("/operations", farm(permission.ActionView), s.ListOperations)
	farms.DELETE("/operations", farm(permission.ActionPurge), s.PurgeOldOperations)
	farms.GET("/operations/stats", farm(permission.ActionView), s.GetOperationStats)
	farms.GET("/audit-logs", farm(permission.ActionView), s.ListAuditLogs)

	rg.GET("/batch-edit-requests/:request_id", s.GetBatchEditRequest)
	rg.POST("/batch-edit-requests/:request_id/approve", s.ApproveRequest)
	rg.POST("/batch-edit-requests/:request_id/reject", s.RejectRequest)

	ops := rg.Group("/operations/:operation_id")
	ops.GET("", s.GetOperation)
	ops.POST("/begin", s.BeginOperation)
	ops.POST("/progress", s.RecordProgress)
	ops.POST("/finish", s.FinishOperation)
	ops.POST("/cancel", s.CancelOperation)
	ops.GET("/failures", s.GetFailureDetails)
	ops.POST("/failures", s.AppendFailureDetail)
	ops.POST("/items/:item_id/retry", s.RetryItem)
	ops.POST("/retry-failed", s.RetryFailed)

	rg.GET("/admin/log/level", s.GetLogLevel)
	rg.PUT("/admin/log/level", s.SetLogLevel)
}

// actorFromCtx returns the authenticated user id.
func actorFromCtx(c *gin.Context) string {
	return middleware.GetUserID(c.Request.Context())
}

// requireFarmAction fails the request unless the actor may perform action on
// farmID. It reports whether the handler may continue.
func (s *Server) requireFarmAction(c *gin.Context, farmID, action string) bool {
	ok, err := permission.Can(c.Request.Context(), s.perms, actorFromCtx(c), farmID, action)
	if err != nil {
		_ = c.Error(err)
		return false
	}
	if !ok {
		_ = c.Error(apperrors.Forbidden(apperrors.CodeFarmForbidden, "insufficient permissions on farm "+farmID))
		return false
	}
	return true
}

// loadOperation fetches the path operation and checks action on its farm.
func (s *Server) loadOperation(c *gin.Context, action string) (*domain.BulkOperation, bool) {
	op, err := s.registry.Get(c.Request.Context(), c.Param("operation_id"))
	if err != nil {
		_ = c.Error(err)
		return nil, false
	}
	if !s.requireFarmAction(c, op.FarmID, action) {
		return nil, false
	}
	return op, true
}

// bindJSON decodes a required body.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		_ = c.Error(apperrors.Validation(apperrors.CodeValidationFailed, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// bindOptionalJSON decodes a body that may be absent.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.Validation(apperrors.CodeValidationFailed, "invalid request body: "+err.Error()))
		return false
	}
	return true
}

// parseDateBound parses an RFC 3339 timestamp or a YYYY-MM-DD date. A plain
// date used as an end bound covers the whole day.
func parseDateBound(raw string, end bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, apperrors.Validation(apperrors.CodeDateRangeInvalid, "dates must be RFC 3339 timestamps or YYYY-MM-DD: "+raw)
	}
	if end {
		d = d.AddDate(0, 0, 1)
	}
	return d, nil
}
