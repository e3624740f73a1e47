package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/store"
)

// ListAuditLogs handles GET /farms/{farm_id}/audit-logs, newest first.
func (s *Server) ListAuditLogs(c *gin.Context) {
	params, err := bindAuditParams(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	limit := deref(params.Limit, defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		_ = c.Error(apperrors.Validation(apperrors.CodeInvalidRequestField, "limit must be 1..500"))
		return
	}
	entries, err := s.audit.List(c.Request.Context(), store.AuditQuery{
		FarmID:     c.Param("farm_id"),
		ResourceID: deref(params.ResourceID, ""),
		Limit:      limit,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "total": len(entries)})
}
