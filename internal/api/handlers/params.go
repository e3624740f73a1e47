package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"farmops.io/bulkops/internal/domain"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
)

// Query parameter sets, shaped after the operations in openapi.yaml and bound
// with the oapi-codegen runtime.

// ListRequestsParams are the query parameters of ListBatchEditRequests.
type ListRequestsParams struct {
	Status *string `form:"status"`
}

// ListOperationsParams are the query parameters of ListOperations.
type ListOperationsParams struct {
	OperationType *string `form:"operation_type"`
	Status        *string `form:"status"`
	StartDate     *string `form:"start_date"`
	EndDate       *string `form:"end_date"`
	Limit         *int    `form:"limit"`
	Offset        *int    `form:"offset"`
}

// StatsParams are the query parameters of GetOperationStats.
type StatsParams struct {
	OperationType *string `form:"operation_type"`
	Status        *string `form:"status"`
	StartDate     *string `form:"start_date"`
	EndDate       *string `form:"end_date"`
}

// PurgeParams are the query parameters of PurgeOldOperations.
type PurgeParams struct {
	OlderThanDays int `form:"older_than_days"`
}

// AuditParams are the query parameters of ListAuditLogs.
type AuditParams struct {
	ResourceID *string `form:"resource_id"`
	Limit      *int    `form:"limit"`
}

// FailuresParams are the query parameters of GetFailureDetails.
type FailuresParams struct {
	Unresolved *bool `form:"unresolved"`
}

type queryBinding struct {
	name     string
	required bool
	dest     any
}

// bindQuery binds each parameter with form style and explode, the contract
// defaults, and reports the first failure as a validation error.
func bindQuery(c *gin.Context, bindings ...queryBinding) error {
	values := c.Request.URL.Query()
	for _, b := range bindings {
		if err := runtime.BindQueryParameter("form", true, b.required, b.name, values, b.dest); err != nil {
			return apperrors.Validation(apperrors.CodeInvalidRequestField,
				"invalid format for parameter "+b.name+": "+err.Error())
		}
	}
	return nil
}

func bindListRequestsParams(c *gin.Context) (ListRequestsParams, error) {
	var p ListRequestsParams
	err := bindQuery(c, queryBinding{name: "status", dest: &p.Status})
	return p, err
}

func bindListOperationsParams(c *gin.Context) (ListOperationsParams, error) {
	var p ListOperationsParams
	err := bindQuery(c,
		queryBinding{name: "operation_type", dest: &p.OperationType},
		queryBinding{name: "status", dest: &p.Status},
		queryBinding{name: "start_date", dest: &p.StartDate},
		queryBinding{name: "end_date", dest: &p.EndDate},
		queryBinding{name: "limit", dest: &p.Limit},
		queryBinding{name: "offset", dest: &p.Offset},
	)
	return p, err
}

func bindStatsParams(c *gin.Context) (StatsParams, error) {
	var p StatsParams
	err := bindQuery(c,
		queryBinding{name: "operation_type", dest: &p.OperationType},
		queryBinding{name: "status", dest: &p.Status},
		queryBinding{name: "start_date", dest: &p.StartDate},
		queryBinding{name: "end_date", dest: &p.EndDate},
	)
	return p, err
}

func bindPurgeParams(c *gin.Context) (PurgeParams, error) {
	var p PurgeParams
	err := bindQuery(c, queryBinding{name: "older_than_days", required: true, dest: &p.OlderThanDays})
	return p, err
}

func bindAuditParams(c *gin.Context) (AuditParams, error) {
	var p AuditParams
	err := bindQuery(c,
		queryBinding{name: "resource_id", dest: &p.ResourceID},
		queryBinding{name: "limit", dest: &p.Limit},
	)
	return p, err
}

func bindFailuresParams(c *gin.Context) (FailuresParams, error) {
	var p FailuresParams
	err := bindQuery(c, queryBinding{name: "unresolved", dest: &p.Unresolved})
	return p, err
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// listWindow applies the default limit and checks the paging bounds.
func listWindow(limit, offset *int) (int, int, error) {
	l, o := deref(limit, defaultListLimit), deref(offset, 0)
	if l < 1 || l > maxListLimit || o < 0 {
		return 0, 0, apperrors.Validation(apperrors.CodeInvalidRequestField, "limit must be 1..500 and offset must not be negative")
	}
	return l, o, nil
}

// dateRange resolves start_date and end_date into a half-open window.
func dateRange(start, end *string) (from, to time.Time, err error) {
	if from, err = parseDateBound(deref(start, ""), false); err != nil {
		return
	}
	to, err = parseDateBound(deref(end, ""), true)
	return
}

func operationFilters(opType, status *string) (domain.OperationType, domain.OperationStatus) {
	return domain.OperationType(deref(opType, "")), domain.OperationStatus(deref(status, ""))
}
