package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/domain"
	"farmops.io/bulkops/internal/entity"
	"farmops.io/bulkops/internal/executor"
	"farmops.io/bulkops/internal/governance/approval"
	"farmops.io/bulkops/internal/governance/audit"
	"farmops.io/bulkops/internal/ledger"
	"farmops.io/bulkops/internal/operation"
	"farmops.io/bulkops/internal/permission"
	"farmops.io/bulkops/internal/pkg/clock"
	"farmops.io/bulkops/internal/pkg/logger"
	"farmops.io/bulkops/internal/stats"
	"farmops.io/bulkops/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

var t0 = time.Date(2026, 5, 10, 7, 30, 0, 0, time.UTC)

const testUserHeader = "X-Test-User"

type harness struct {
	router   *gin.Engine
	entities *entity.Memory
	registry *operation.Registry
	ledger   *ledger.Ledger
	clock    *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemory()
	clk := clock.NewManual(t0)
	events := domain.NewEventDispatcher()
	registry := operation.NewRegistry(s, clk, events)
	l := ledger.New(s, clk, 0)
	entities := entity.NewMemory()
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		entities.Put("farm-1", domain.EntityAnimal, id, map[string]any{"status": "active"})
	}
	perms := permission.NewStatic()
	perms.Grant("farm-1", "owner-1", permission.RoleOwner)
	perms.Grant("farm-1", "manager-1", permission.RoleManager)
	perms.Grant("farm-1", "member-1", permission.RoleMember)
	perms.Grant("farm-1", "viewer-1", permission.RoleViewer)
	perms.Grant("farm-2", "member-2", permission.RoleMember)

	exec := executor.New(registry, l, entities, executor.Config{})
	gw := approval.NewGateway(s, registry, entities, perms, events)
	gw.SetDispatcher(executor.NewSyncDispatcher(exec))
	auditLog := audit.NewLogger(s, clk)
	auditLog.Subscribe(events)

	srv := NewServer(ServerDeps{
		Gateway:  gw,
		Registry: registry,
		Ledger:   l,
		Executor: exec,
		Stats:    stats.New(registry, l),
		Audit:    auditLog,
		Perms:    perms,
	})

	router := gin.New()
	router.Use(middleware.RequestID(), middleware.ErrorHandler())
	api := router.Group("/api/v1")
	srv.RegisterPublicRoutes(api)
	authed := api.Group("")
	authed.Use(func(c *gin.Context) {
		uid := c.GetHeader(testUserHeader)
		c.Request = c.Request.WithContext(middleware.SetUserContext(c.Request.Context(), uid, uid))
		c.Next()
	})
	srv.RegisterRoutes(authed)

	return &harness{router: router, entities: entities, registry: registry, ledger: l, clock: clk}
}

func (h *harness) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(testUserHeader, user)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, want, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, w)["code"].(string)
}

func submitBody(ids ...string) map[string]any {
	return map[string]any{
		"target_item_ids": ids,
		"proposed_changes": map[string]any{
			"entity_type": "animal",
			"animal":      map[string]any{"status": "quarantined"},
		},
		"reason": "suspected outbreak in barn 2",
	}
}

func (h *harness) submit(t *testing.T, ids ...string) string {
	t.Helper()
	w := h.do(t, "member-1", http.MethodPost, "/farms/farm-1/batch-edit-requests", submitBody(ids...))
	expectStatus(t, w, http.StatusCreated)
	return decode[submitResponse](t, w).RequestID
}

func TestQueryHelpers(t *testing.T) {
	tests := []struct {
		raw  string
		end  bool
		want time.Time
		err  bool
	}{
		{"", false, time.Time{}, false},
		{"2026-05-01", false, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"2026-05-01", true, time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC), false},
		{"2026-05-01T10:00:00+02:00", true, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC), false},
		{"yesterday", false, time.Time{}, true},
	}
	for _, tc := range tests {
		got, err := parseDateBound(tc.raw, tc.end)
		if (err != nil) != tc.err {
			t.Fatalf("parseDateBound(%q) error = %v", tc.raw, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("parseDateBound(%q, %v) = %v, want %v", tc.raw, tc.end, got, tc.want)
		}
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, "", http.MethodGet, "/health/live", nil)
	expectStatus(t, w, http.StatusOK)

	w = h.do(t, "", http.MethodGet, "/health/ready", nil)
	expectStatus(t, w, http.StatusOK)
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	srv := NewServer(ServerDeps{Readiness: map[string]ReadinessCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}})
	router := gin.New()
	srv.RegisterPublicRoutes(router.Group("/api/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health/ready", nil))
	expectStatus(t, w, http.StatusServiceUnavailable)
	body := decode[struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}](t, w)
	if body.Status != "degraded" || body.Checks["database"] != "ok" || body.Checks["redis"] != "error" {
		t.Fatalf("readiness body = %+v", body)
	}
}

func TestLogLevel(t *testing.T) {
	h := newHarness(t)
	defer func() { _ = logger.SetLevel("error") }()

	w := h.do(t, "owner-1", http.MethodPut, "/admin/log/level", map[string]string{"level": "debug"})
	expectStatus(t, w, http.StatusOK)
	w = h.do(t, "owner-1", http.MethodGet, "/admin/log/level", nil)
	if got := decode[map[string]string](t, w)["level"]; got != "debug" {
		t.Fatalf("level = %q", got)
	}

	w = h.do(t, "owner-1", http.MethodPut, "/admin/log/level", map[string]string{"level": "chatty"})
	expectStatus(t, w, http.StatusBadRequest)
}
