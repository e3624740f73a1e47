package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/api/openapi"
)

func TestNormalizeValidationPath(t *testing.T) {
	testCases := []struct {
		name     string
		basePath string
		path     string
		want     string
	}{
		{name: "strip prefix", basePath: "/api/v1", path: "/api/v1/operations/op-1", want: "/operations/op-1"},
		{name: "root path", basePath: "/api/v1", path: "/api/v1", want: "/"},
		{name: "no match", basePath: "/api/v1", path: "/health/live", want: "/health/live"},
		{name: "empty base", basePath: "", path: "/operations", want: "/operations"},
		{name: "trailing slash base", basePath: "api/v1/", path: "/api/v1/x", want: "/x"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeValidationPath(normalizeBasePath(tc.basePath), tc.path)
			if got != tc.want {
				t.Fatalf("normalizeValidationPath mismatch: got %q want %q", got, tc.want)
			}
		})
	}
}

func newValidatedRouter(t *testing.T) *gin.Engine {
	t.Helper()
	doc, err := openapi.Load()
	if err != nil {
		t.Fatalf("load contract: %v", err)
	}
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(MustOpenAPIValidator(doc, openapi.BasePath))
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	router.POST("/api/v1/farms/:farm_id/batch-edit-requests", ok)
	router.POST("/api/v1/batch-edit-requests/:request_id/reject", ok)
	router.POST("/api/v1/batch-edit-requests/:request_id/approve", ok)
	router.GET("/api/v1/farms/:farm_id/operations", ok)
	router.DELETE("/api/v1/farms/:farm_id/operations", ok)
	router.GET("/api/v1/health/live", ok)
	return router
}

func TestOpenAPIValidator(t *testing.T) {
	router := newValidatedRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"valid submit", http.MethodPost, "/api/v1/farms/farm-1/batch-edit-requests",
			`{"target_item_ids":["a-1"],"proposed_changes":{"entity_type":"animal","animal":{"status":"sold"}}}`, http.StatusNoContent},
		{"submit without changes", http.MethodPost, "/api/v1/farms/farm-1/batch-edit-requests",
			`{"target_item_ids":["a-1"]}`, http.StatusBadRequest},
		{"submit unknown entity type", http.MethodPost, "/api/v1/farms/farm-1/batch-edit-requests",
			`{"target_item_ids":["a-1"],"proposed_changes":{"entity_type":"tractor"}}`, http.StatusBadRequest},
		{"reject without reason", http.MethodPost, "/api/v1/batch-edit-requests/req-1/reject", `{}`, http.StatusBadRequest},
		{"approve without body", http.MethodPost, "/api/v1/batch-edit-requests/req-1/approve", "", http.StatusNoContent},
		{"list with bad status", http.MethodGet, "/api/v1/farms/farm-1/operations?status=paused", "", http.StatusBadRequest},
		{"list with bad limit", http.MethodGet, "/api/v1/farms/farm-1/operations?limit=0", "", http.StatusBadRequest},
		{"list valid", http.MethodGet, "/api/v1/farms/farm-1/operations?status=completed&limit=10", "", http.StatusNoContent},
		{"purge without days", http.MethodDelete, "/api/v1/farms/farm-1/operations", "", http.StatusBadRequest},
		{"purge negative days", http.MethodDelete, "/api/v1/farms/farm-1/operations?older_than_days=-1", "", http.StatusBadRequest},
		{"outside contract", http.MethodGet, "/api/v1/health/live", "", http.StatusNoContent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body *bytes.Buffer
			if tc.body != "" {
				body = bytes.NewBufferString(tc.body)
			} else {
				body = &bytes.Buffer{}
			}
			req := httptest.NewRequest(tc.method, tc.path, body)
			if tc.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
			if tc.want == http.StatusBadRequest && !bytes.Contains(w.Body.Bytes(), []byte(CodeOpenAPIRequestInvalid)) {
				t.Fatalf("body = %s", w.Body.String())
			}
		})
	}
}

func TestNewOpenAPIValidator_NilDocument(t *testing.T) {
	if _, err := NewOpenAPIValidator(nil, "/api/v1"); err == nil {
		t.Fatal("expected error for nil document")
	}
}
