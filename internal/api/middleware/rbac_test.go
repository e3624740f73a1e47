package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"farmops.io/bulkops/internal/permission"
)

func TestRequireFarmAccess(t *testing.T) {
	t.Parallel()

	checker := permission.NewStatic()
	checker.Grant("farm-1", "manager-1", permission.RoleManager)
	checker.Grant("farm-1", "viewer-1", permission.RoleViewer)

	newRouter := func(action string) *gin.Engine {
		r := gin.New()
		r.Use(ErrorHandler())
		r.Use(func(c *gin.Context) {
			if uid := c.GetHeader("X-Test-User"); uid != "" {
				c.Request = c.Request.WithContext(SetUserContext(c.Request.Context(), uid, uid))
			}
			c.Next()
		})
		r.GET("/farms/:farm_id/x", RequireFarmAccess(checker, action, "farm_id"), func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
		return r
	}

	tests := []struct {
		name   string
		action string
		user   string
		farm   string
		want   int
	}{
		{"manager may purge", permission.ActionPurge, "manager-1", "farm-1", http.StatusNoContent},
		{"viewer may view", permission.ActionView, "viewer-1", "farm-1", http.StatusNoContent},
		{"viewer may not submit", permission.ActionSubmit, "viewer-1", "farm-1", http.StatusForbidden},
		{"other farm", permission.ActionView, "manager-1", "farm-2", http.StatusForbidden},
		{"anonymous", permission.ActionView, "", "farm-1", http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/farms/"+tc.farm+"/x", nil)
			if tc.user != "" {
				req.Header.Set("X-Test-User", tc.user)
			}
			w := httptest.NewRecorder()
			newRouter(tc.action).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
