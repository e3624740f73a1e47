package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/config"
	"farmops.io/bulkops/internal/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
	_ = logger.Init("error", "json")
}

const testSecret = "0123456789abcdef0123456789abcdef"

func memoryAppConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: 8080, CORSAllowedOrigins: []string{"https://herd.example.com"}},
		Store:    config.StoreConfig{Backend: config.StoreBackendMemory, FixturesFile: "../../config/fixtures.example.yaml"},
		Worker:   config.WorkerConfig{GeneralPoolSize: 2, ItemsPoolSize: 2},
		Executor: config.ExecutorConfig{Mode: config.ExecutorModeSync, Parallelism: 1, MaxRetryAttempts: 5},
		Security: config.SecurityConfig{SessionSecret: testSecret, TokenIssuer: "bulkops-test"},
	}
}

func TestBootstrap_PostgresUnreachable(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Host:     "localhost",
			Port:     65432,
			User:     "test",
			Password: "test",
			Database: "test",
			SSLMode:  "disable",
			MaxConns: 5,
			MinConns: 1,
		},
		Store:    config.StoreConfig{Backend: config.StoreBackendPostgres},
		Worker:   config.WorkerConfig{GeneralPoolSize: 2, ItemsPoolSize: 2},
		Executor: config.ExecutorConfig{Mode: config.ExecutorModeSync, Parallelism: 1, MaxRetryAttempts: 5},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app, err := Bootstrap(ctx, cfg)
	require.Error(t, err, "Bootstrap should fail without database")
	assert.Nil(t, app)
}

func TestBootstrap_MemoryBackendServesAPI(t *testing.T) {
	ctx := context.Background()
	cfg := memoryAppConfig()
	app, err := Bootstrap(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(app.Shutdown)
	require.NoError(t, app.Start(ctx))
	assert.Len(t, app.Modules, 3)

	do := func(method, path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Origin", "https://herd.example.com")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		app.Router.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/api/v1/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "https://herd.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodGet, "/api/v1/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store":"ok"`)

	w = do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))

	w = do(http.MethodGet, "/api/v1/farms/farm-north/operations", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, _, err := middleware.GenerateToken(middleware.JWTConfig{
		SigningKey: []byte(testSecret),
		Issuer:     cfg.Security.TokenIssuer,
	}, "alice", "alice")
	require.NoError(t, err)

	w = do(http.MethodGet, "/api/v1/farms/farm-north/operations", token)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(http.MethodGet, "/api/v1/farms/farm-south/operations", token)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(http.MethodGet, "/api/v1/nowhere", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApplication_Shutdown_Empty(t *testing.T) {
	app := &Application{}
	assert.NotPanics(t, app.Shutdown)
}
