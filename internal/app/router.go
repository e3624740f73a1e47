package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/api/openapi"
	"farmops.io/bulkops/internal/config"
)

// routerDeps are the pieces newRouter assembles.
type routerDeps struct {
	cfg      *config.Config
	server   *handlers.Server
	jwt      middleware.JWTConfig
	gatherer prometheus.Gatherer
}

// newRouter builds the HTTP surface: health and metrics are public, every
// other /api/v1 route is contract-validated and requires a bearer token.
func newRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	if corsCfg, ok := buildCORSConfig(d.cfg); ok {
		router.Use(cors.New(corsCfg))
	}

	if d.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))
	}

	doc, err := openapi.Load()
	if err != nil {
		panic("load openapi contract: " + err.Error())
	}

	api := router.Group(openapi.BasePath)
	d.server.RegisterPublicRoutes(api)

	authed := api.Group("")
	authed.Use(middleware.JWTAuth(d.jwt), middleware.MustOpenAPIValidator(doc, openapi.BasePath))
	d.server.RegisterRoutes(authed)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": "ROUTE_NOT_FOUND", "message": "no such route"})
	})
	return router
}

// buildCORSConfig returns the CORS policy, or false when no origin is
// allowed. A "*" entry allows every origin and disables credentials.
func buildCORSConfig(cfg *config.Config) (cors.Config, bool) {
	origins := make([]string, 0, len(cfg.Server.CORSAllowedOrigins))
	allowAll := false
	for _, o := range cfg.Server.CORSAllowedOrigins {
		o = strings.TrimSpace(o)
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			origins = append(origins, strings.TrimRight(o, "/"))
		}
	}
	if !allowAll && len(origins) == 0 {
		return cors.Config{}, false
	}

	c := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: !allowAll,
		MaxAge:           12 * time.Hour,
	}
	if allowAll {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c, true
}
