package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

// GetLogLevel handles GET /admin/log/level.
func (s *Server) GetLogLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": logger.GetLevel().String()})
}

// SetLogLevel handles PUT /admin/log/level.
func (s *Server) SetLogLevel(c *gin.Context) {
	var body struct {
		Level string `json:"level"`
	}
	if !bindJSON(c, &body) {
		return
	}
	if err := logger.SetLevel(body.Level); err != nil {
		_ = c.Error(apperrors.Validation(apperrors.CodeInvalidRequestField, "unknown log level "+body.Level))
		return
	}
	logger.Info("Log level changed",
		zap.String("level", logger.GetLevel().String()),
		zap.String("actor", actorFromCtx(c)),
	)
	c.JSON(http.StatusOK, gin.H{"level": logger.GetLevel().String()})
}
