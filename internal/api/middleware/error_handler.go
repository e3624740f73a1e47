// Package middleware provides HTTP middleware for the bulk operation API.
//
// Import Path: farmops.io/bulkops/internal/api/middleware
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

// ErrorHandler renders the last error added via c.Error() as
// {code, message[, params, field_errors]}.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			fields := []zap.Field{
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus),
				zap.String("request_id", GetRequestID(c.Request.Context())),
			}
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Error("Request error", append(fields, zap.Error(appErr.Err))...)
			} else {
				logger.Debug("Request error", fields...)
			}

			body := gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			}
			if len(appErr.Params) > 0 {
				body["params"] = appErr.Params
			}
			if len(appErr.FieldErrors) > 0 {
				body["field_errors"] = appErr.FieldErrors
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		logger.Error("Unhandled request error",
			zap.Error(err),
			zap.String("request_id", GetRequestID(c.Request.Context())),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "An internal error occurred",
		})
	}
}
