package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"farmops.io/bulkops/internal/permission"
	apperrors "farmops.io/bulkops/internal/pkg/errors"
	"farmops.io/bulkops/internal/pkg/logger"
)

// RequireFarmAccess checks that the authenticated user may perform action on
// the farm named by the paramName path parameter.
//
// Routes addressed by request or operation id resolve the farm from the
// stored record and check in the handler instead.
func RequireFarmAccess(checker permission.Checker, action, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := GetUserID(ctx)
		farmID := c.Param(paramName)

		ok, err := permission.Can(ctx, checker, userID, farmID, action)
		if err != nil {
			logger.Error("Farm permission check failed",
				zap.String("user_id", userID),
				zap.String("farm_id", farmID),
				zap.Error(err),
			)
			_ = c.Error(apperrors.Wrap(err, "INTERNAL_ERROR", "permission check failed", http.StatusInternalServerError))
			c.Abort()
			return
		}
		if !ok {
			_ = c.Error(apperrors.Forbidden(apperrors.CodeFarmForbidden, "insufficient permissions on farm "+farmID))
			c.Abort()
			return
		}
		c.Next()
	}
}
