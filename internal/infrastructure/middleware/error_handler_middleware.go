package middleware

import (
	"net/http"

	engerr "callmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// httpStatus maps engine error codes to HTTP statuses for the API surface.
func httpStatus(code engerr.ErrorCode) int {
	switch code {
	case engerr.ErrCodeConfig, engerr.ErrCodeNegotiation:
		return http.StatusBadRequest
	case engerr.ErrCodeResourceLimit:
		return http.StatusTooManyRequests
	case engerr.ErrCodeTransport, engerr.ErrCodeConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware converts engine errors attached to the gin context
// into structured responses.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if code := engerr.CodeOf(err); code != "" {
			logger.Errorw("api error",
				"code", code,
				"error", err,
				"path", c.Request.URL.Path,
			)
			c.JSON(httpStatus(code), gin.H{
				"error":   string(code),
				"message": err.Error(),
			})
			return
		}

		logger.Errorw("unhandled api error",
			"error", err,
			"path", c.Request.URL.Path,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL",
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware recovers panicking handlers into 500 responses.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "INTERNAL",
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
