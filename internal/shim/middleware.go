// Package shim implements the external interface (§4.H) as gin HTTP
// handlers plus a gorilla/websocket streaming endpoint, standing in for
// the wire-protocol front door the distilled core treats as a
// collaborator contract only.
package shim

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/streamspace-dev/deviceorch/internal/apperrors"
	"github.com/streamspace-dev/deviceorch/internal/logger"
)

// ErrorHandler converts an AppError set via c.Error into the shim's
// standard JSON error response, logging at a severity keyed off status.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := logger.Component("shim")

		if appErr, ok := err.(*apperrors.AppError); ok {
			if appErr.StatusCode >= 500 {
				log.Error().Str("code", appErr.Code).Str("details", appErr.Details).Msg(appErr.Message)
			} else {
				log.Warn().Str("code", appErr.Code).Msg(appErr.Message)
			}
			c.JSON(appErr.StatusCode, appErr.ToResponse())
			return
		}

		log.Error().Err(err).Msg("unhandled shim error")
		c.JSON(http.StatusInternalServerError, apperrors.ErrorResponse{
			Error:   apperrors.ErrCodeInternal,
			Message: "an unexpected error occurred",
			Code:    apperrors.ErrCodeInternal,
		})
	}
}

// Recovery converts a panic in a handler into a 500 AppError response
// instead of crashing the process.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Component("shim").Error().Interface("panic", rec).Msg("handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, apperrors.ErrorResponse{
					Error:   apperrors.ErrCodeInternal,
					Message: "internal error",
					Code:    apperrors.ErrCodeInternal,
				})
			}
		}()
		c.Next()
	}
}

func abortWithError(c *gin.Context, err error) {
	c.Error(err)
	c.Abort()
}
