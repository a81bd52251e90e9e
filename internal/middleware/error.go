package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

// ErrorHandler turns errors pushed onto the context by handlers into the
// standard response envelope. Handlers call c.Error(err) and return; the
// status and code come from the AppError taxonomy. Conflicts are the normal
// outcome of losing a slot race and are not logged at error level.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		requestID := c.GetString(ContextRequestID)
		for _, e := range c.Errors {
			evt := log.Error()
			if apperrors.Is(e.Err, apperrors.ErrConflict) || apperrors.Is(e.Err, apperrors.ErrValidation) {
				evt = log.Debug()
			}
			evt.Err(e.Err).
				Str("request_id", requestID).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Msg("request failed")
		}

		if c.Writer.Written() {
			return
		}
		httputil.RespondWithError(c, c.Errors.Last().Err)
	}
}
