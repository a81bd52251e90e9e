package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/medibook/booking-api/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithCreated sends a 201 response
func RespondWithCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response. AppError codes are stable so
// the UI can tell "pick another slot" apart from "payment failed, retry".
func RespondWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := string(errors.ErrInternal)
	message := "internal server error"

	if appErr, ok := errors.From(err); ok {
		status = appErr.StatusCode()
		code = string(appErr.Code)
		message = appErr.Message
	}

	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
