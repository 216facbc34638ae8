package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/groupcart/groupcart-api/internal/errs"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeDuplicateResource  = "DUPLICATE_RESOURCE"
	ErrCodeIntegrityViolation = "INTEGRITY_VIOLATION"
	ErrCodeUpstreamFailure    = "UPSTREAM_FAILURE"
	ErrCodeTryAgain           = "TRY_AGAIN"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	var appErr *errs.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case errs.KindValidation:
			respond(c, http.StatusBadRequest, ErrCodeValidationFailed, appErr.Message)
		case errs.KindNotFound:
			respond(c, http.StatusNotFound, ErrCodeNotFound, appErr.Message)
		case errs.KindConflict:
			respond(c, http.StatusConflict, ErrCodeDuplicateResource, appErr.Message)
		case errs.KindIntegrity:
			respond(c, http.StatusInternalServerError, ErrCodeIntegrityViolation, appErr.Message)
		case errs.KindExternal:
			respond(c, http.StatusBadGateway, ErrCodeUpstreamFailure, appErr.Message)
		case errs.KindTransient:
			respond(c, http.StatusServiceUnavailable, ErrCodeTryAgain, appErr.Message)
		default:
			InternalError(c, "An unexpected error occurred")
		}
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	respond(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	respond(c, http.StatusForbidden, ErrCodeForbidden, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	respond(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	respond(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

func respond(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
