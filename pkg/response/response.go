package response

import (
	"errors"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-auction/internal/types"
	"github.com/rs/zerolog/log"
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
	Code      string   `json:"code"`
	Kind      string   `json:"kind,omitempty"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable,omitempty"`
	Details   *Details `json:"details,omitempty"`
}

// Details carries remediation data and the authoritative state after a rejected mutation
type Details struct {
	Field           string        `json:"field,omitempty"`
	UnlockingCourse *types.Course `json:"unlocking_course,omitempty"`
	Current         interface{}   `json:"current,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response. When err is not nil
// a non-nil data is reported as details.current.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, data, err)
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
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeDuplicateResource,
			Message: message,
		},
	})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	c.JSON(http.StatusTooManyRequests, Response{
		Success: false,
		Error: &Error{
			Code:      ErrCodeRateLimited,
			Message:   message,
			Retryable: true,
		},
	})
}

// StatusFor maps an engine error kind to an HTTP status
func StatusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindState:
		return http.StatusConflict
	case types.KindEligibility:
		return http.StatusForbidden
	case types.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, data interface{}, err error) {
	kind := types.KindOf(err)
	if kind == types.KindInternal {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled error")
	}

	body := &Error{
		Code:      types.CodeOf(err),
		Kind:      string(kind),
		Message:   err.Error(),
		Retryable: types.Retryable(err),
	}
	if kind == types.KindInternal {
		body.Message = "An unexpected error occurred"
	}

	details := &Details{}
	var validationErr *types.ValidationError
	if errors.As(err, &validationErr) {
		details.Field = validationErr.Field
	}
	var eligibilityErr *types.EligibilityError
	if errors.As(err, &eligibilityErr) {
		details.UnlockingCourse = eligibilityErr.UnlockingCourse
	}
	if !isNil(data) && kind != types.KindValidation {
		details.Current = data
	}
	if details.Field != "" || details.UnlockingCourse != nil || details.Current != nil {
		body.Details = details
	}

	c.JSON(StatusFor(kind), Response{
		Success: false,
		Error:   body,
	})
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
