package util

import (
	"errors"
	"net/http"

	"geochat_backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Resource not found")
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}

func LogInternalError(c *gin.Context, err error) {
	logger.Log.Error("Internal server error", zap.String("path", c.FullPath()), zap.Error(err))
	InternalServerError(c)
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	if errors.Is(err, ErrProfileNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrNotFriends) {
		return http.StatusForbidden
	}
	if errors.Is(err, ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	switch KindOf(err) {
	case KindPrecondition:
		return http.StatusPreconditionFailed
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStore:
		return http.StatusBadGateway
	case KindSubscription:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err with the status its kind maps to. Client-facing
// kinds expose the sentinel message; upstream failures are logged and masked.
func RespondError(c *gin.Context, err error) {
	status := StatusOf(err)
	switch {
	case status == http.StatusInternalServerError:
		LogInternalError(c, err)
		return
	case status >= 500:
		logger.Log.Error("Upstream failure", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
		Error(c, status, http.StatusText(status))
		return
	}
	Error(c, status, publicMessage(err))
}

// ErrorMessage is the client-facing text for err, masked like RespondError.
func ErrorMessage(err error) string {
	if status := StatusOf(err); status >= 500 {
		return http.StatusText(status)
	}
	return publicMessage(err)
}

func publicMessage(err error) string {
	var e *AppError
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
