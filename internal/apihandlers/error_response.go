package apihandlers

import (
	"errors"
	"net/http"

	"docflow/internal/models"
	"docflow/internal/store"

	"github.com/gin-gonic/gin"
)

// APIError defines standard error response
// Example: { "error": { "code": "not_found", "message": "document abc not found" } }
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error APIError `json:"error"`
}

// JSONError sends a structured error response
func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.JSON(status, errorResponse{Error: APIError{Code: code, Message: msg}})
}

// Convenience wrappers
func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}

func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

// RespondError maps a service error onto an HTTP status. Both the models and
// store sentinel families are recognized; anything unclassified is a 500.
func RespondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, store.ErrNotFound):
		NotFound(ctx, err.Error())
	case errors.Is(err, models.ErrParseInProgress):
		Conflict(ctx, err.Error())
	case errors.Is(err, models.ErrConflict), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		Conflict(ctx, err.Error())
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrUnknownStep):
		BadRequest(ctx, err.Error())
	default:
		Internal(ctx, err.Error())
	}
}
