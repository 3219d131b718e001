package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/schemaforge/internal/api/response"
	"github.com/kiranshivaraju/schemaforge/internal/introspect"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/training"
)

// writeTrainingError maps facade errors onto HTTP statuses. Messages come
// from training.UserMessage so driver text never reaches the caller.
func writeTrainingError(w http.ResponseWriter, r *http.Request, err error) {
	msg := training.UserMessage(err)
	switch {
	case errors.Is(err, training.ErrConnectionNotFound):
		response.Error(w, http.StatusNotFound, "CONNECTION_NOT_FOUND", msg, nil)
	case errors.Is(err, training.ErrTrainingInProgress):
		response.Error(w, http.StatusConflict, "TRAINING_IN_PROGRESS", msg, nil)
	case errors.Is(err, training.ErrRecentlyTrained):
		response.Error(w, http.StatusConflict, "RECENTLY_TRAINED", msg, nil)
	case errors.Is(err, jobs.ErrValidation), errors.Is(err, introspect.ErrUnsupportedDialect):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", msg, nil)
	case errors.Is(err, jobs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		response.Error(w, http.StatusGatewayTimeout, "TRAINING_TIMEOUT", msg, nil)
	case errors.Is(err, introspect.ErrTargetUnavailable):
		response.Error(w, http.StatusBadGateway, "TARGET_UNAVAILABLE", msg, nil)
	default:
		slog.Error("training request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
