package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/api/response"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

type SchemaReader interface {
	GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error)
}

type SchemaDeleter interface {
	DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error
}

// NewGetSchemaHandler returns an http.HandlerFunc for
// GET /api/v1/connections/{connectionID}/schema.
func NewGetSchemaHandler(svc SchemaReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID, ok := uuidParam(w, r, "connectionID")
		if !ok {
			return
		}

		rec, err := svc.GetSchemaCache(r.Context(), connectionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "SCHEMA_NOT_FOUND",
				"No schema has been trained for this connection", nil)
		case err != nil:
			slog.Error("get schema cache failed", "connection_id", connectionID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		default:
			response.JSON(w, rec)
		}
	}
}

// NewDeleteSchemaHandler returns an http.HandlerFunc for
// DELETE /api/v1/connections/{connectionID}/schema.
func NewDeleteSchemaHandler(svc SchemaDeleter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID, ok := uuidParam(w, r, "connectionID")
		if !ok {
			return
		}

		err := svc.DeleteSchemaCache(r.Context(), connectionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "SCHEMA_NOT_FOUND",
				"No schema has been trained for this connection", nil)
		case err != nil:
			slog.Error("delete schema cache failed", "connection_id", connectionID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
		default:
			slog.Info("schema cache deleted", "connection_id", connectionID)
			response.NoContent(w)
		}
	}
}
