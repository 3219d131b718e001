package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/internal/api/response"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/training"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const maxTrainBodyBytes = 64 << 10

// Trainer is the part of training.Service the train route needs.
type Trainer interface {
	RequestTraining(ctx context.Context, req training.Request) (*training.Response, error)
	TrainNow(ctx context.Context, req training.Request) (*models.SchemaCacheRecord, error)
}

type trainRequest struct {
	Force   bool            `json:"force"`
	Wait    bool            `json:"wait"`
	Options *schema.Options `json:"options"`
}

// NewTrainHandler returns an http.HandlerFunc for
// POST /api/v1/connections/{connectionID}/train.
//
// The request is queued and answered with 202 unless wait is set, in which
// case training runs inline and the stored record is returned.
func NewTrainHandler(svc Trainer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID, ok := uuidParam(w, r, "connectionID")
		if !ok {
			return
		}

		var body trainRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxTrainBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if details := validateOptions(body.Options); len(details) > 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid training options", details)
			return
		}

		req := training.Request{
			ConnectionID: connectionID,
			Force:        body.Force,
			Options:      body.Options,
		}
		if principalID, ok := mw.GetPrincipalID(r); ok {
			req.PrincipalID = &principalID
		}

		if body.Wait {
			rec, err := svc.TrainNow(r.Context(), req)
			if err != nil {
				writeTrainingError(w, r, err)
				return
			}
			response.JSON(w, rec)
			return
		}

		resp, err := svc.RequestTraining(r.Context(), req)
		if err != nil {
			writeTrainingError(w, r, err)
			return
		}
		response.Accepted(w, resp)
	}
}

func validateOptions(opts *schema.Options) map[string][]string {
	if opts == nil {
		return nil
	}
	details := map[string][]string{}
	for _, s := range opts.SelectedSchemas {
		if strings.TrimSpace(s) == "" {
			details["selected_schemas"] = append(details["selected_schemas"], "schema names must not be empty")
			break
		}
	}
	for _, t := range opts.SelectedTables {
		if strings.TrimSpace(t.Schema) == "" || strings.TrimSpace(t.Table) == "" {
			details["selected_tables"] = append(details["selected_tables"], "each entry needs schema and table")
			break
		}
	}
	return details
}

// uuidParam reads a UUID route parameter, writing a 400 when it is malformed.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
