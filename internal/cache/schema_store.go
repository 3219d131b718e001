package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

// SchemaStore is a read-through cache over a SchemaCacheStore. Reads are
// served from Redis when possible; every write goes to the store first and
// then drops the cached copy. Redis failures fall back to the store.
//
// Each write also replaces a per-connection generation token. A reader
// stamps its entry with the token it saw before reading the store, and an
// entry whose token is no longer current is a miss. That keeps a reader
// that raced a write from serving the old row until the TTL runs out.
type SchemaStore struct {
	store.SchemaCacheStore
	cache Cache
	ttl   time.Duration
}

var _ store.SchemaCacheStore = (*SchemaStore)(nil)

type cachedRecord struct {
	Generation string                    `json:"generation"`
	Record     *models.SchemaCacheRecord `json:"record"`
}

func NewSchemaStore(inner store.SchemaCacheStore, c Cache, ttl time.Duration) *SchemaStore {
	return &SchemaStore{SchemaCacheStore: inner, cache: c, ttl: ttl}
}

// Uncached returns the wrapped store, for reads that must not be served
// from Redis.
func (s *SchemaStore) Uncached() store.SchemaCacheStore {
	return s.SchemaCacheStore
}

func (s *SchemaStore) GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error) {
	key := SchemaCacheKey(connectionID)

	gen, genErr := s.generation(ctx, connectionID)
	if genErr != nil {
		slog.Warn("schema cache generation read failed", "connection_id", connectionID, "error", genErr)
	}

	data, found, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("schema cache read failed", "connection_id", connectionID, "error", err)
	}
	if found && genErr == nil {
		var entry cachedRecord
		switch {
		case json.Unmarshal(data, &entry) != nil || entry.Record == nil:
			slog.Warn("discarding malformed cached schema", "connection_id", connectionID)
		case entry.Generation == gen:
			return entry.Record, nil
		default:
			slog.Debug("discarding superseded cached schema", "connection_id", connectionID)
		}
	}

	rec, err := s.SchemaCacheStore.GetSchemaCache(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	// Without the generation the entry could not be validated later.
	if genErr != nil {
		return rec, nil
	}
	if data, err := json.Marshal(cachedRecord{Generation: gen, Record: rec}); err == nil {
		if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
			slog.Warn("schema cache write failed", "connection_id", connectionID, "error", err)
		}
	}
	return rec, nil
}

func (s *SchemaStore) generation(ctx context.Context, connectionID uuid.UUID) (string, error) {
	data, _, err := s.cache.Get(ctx, SchemaGenerationKey(connectionID))
	return string(data), err
}

func (s *SchemaStore) UpsertTrainingStatus(ctx context.Context, connectionID uuid.UUID, status models.TrainingStatus, opts ...store.StatusOption) error {
	if err := s.SchemaCacheStore.UpsertTrainingStatus(ctx, connectionID, status, opts...); err != nil {
		return err
	}
	s.invalidate(ctx, connectionID)
	return nil
}

func (s *SchemaStore) UpsertSchemaDocument(ctx context.Context, connectionID uuid.UUID, doc *models.SchemaData, status models.TrainingStatus) error {
	if err := s.SchemaCacheStore.UpsertSchemaDocument(ctx, connectionID, doc, status); err != nil {
		return err
	}
	s.invalidate(ctx, connectionID)
	return nil
}

func (s *SchemaStore) DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error {
	if err := s.SchemaCacheStore.DeleteSchemaCache(ctx, connectionID); err != nil {
		return err
	}
	s.invalidate(ctx, connectionID)
	return nil
}

func (s *SchemaStore) BeginTraining(ctx context.Context, connectionID uuid.UUID, force bool, stuckBefore time.Time) error {
	if err := s.SchemaCacheStore.BeginTraining(ctx, connectionID, force, stuckBefore); err != nil {
		return err
	}
	s.invalidate(ctx, connectionID)
	return nil
}

// invalidate rotates the generation before dropping the entry, so an entry
// written by a reader that started before this write can never match again.
// The token outlives any entry stamped with the previous one.
func (s *SchemaStore) invalidate(ctx context.Context, connectionID uuid.UUID) {
	genTTL := 2 * s.ttl
	if err := s.cache.Set(ctx, SchemaGenerationKey(connectionID), []byte(uuid.NewString()), genTTL); err != nil {
		slog.Warn("schema cache generation update failed", "connection_id", connectionID, "error", err)
	}
	if err := s.cache.Delete(ctx, SchemaCacheKey(connectionID)); err != nil {
		slog.Warn("schema cache invalidation failed", "connection_id", connectionID, "error", err)
	}
}
