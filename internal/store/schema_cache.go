package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

func (s *PostgresStore) GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error) {
	var (
		r   models.SchemaCacheRecord
		doc []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT connection_id, training_status, training_started_at, last_trained_at, error_message,
		        schema_data, created_at, updated_at
		 FROM schema_cache WHERE connection_id = $1`, connectionID,
	).Scan(&r.ConnectionID, &r.TrainingStatus, &r.TrainingStartedAt, &r.LastTrainedAt, &r.ErrorMessage,
		&doc, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schema cache: %w", err)
	}

	if len(doc) > 0 {
		var data models.SchemaData
		if err := json.Unmarshal(doc, &data); err != nil {
			return nil, fmt.Errorf("decode schema data: %w", err)
		}
		r.SchemaData = &data
	}
	return &r, nil
}

func (s *PostgresStore) UpsertTrainingStatus(ctx context.Context, connectionID uuid.UUID, status models.TrainingStatus, opts ...StatusOption) error {
	params := ApplyStatusOptions(opts...)

	now := time.Now().UTC()
	var startedAt *time.Time
	if status == models.TrainingStatusTraining {
		startedAt = &now
		if params.StartedAt != nil {
			startedAt = params.StartedAt
		}
	}
	var errorMessage *string
	if status == models.TrainingStatusFailed {
		errorMessage = params.ErrorMessage
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.TrainingStatus
		err := tx.QueryRow(ctx,
			`SELECT training_status FROM schema_cache WHERE connection_id = $1 FOR UPDATE`, connectionID,
		).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if status == models.TrainingStatusCompleted {
				return fmt.Errorf("%w: completed requires a schema document", ErrInvalidTransition)
			}
			_, err = tx.Exec(ctx,
				`INSERT INTO schema_cache (connection_id, training_status, training_started_at, error_message,
				                           created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $5)`,
				connectionID, status, startedAt, errorMessage, now)
			return err
		case err != nil:
			return err
		}

		if params.UnlessTraining && current == models.TrainingStatusTraining {
			return nil
		}
		if !ValidTrainingTransition(current, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}

		query := `UPDATE schema_cache SET training_status = $2, error_message = $3, updated_at = $4`
		args := []any{connectionID, status, errorMessage, now}
		if startedAt != nil {
			query += `, training_started_at = $5`
			args = append(args, *startedAt)
		}
		query += ` WHERE connection_id = $1`

		_, err = tx.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return err
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert training status: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertSchemaDocument(ctx context.Context, connectionID uuid.UUID, doc *models.SchemaData, status models.TrainingStatus) error {
	if status != models.TrainingStatusCompleted && status != models.TrainingStatusFailed {
		return fmt.Errorf("%w: schema document with status %s", ErrInvalidTransition, status)
	}
	if doc == nil && status == models.TrainingStatusCompleted {
		return fmt.Errorf("%w: completed requires a schema document", ErrInvalidTransition)
	}

	var data []byte
	if doc != nil {
		var err error
		data, err = json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode schema data: %w", err)
		}
	}

	now := time.Now().UTC()
	var err error
	if status == models.TrainingStatusCompleted {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO schema_cache (connection_id, training_status, schema_data, last_trained_at,
			                           error_message, created_at, updated_at)
			 VALUES ($1, 'completed', $2, $3, NULL, $3, $3)
			 ON CONFLICT (connection_id) DO UPDATE SET
			   training_status = 'completed',
			   schema_data = EXCLUDED.schema_data,
			   last_trained_at = EXCLUDED.last_trained_at,
			   error_message = NULL,
			   updated_at = EXCLUDED.updated_at`,
			connectionID, data, now)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO schema_cache (connection_id, training_status, schema_data, created_at, updated_at)
			 VALUES ($1, 'failed', $2, $3, $3)
			 ON CONFLICT (connection_id) DO UPDATE SET
			   training_status = 'failed',
			   schema_data = COALESCE(EXCLUDED.schema_data, schema_cache.schema_data),
			   updated_at = EXCLUDED.updated_at`,
			connectionID, data, now)
	}
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert schema document: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schema_cache WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("delete schema cache: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStaleConnections(ctx context.Context, maxAge time.Duration) ([]uuid.UUID, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := s.pool.Query(ctx,
		`SELECT c.id FROM connections c
		 LEFT JOIN schema_cache sc ON sc.connection_id = c.id
		 WHERE c.is_active AND (sc.last_trained_at IS NULL OR sc.last_trained_at < $1)
		 ORDER BY c.id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale connections: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale connection: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) BeginTraining(ctx context.Context, connectionID uuid.UUID, force bool, stuckBefore time.Time) error {
	now := time.Now().UTC()
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO schema_cache (connection_id, training_status, training_started_at, created_at, updated_at)
		 VALUES ($1, 'training', $2, $2, $2)
		 ON CONFLICT (connection_id) DO UPDATE SET
		   training_status = 'training',
		   training_started_at = EXCLUDED.training_started_at,
		   error_message = NULL,
		   updated_at = EXCLUDED.updated_at
		 WHERE schema_cache.training_status <> 'training'
		    OR $3::boolean
		    OR schema_cache.training_started_at IS NULL
		    OR schema_cache.training_started_at < $4
		 RETURNING connection_id`,
		connectionID, now, force, stuckBefore,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTrainingInProgress
	}
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("begin training: %w", err)
	}
	return nil
}
