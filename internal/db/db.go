// Package db provides persistence for stories and their generation logs.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

const storyColumns = `id, user_prompt, audio_input, transcribed_text, story_text,
	character_description, character_image, background_image, composed_image,
	generation_parameters, processing_time, status, state, error_message,
	idempotency_key, started_at, created_at, updated_at`

// CreateStory inserts a pending story
func (db *DB) CreateStory(ctx context.Context, s *Story) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}

	var createdAt, updatedAt time.Time
	err := db.pool.QueryRow(ctx,
		`INSERT INTO stories (id, user_prompt, audio_input, status, state, idempotency_key)
		 VALUES ($1, $2, $3, 'pending', 'pending', $4)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING created_at, updated_at`,
		s.ID, s.UserPrompt, s.AudioInput, s.IdempotencyKey,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) && s.IdempotencyKey != nil {
		existing, err := db.getStoryByKey(ctx, *s.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("failed to create story: idempotency key %q vanished", *s.IdempotencyKey)
		}
		*s = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create story: %w", err)
	}

	s.Status = StatusPending
	s.State = StatePending
	s.CreatedAt = createdAt
	s.UpdatedAt = updatedAt
	return true, nil
}

// ClaimStory stamps started_at if no worker has done so yet
func (db *DB) ClaimStory(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := db.pool.Exec(ctx,
		`UPDATE stories SET started_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND started_at IS NULL AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim story: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// UpdateStage writes stage output without overwriting fields already set
func (db *DB) UpdateStage(ctx context.Context, id uuid.UUID, u StageUpdate) error {
	var params []byte
	if len(u.Parameters) > 0 {
		var err error
		params, err = json.Marshal(u.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal generation parameters: %w", err)
		}
	}

	_, err := db.pool.Exec(ctx,
		`UPDATE stories SET
			state = COALESCE(NULLIF($2, ''), state),
			transcribed_text = COALESCE(transcribed_text, $3),
			story_text = COALESCE(story_text, $4),
			character_description = COALESCE(character_description, $5),
			character_image = COALESCE(character_image, $6),
			background_image = COALESCE(background_image, $7),
			composed_image = COALESCE(composed_image, $8),
			generation_parameters = COALESCE($9::jsonb, '{}'::jsonb) || generation_parameters,
			updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, u.State, u.TranscribedText, u.StoryText, u.CharacterDescription,
		u.CharacterImage, u.BackgroundImage, u.ComposedImage, params,
	)
	if err != nil {
		return fmt.Errorf("failed to update story stage: %w", err)
	}
	return nil
}

// FinishStory records the terminal status of a pending story
func (db *DB) FinishStory(ctx context.Context, id uuid.UUID, status string, processingTime float64, errMsg *string) error {
	if !IsTerminal(status) {
		return fmt.Errorf("failed to finish story: %q is not a terminal status", status)
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE stories SET status = $2, state = $2, processing_time = $3,
			error_message = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, status, processingTime, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to finish story: %w", err)
	}
	return nil
}

// AppendLogs inserts log rows in one transaction, preserving order
func (db *DB) AppendLogs(ctx context.Context, id uuid.UUID, logs []GenerationLog) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range logs {
		l := &logs[i]
		l.StoryID = id
		err := tx.QueryRow(ctx,
			`INSERT INTO generation_logs (story_id, stage, attempt_number, model_used,
				service_used, succeeded, error_kind, error_message, duration_ms,
				started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING id, created_at`,
			id, l.Stage, l.AttemptNumber, l.ModelUsed, l.ServiceUsed, l.Succeeded,
			l.ErrorKind, l.ErrorMessage, l.DurationMs, l.StartedAt, l.CompletedAt,
		).Scan(&l.ID, &l.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append %s log: %w", l.Stage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit logs: %w", err)
	}
	return nil
}

// GetStory retrieves a story by ID
func (db *DB) GetStory(ctx context.Context, id uuid.UUID) (*Story, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = $1`, id)
	s, err := scanStory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return s, nil
}

func (db *DB) getStoryByKey(ctx context.Context, key string) (*Story, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+storyColumns+` FROM stories WHERE idempotency_key = $1`, key)
	s, err := scanStory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get story by idempotency key: %w", err)
	}
	return s, nil
}

// ListLogs retrieves the logs of a story in append order
func (db *DB) ListLogs(ctx context.Context, id uuid.UUID) ([]GenerationLog, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, story_id, stage, attempt_number, model_used, service_used,
			succeeded, error_kind, error_message, duration_ms, started_at,
			completed_at, created_at
		 FROM generation_logs WHERE story_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	logs := []GenerationLog{}
	for rows.Next() {
		var l GenerationLog
		if err := rows.Scan(&l.ID, &l.StoryID, &l.Stage, &l.AttemptNumber, &l.ModelUsed,
			&l.ServiceUsed, &l.Succeeded, &l.ErrorKind, &l.ErrorMessage, &l.DurationMs,
			&l.StartedAt, &l.CompletedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListStories retrieves story previews, newest first
func (db *DB) ListStories(ctx context.Context, opts ListOptions) (*StoryPage, error) {
	opts = opts.Normalized()
	page := &StoryPage{Stories: []StoryPreview{}, Limit: opts.Limit, Offset: opts.Offset}

	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stories`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count stories: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, user_prompt, status, created_at, processing_time, composed_image
		 FROM stories ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p StoryPreview
		if err := rows.Scan(&p.ID, &p.UserPrompt, &p.Status, &p.CreatedAt, &p.ProcessingTime, &p.ComposedImage); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		page.Stories = append(page.Stories, p)
	}
	return page, rows.Err()
}

// DeleteStory deletes a story and all its logs (via cascade)
func (db *DB) DeleteStory(ctx context.Context, id uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM stories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func scanStory(row pgx.Row) (*Story, error) {
	var s Story
	var params []byte
	err := row.Scan(&s.ID, &s.UserPrompt, &s.AudioInput, &s.TranscribedText, &s.StoryText,
		&s.CharacterDescription, &s.CharacterImage, &s.BackgroundImage, &s.ComposedImage,
		&params, &s.ProcessingTime, &s.Status, &s.State, &s.ErrorMessage,
		&s.IdempotencyKey, &s.StartedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeParameters(params, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeParameters(data []byte, s *Story) error {
	s.GenerationParameters = map[string]StageParameters{}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &s.GenerationParameters); err != nil {
		return fmt.Errorf("failed to decode generation parameters: %w", err)
	}
	return nil
}
