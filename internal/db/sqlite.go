package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteDB is a single-file story store for local use.
type SQLiteDB struct {
	db  *sql.DB
	now func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// sortable fixed-width UTC timestamp
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stories (
	id TEXT PRIMARY KEY,
	user_prompt TEXT,
	audio_input TEXT,
	transcribed_text TEXT,
	story_text TEXT,
	character_description TEXT,
	character_image TEXT,
	background_image TEXT,
	composed_image TEXT,
	generation_parameters TEXT NOT NULL DEFAULT '{}',
	processing_time REAL,
	status TEXT NOT NULL DEFAULT 'pending',
	state TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	idempotency_key TEXT UNIQUE,
	started_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (user_prompt IS NOT NULL OR audio_input IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS idx_stories_created_at ON stories (created_at DESC);
CREATE TABLE IF NOT EXISTS generation_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
	stage TEXT NOT NULL,
	attempt_number INTEGER NOT NULL,
	model_used TEXT NOT NULL DEFAULT '',
	service_used TEXT NOT NULL DEFAULT '',
	succeeded INTEGER NOT NULL,
	error_kind TEXT,
	error_message TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_logs_story ON generation_logs (story_id, id);
`

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	// foreign_keys and busy_timeout are per connection, so they go in the DSN
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteDB{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDB) stamp() string {
	return s.now().UTC().Format(sqliteTimeFormat)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteDB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// CreateStory inserts a pending story.
func (s *SQLiteDB) CreateStory(ctx context.Context, st *Story) (bool, error) {
	if err := st.Validate(); err != nil {
		return false, err
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	now := s.stamp()

	res, err := s.exec(ctx,
		`INSERT INTO stories (id, user_prompt, audio_input, status, state, idempotency_key, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', 'pending', ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		st.ID.String(), st.UserPrompt, st.AudioInput, st.IdempotencyKey, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 && st.IdempotencyKey != nil {
		existing, err := s.queryStory(ctx, `WHERE idempotency_key = ?`, *st.IdempotencyKey)
		if err != nil {
			return false, err
		}
		if existing == nil {
			return false, fmt.Errorf("failed to create story: idempotency key %q vanished", *st.IdempotencyKey)
		}
		*st = *existing
		return false, nil
	}

	created, _ := time.Parse(sqliteTimeFormat, now)
	st.Status = StatusPending
	st.State = StatePending
	st.CreatedAt = created
	st.UpdatedAt = created
	return true, nil
}

// ClaimStory stamps started_at once.
func (s *SQLiteDB) ClaimStory(ctx context.Context, id uuid.UUID) (bool, error) {
	now := s.stamp()
	res, err := s.exec(ctx,
		`UPDATE stories SET started_at = ?, updated_at = ?
		 WHERE id = ? AND started_at IS NULL AND status = 'pending'`,
		now, now, id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim story: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim story: %w", err)
	}
	return n == 1, nil
}

// UpdateStage writes stage output without overwriting fields already set.
func (s *SQLiteDB) UpdateStage(ctx context.Context, id uuid.UUID, u StageUpdate) error {
	var params *string
	if len(u.Parameters) > 0 {
		data, err := json.Marshal(u.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal generation parameters: %w", err)
		}
		p := string(data)
		params = &p
	}

	_, err := s.exec(ctx,
		`UPDATE stories SET
			state = COALESCE(NULLIF(?, ''), state),
			transcribed_text = COALESCE(transcribed_text, ?),
			story_text = COALESCE(story_text, ?),
			character_description = COALESCE(character_description, ?),
			character_image = COALESCE(character_image, ?),
			background_image = COALESCE(background_image, ?),
			composed_image = COALESCE(composed_image, ?),
			generation_parameters = json_patch(COALESCE(?, '{}'), generation_parameters),
			updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		u.State, u.TranscribedText, u.StoryText, u.CharacterDescription,
		u.CharacterImage, u.BackgroundImage, u.ComposedImage, params,
		s.stamp(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update story stage: %w", err)
	}
	return nil
}

// FinishStory records the terminal status of a pending story.
func (s *SQLiteDB) FinishStory(ctx context.Context, id uuid.UUID, status string, processingTime float64, errMsg *string) error {
	if !IsTerminal(status) {
		return fmt.Errorf("failed to finish story: %q is not a terminal status", status)
	}
	_, err := s.exec(ctx,
		`UPDATE stories SET status = ?, state = ?, processing_time = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, status, processingTime, errMsg, s.stamp(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish story: %w", err)
	}
	return nil
}

// AppendLogs inserts log rows in one transaction.
func (s *SQLiteDB) AppendLogs(ctx context.Context, id uuid.UUID, logs []GenerationLog) error {
	if len(logs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.stamp()
		for i := range logs {
			l := &logs[i]
			l.StoryID = id
			res, err := tx.ExecContext(ctx,
				`INSERT INTO generation_logs (story_id, stage, attempt_number, model_used,
					service_used, succeeded, error_kind, error_message, duration_ms,
					started_at, completed_at, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id.String(), l.Stage, l.AttemptNumber, l.ModelUsed, l.ServiceUsed, l.Succeeded,
				l.ErrorKind, l.ErrorMessage, l.DurationMs,
				l.StartedAt.UTC().Format(sqliteTimeFormat), l.CompletedAt.UTC().Format(sqliteTimeFormat), now,
			)
			if err != nil {
				return fmt.Errorf("failed to append %s log: %w", l.Stage, err)
			}
			if l.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("failed to read log id: %w", err)
			}
			l.CreatedAt, _ = time.Parse(sqliteTimeFormat, now)
		}
		return tx.Commit()
	})
}

// GetStory retrieves a story by ID.
func (s *SQLiteDB) GetStory(ctx context.Context, id uuid.UUID) (*Story, error) {
	return s.queryStory(ctx, `WHERE id = ?`, id.String())
}

func (s *SQLiteDB) queryStory(ctx context.Context, where string, args ...any) (*Story, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories `+where, args...)

	var st Story
	var id, params, createdAt, updatedAt string
	var startedAt *string
	err := row.Scan(&id, &st.UserPrompt, &st.AudioInput, &st.TranscribedText, &st.StoryText,
		&st.CharacterDescription, &st.CharacterImage, &st.BackgroundImage, &st.ComposedImage,
		&params, &st.ProcessingTime, &st.Status, &st.State, &st.ErrorMessage,
		&st.IdempotencyKey, &startedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get story: %w", err)
	}

	if st.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse story id: %w", err)
	}
	st.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
	st.UpdatedAt, _ = time.Parse(sqliteTimeFormat, updatedAt)
	if startedAt != nil {
		t, _ := time.Parse(sqliteTimeFormat, *startedAt)
		st.StartedAt = &t
	}
	if err := decodeParameters([]byte(params), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListLogs retrieves a story's logs in append order.
func (s *SQLiteDB) ListLogs(ctx context.Context, id uuid.UUID) ([]GenerationLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, attempt_number, model_used, service_used, succeeded,
			error_kind, error_message, duration_ms, started_at, completed_at, created_at
		 FROM generation_logs WHERE story_id = ? ORDER BY id`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	logs := []GenerationLog{}
	for rows.Next() {
		l := GenerationLog{StoryID: id}
		var startedAt, completedAt, createdAt string
		if err := rows.Scan(&l.ID, &l.Stage, &l.AttemptNumber, &l.ModelUsed, &l.ServiceUsed,
			&l.Succeeded, &l.ErrorKind, &l.ErrorMessage, &l.DurationMs,
			&startedAt, &completedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.StartedAt, _ = time.Parse(sqliteTimeFormat, startedAt)
		l.CompletedAt, _ = time.Parse(sqliteTimeFormat, completedAt)
		l.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// ListStories retrieves story previews, newest first.
func (s *SQLiteDB) ListStories(ctx context.Context, opts ListOptions) (*StoryPage, error) {
	opts = opts.Normalized()
	page := &StoryPage{Stories: []StoryPreview{}, Limit: opts.Limit, Offset: opts.Offset}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stories`).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count stories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_prompt, status, created_at, processing_time, composed_image
		 FROM stories ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p StoryPreview
		var id, createdAt string
		if err := rows.Scan(&id, &p.UserPrompt, &p.Status, &createdAt, &p.ProcessingTime, &p.ComposedImage); err != nil {
			return nil, fmt.Errorf("failed to scan story: %w", err)
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse story id: %w", err)
		}
		p.CreatedAt, _ = time.Parse(sqliteTimeFormat, createdAt)
		page.Stories = append(page.Stories, p)
	}
	return page, rows.Err()
}

// DeleteStory deletes a story and its logs.
func (s *SQLiteDB) DeleteStory(ctx context.Context, id uuid.UUID) error {
	res, err := s.exec(ctx, `DELETE FROM stories WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete story: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
