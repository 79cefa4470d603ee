package db

import (
	"context"

	"github.com/google/uuid"
)

// Store persists stories and their generation logs. Reads of a missing story
// return nil, nil.
type Store interface {
	// CreateStory inserts s with status pending and fills its ID and
	// timestamps. When s carries an idempotency key that already exists, s is
	// replaced by the stored story and created is false.
	CreateStory(ctx context.Context, s *Story) (created bool, err error)
	// ClaimStory marks the story started. It returns false when another
	// worker already claimed it.
	ClaimStory(ctx context.Context, id uuid.UUID) (bool, error)
	// UpdateStage writes one stage's output.
	UpdateStage(ctx context.Context, id uuid.UUID, u StageUpdate) error
	// FinishStory records the terminal status once.
	FinishStory(ctx context.Context, id uuid.UUID, status string, processingTime float64, errMsg *string) error
	// AppendLogs appends log rows in order.
	AppendLogs(ctx context.Context, id uuid.UUID, logs []GenerationLog) error
	GetStory(ctx context.Context, id uuid.UUID) (*Story, error)
	ListLogs(ctx context.Context, id uuid.UUID) ([]GenerationLog, error)
	ListStories(ctx context.Context, opts ListOptions) (*StoryPage, error)
	// DeleteStory removes a story and its logs. It returns ErrNotFound when
	// the story does not exist.
	DeleteStory(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*SQLiteDB)(nil)
	_ Store = (*MemoryStore)(nil)
)
