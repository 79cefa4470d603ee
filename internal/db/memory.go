package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps stories in process memory. It backs tests and the
// store-less local mode.
type MemoryStore struct {
	mu      sync.RWMutex
	stories map[uuid.UUID]*Story
	logs    map[uuid.UUID][]GenerationLog
	keys    map[string]uuid.UUID
	nextLog int64
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stories: make(map[uuid.UUID]*Story),
		logs:    make(map[uuid.UUID][]GenerationLog),
		keys:    make(map[string]uuid.UUID),
		now:     time.Now,
	}
}

// CreateStory inserts a pending story.
func (m *MemoryStore) CreateStory(_ context.Context, s *Story) (bool, error) {
	if err := s.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s.IdempotencyKey != nil {
		if id, ok := m.keys[*s.IdempotencyKey]; ok {
			*s = *cloneStory(m.stories[id])
			return false, nil
		}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if _, exists := m.stories[s.ID]; exists {
		return false, fmt.Errorf("failed to create story: duplicate id %s", s.ID)
	}

	now := m.now()
	s.Status = StatusPending
	s.State = StatePending
	s.CreatedAt = now
	s.UpdatedAt = now
	s.GenerationParameters = map[string]StageParameters{}
	s.Logs = nil
	m.stories[s.ID] = cloneStory(s)
	if s.IdempotencyKey != nil {
		m.keys[*s.IdempotencyKey] = s.ID
	}
	return true, nil
}

// ClaimStory stamps started_at once.
func (m *MemoryStore) ClaimStory(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stories[id]
	if !ok || s.StartedAt != nil || s.Status != StatusPending {
		return false, nil
	}
	now := m.now()
	s.StartedAt = &now
	s.UpdatedAt = now
	return true, nil
}

// UpdateStage writes stage output without overwriting fields already set.
func (m *MemoryStore) UpdateStage(_ context.Context, id uuid.UUID, u StageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stories[id]
	if !ok || s.Status != StatusPending {
		return nil
	}
	if u.State != "" {
		s.State = u.State
	}
	setOnce(&s.TranscribedText, u.TranscribedText)
	setOnce(&s.StoryText, u.StoryText)
	setOnce(&s.CharacterDescription, u.CharacterDescription)
	setOnce(&s.CharacterImage, u.CharacterImage)
	setOnce(&s.BackgroundImage, u.BackgroundImage)
	setOnce(&s.ComposedImage, u.ComposedImage)
	for stage, p := range u.Parameters {
		if _, exists := s.GenerationParameters[stage]; !exists {
			s.GenerationParameters[stage] = p
		}
	}
	s.UpdatedAt = m.now()
	return nil
}

// FinishStory records the terminal status of a pending story.
func (m *MemoryStore) FinishStory(_ context.Context, id uuid.UUID, status string, processingTime float64, errMsg *string) error {
	if !IsTerminal(status) {
		return fmt.Errorf("failed to finish story: %q is not a terminal status", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stories[id]
	if !ok || s.Status != StatusPending {
		return nil
	}
	s.Status = status
	s.State = status
	s.ProcessingTime = &processingTime
	s.ErrorMessage = copyString(errMsg)
	s.UpdatedAt = m.now()
	return nil
}

// AppendLogs appends log rows in order.
func (m *MemoryStore) AppendLogs(_ context.Context, id uuid.UUID, logs []GenerationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stories[id]; !ok {
		return fmt.Errorf("failed to append logs: %w: %s", ErrNotFound, id)
	}
	now := m.now()
	for i := range logs {
		m.nextLog++
		logs[i].ID = m.nextLog
		logs[i].StoryID = id
		logs[i].CreatedAt = now
		m.logs[id] = append(m.logs[id], logs[i])
	}
	return nil
}

// GetStory returns a copy of the story, or nil when missing.
func (m *MemoryStore) GetStory(_ context.Context, id uuid.UUID) (*Story, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.stories[id]
	if !ok {
		return nil, nil
	}
	return cloneStory(s), nil
}

// ListLogs returns the story's logs in append order.
func (m *MemoryStore) ListLogs(_ context.Context, id uuid.UUID) ([]GenerationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]GenerationLog{}, m.logs[id]...), nil
}

// ListStories returns story previews, newest first.
func (m *MemoryStore) ListStories(_ context.Context, opts ListOptions) (*StoryPage, error) {
	opts = opts.Normalized()

	m.mu.RLock()
	all := make([]*Story, 0, len(m.stories))
	for _, s := range m.stories {
		all = append(all, s)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	page := &StoryPage{Stories: []StoryPreview{}, Total: len(all), Limit: opts.Limit, Offset: opts.Offset}
	for i := opts.Offset; i < len(all) && i < opts.Offset+opts.Limit; i++ {
		s := all[i]
		page.Stories = append(page.Stories, StoryPreview{
			ID:             s.ID,
			UserPrompt:     copyString(s.UserPrompt),
			Status:         s.Status,
			CreatedAt:      s.CreatedAt,
			ProcessingTime: s.ProcessingTime,
			ComposedImage:  copyString(s.ComposedImage),
		})
	}
	return page, nil
}

// DeleteStory removes a story and its logs.
func (m *MemoryStore) DeleteStory(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stories[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.IdempotencyKey != nil {
		delete(m.keys, *s.IdempotencyKey)
	}
	delete(m.stories, id)
	delete(m.logs, id)
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func setOnce(dst **string, v *string) {
	if *dst == nil && v != nil {
		*dst = copyString(v)
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneStory(s *Story) *Story {
	c := *s
	c.UserPrompt = copyString(s.UserPrompt)
	c.AudioInput = copyString(s.AudioInput)
	c.TranscribedText = copyString(s.TranscribedText)
	c.StoryText = copyString(s.StoryText)
	c.CharacterDescription = copyString(s.CharacterDescription)
	c.CharacterImage = copyString(s.CharacterImage)
	c.BackgroundImage = copyString(s.BackgroundImage)
	c.ComposedImage = copyString(s.ComposedImage)
	c.ErrorMessage = copyString(s.ErrorMessage)
	c.IdempotencyKey = copyString(s.IdempotencyKey)
	if s.ProcessingTime != nil {
		pt := *s.ProcessingTime
		c.ProcessingTime = &pt
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	c.GenerationParameters = make(map[string]StageParameters, len(s.GenerationParameters))
	for k, v := range s.GenerationParameters {
		c.GenerationParameters[k] = v
	}
	c.Logs = nil
	return &c
}
