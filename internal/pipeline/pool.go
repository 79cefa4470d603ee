package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/story-illustrator/internal/db"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/metrics"
	"github.com/jonathan/story-illustrator/internal/types"
)

// Dispatcher hands a submitted story to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, id uuid.UUID) error
}

// Pool bounds the number of concurrent runs.
type Pool struct {
	runner *Runner
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates a pool running at most size stories at once.
func NewPool(runner *Runner, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logging.OrNop(logger).With(zap.String("component", "pool")),
	}
}

// Runner returns the pool's runner.
func (p *Pool) Runner() *Runner {
	return p.runner
}

// Run waits for a free slot and runs the story.
func (p *Pool) Run(ctx context.Context, id uuid.UUID, opts RunOptions) (*db.Story, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	metrics.PipelineInFlight.Inc()
	defer metrics.PipelineInFlight.Dec()
	return p.runner.Run(ctx, id, opts)
}

// Dispatch runs the story in the background. The run is detached from ctx.
func (p *Pool) Dispatch(ctx context.Context, id uuid.UUID) error {
	detached := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.Run(detached, id, RunOptions{}); err != nil && !errors.Is(err, ErrAlreadyClaimed) {
			p.logger.Error("background run failed", zap.String("story_id", id.String()), zap.Error(err))
		}
	}()
	return nil
}

// Generate submits a request and runs it to completion. A request whose
// idempotency key was seen before returns the stored story without running.
func (p *Pool) Generate(ctx context.Context, req *types.GenerateRequest, opts RunOptions) (*db.Story, error) {
	story, created, err := p.runner.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return p.runner.Load(ctx, story.ID)
	}
	final, err := p.Run(ctx, story.ID, opts)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Cancelled while waiting for a slot. The runner stops at its first
		// stage boundary, which records the story as failed.
		return p.runner.Run(ctx, story.ID, opts)
	}
	return final, err
}

// Enqueue submits a request and hands it to d without waiting for the run.
func (p *Pool) Enqueue(ctx context.Context, req *types.GenerateRequest, d Dispatcher) (*db.Story, error) {
	story, created, err := p.runner.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return p.runner.Load(ctx, story.ID)
	}
	if d == nil {
		d = p
	}
	if err := d.Dispatch(ctx, story.ID); err != nil {
		return nil, err
	}
	return story, nil
}

// Wait blocks until every background run has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
