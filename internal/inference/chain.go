package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/metrics"
	"github.com/jonathan/story-illustrator/internal/retry"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 60 * time.Second

// Options configures a capability client.
type Options struct {
	Limiter     Limiter
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout is the hard deadline of one attempt. Expiry is transient.
	Timeout time.Duration
	// Window receives one observation per call for health reporting.
	Window *metrics.CallWindow
	Logger *zap.Logger
	// Sleep replaces the retry backoff sleep, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// AttemptRecord is one provider attempt inside a call.
type AttemptRecord struct {
	Model ModelRef
	// Number counts attempts across the whole call, starting at 1.
	Number int
	// ModelAttempt counts attempts on Model, starting at 1.
	ModelAttempt int
	Succeeded    bool
	ErrorKind    Kind
	ErrorMessage string
	StartedAt    time.Time
	Duration     time.Duration
}

// Outcome summarises how a call was served.
type Outcome struct {
	ModelUsed    ModelRef
	FallbackUsed bool
	AttemptCount int
	Attempts     []AttemptRecord
}

type step[B any] struct {
	model   ModelRef
	backend B
}

// client holds the resolved model chain of one capability.
type client[B any] struct {
	name   string
	steps  []step[B]
	opts   Options
	logger *zap.Logger
}

func newClient[B any](name string, models []ModelRef, backends map[string]B, opts Options) (*client[B], error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("%s: at least one model is required", name)
	}
	steps := make([]step[B], 0, len(models))
	for _, m := range models {
		b, ok := backends[m.Service]
		if !ok {
			return nil, fmt.Errorf("%s: no backend registered for service %q (model %s)", name, m.Service, m)
		}
		steps = append(steps, step[B]{model: m, backend: b})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &client[B]{
		name:   name,
		steps:  steps,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With(zap.String("component", name)),
	}, nil
}

// Name returns the capability name.
func (c *client[B]) Name() string {
	return c.name
}

// Models returns the chain in the order it is tried.
func (c *client[B]) Models() []ModelRef {
	out := make([]ModelRef, len(c.steps))
	for i, s := range c.steps {
		out[i] = s.model
	}
	return out
}

// CheckModelStatus probes one model of the chain. Models outside the chain
// and backends without a probe report Unknown.
func (c *client[B]) CheckModelStatus(ctx context.Context, model ModelRef) ModelStatus {
	for _, s := range c.steps {
		if s.model != model {
			continue
		}
		if p, ok := any(s.backend).(StatusProber); ok {
			return p.ModelStatus(ctx, model.Name)
		}
		return StatusUnknown
	}
	return StatusUnknown
}

func (c *client[B]) ordered(hint string) []step[B] {
	if hint == "" {
		return c.steps
	}
	for i, s := range c.steps {
		if s.model.String() == hint || s.model.Name == hint {
			out := make([]step[B], 0, len(c.steps))
			out = append(out, s)
			out = append(out, c.steps[:i]...)
			return append(out, c.steps[i+1:]...)
		}
	}
	return c.steps
}

// run walks the chain. Each model gets its own retry sequence. A rate
// limited or exhausted model hands over to the next one; invalid input ends
// the call since no other model would accept it either.
func run[B, T any](ctx context.Context, c *client[B], hint string, call func(ctx context.Context, b B, model string) (T, error)) (T, Outcome, error) {
	var zero T
	var out Outcome
	var lastErr error

	steps := c.ordered(hint)
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		m := s.model
		policy := retry.Policy{
			MaxAttempts: c.opts.MaxAttempts,
			BaseDelay:   c.opts.BaseDelay,
			MaxDelay:    c.opts.MaxDelay,
			Classify:    Classify,
			Sleep:       c.opts.Sleep,
			OnAttempt: func(a retry.Attempt) {
				rec := AttemptRecord{
					Model:        m,
					Number:       len(out.Attempts) + 1,
					ModelAttempt: a.Number,
					Succeeded:    a.Err == nil,
					StartedAt:    time.Now().Add(-a.Duration),
					Duration:     a.Duration,
				}
				outcome := "success"
				if a.Err != nil {
					rec.ErrorKind = KindOf(a.Err)
					rec.ErrorMessage = a.Err.Error()
					outcome = string(rec.ErrorKind)
				}
				out.Attempts = append(out.Attempts, rec)
				metrics.InferenceRequests.WithLabelValues(m.Service, m.Name, outcome).Inc()
				metrics.InferenceDuration.WithLabelValues(m.Service, m.Name).Observe(a.Duration.Seconds())
			},
		}

		value, _, err := retry.Execute(ctx, policy, func(ctx context.Context, _ int) (T, error) {
			return attempt(ctx, c, s, call)
		})
		out.AttemptCount = len(out.Attempts)
		if err == nil {
			out.ModelUsed = m
			out.FallbackUsed = i > 0
			c.observe(false)
			c.logger.Debug("inference call succeeded",
				zap.String("model", m.String()),
				zap.Int("attempts", out.AttemptCount),
				zap.Bool("fallback_used", out.FallbackUsed))
			return value, out, nil
		}

		lastErr = err
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			metrics.RetryExhaustions.WithLabelValues(m.Service, m.Name).Inc()
		}
		if KindOf(err) == KindInvalidInput {
			c.observe(false)
			return zero, out, &Error{Kind: KindInvalidInput, Model: m.String(), Cause: err}
		}
		c.logger.Warn("model failed, trying next",
			zap.String("model", m.String()),
			zap.String("error_kind", string(KindOf(err))),
			zap.Error(err))
	}

	c.observe(true)
	final := &Error{
		Kind:    KindAllModelsExhausted,
		Message: fmt.Sprintf("%s: %d models tried", c.name, len(steps)),
		Cause:   lastErr,
	}
	if n := len(out.Attempts); n > 0 {
		out.Attempts[n-1].ErrorKind = KindAllModelsExhausted
	}
	return zero, out, final
}

// attempt performs one gated, time-boxed provider call.
func attempt[B, T any](ctx context.Context, c *client[B], s step[B], call func(ctx context.Context, b B, model string) (T, error)) (T, error) {
	var zero T
	if c.opts.Limiter != nil && !c.opts.Limiter.TryAcquire(ctx, s.model.Service) {
		return zero, &Error{
			Kind:    KindRateLimitExceeded,
			Model:   s.model.String(),
			Message: "hourly budget exhausted for " + s.model.Service,
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	value, err := call(actx, s.backend, s.model.Name)
	if err == nil {
		return value, nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return zero, &Error{Kind: KindTimeout, Model: s.model.String(), Message: "attempt deadline exceeded", Cause: err}
	}
	var ie *Error
	if errors.As(err, &ie) {
		return zero, err
	}
	return zero, &Error{Kind: KindOf(err), Model: s.model.String(), Cause: err}
}

func (c *client[B]) observe(exhausted bool) {
	if c.opts.Window != nil {
		c.opts.Window.Observe(c.name, exhausted)
	}
}
