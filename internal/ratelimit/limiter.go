package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/metrics"
)

// Defaults for the per-service limiter.
const (
	DefaultBudget = 1000
	DefaultWindow = time.Hour
)

// Config holds per-service budgets.
type Config struct {
	DefaultBudget int           `envconfig:"DEFAULT_BUDGET" default:"1000"`
	Window        time.Duration `envconfig:"WINDOW" default:"1h"`
	// Budgets overrides DefaultBudget per service name.
	Budgets map[string]int `envconfig:"BUDGETS"`
}

// Limiter grants outbound calls per service within a rolling window. A
// denial never blocks.
type Limiter struct {
	backend Backend
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for backend failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a Limiter over backend. A nil backend uses memory.
func NewLimiter(backend Backend, cfg Config, opts ...Option) *Limiter {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if cfg.DefaultBudget <= 0 {
		cfg.DefaultBudget = DefaultBudget
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	l := &Limiter{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger).With(zap.String("component", "ratelimit"))
	return l
}

// Budget returns the hourly budget configured for service.
func (l *Limiter) Budget(service string) int {
	if b, ok := l.cfg.Budgets[service]; ok && b > 0 {
		return b
	}
	return l.cfg.DefaultBudget
}

// Window returns the rolling window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// TryAcquire consumes one unit of service's budget if any is left. Backend
// errors deny the call so a broken backend cannot overrun a budget.
func (l *Limiter) TryAcquire(ctx context.Context, service string) bool {
	d, err := l.backend.Acquire(ctx, serviceKey(service), l.Budget(service), l.cfg.Window, l.now())
	if err != nil {
		l.logger.Warn("rate limit backend failed, denying call",
			zap.String("service", service), zap.Error(err))
		metrics.RateLimitDecisions.WithLabelValues(service, "error").Inc()
		return false
	}
	if !d.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(service, "denied").Inc()
		l.logger.Debug("rate limit exceeded",
			zap.String("service", service), zap.Int("count", d.Count), zap.Int("budget", l.Budget(service)))
		return false
	}
	metrics.RateLimitDecisions.WithLabelValues(service, "granted").Inc()
	return true
}

// Utilization returns the used share of service's budget in the current
// window, between 0 and 1.
func (l *Limiter) Utilization(ctx context.Context, service string) (float64, error) {
	n, err := l.backend.Count(ctx, serviceKey(service), l.cfg.Window, l.now())
	if err != nil {
		return 0, err
	}
	u := float64(n) / float64(l.Budget(service))
	return min(u, 1), nil
}

func serviceKey(service string) string {
	return "service:" + service
}
