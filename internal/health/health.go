// Package health aggregates the health of the store, the file storage and
// every inference capability into one report.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/story-illustrator/internal/inference"
	"github.com/jonathan/story-illustrator/internal/logging"
	"github.com/jonathan/story-illustrator/internal/metrics"
)

// Status is a health level.
type Status string

const (
	Available   Status = "available"
	Degraded    Status = "degraded"
	Unavailable Status = "unavailable"
)

// Service keys that are not capabilities.
const (
	ServiceDatabase    = "database"
	ServiceFileStorage = "file_storage"
)

// ServiceHealth is the health of one service.
type ServiceHealth struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
	// Models maps each model of a capability's chain to its probe result.
	Models map[string]inference.ModelStatus `json:"models,omitempty"`
	// Utilization maps each backing service to its share of the hourly budget.
	Utilization    map[string]float64 `json:"utilization,omitempty"`
	ExhaustionRate *float64           `json:"exhaustion_rate,omitempty"`
}

// Result is a health report.
type Result struct {
	Status    Status                   `json:"status"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp time.Time                `json:"timestamp"`
}

// Pinger reports whether the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker reports whether artifacts can be written.
type StorageChecker interface {
	Check() error
}

// UtilizationReporter reports a backing service's limiter utilisation.
type UtilizationReporter interface {
	Utilization(ctx context.Context, service string) (float64, error)
}

// Config holds the degradation thresholds.
type Config struct {
	UtilizationThreshold float64       `envconfig:"UTILIZATION_THRESHOLD" default:"0.9"`
	ExhaustionThreshold  float64       `envconfig:"EXHAUSTION_THRESHOLD" default:"0.5"`
	MinSamples           int           `envconfig:"MIN_SAMPLES" default:"5"`
	Timeout              time.Duration `envconfig:"TIMEOUT" default:"5s"`
}

// Deps are the checked components. Nil components are left out.
type Deps struct {
	Database     Pinger
	Storage      StorageChecker
	Capabilities []inference.Capability
	Limiter      UtilizationReporter
	Window       *metrics.CallWindow
	Logger       *zap.Logger
}

// Checker builds health reports.
type Checker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(deps Deps, cfg Config) *Checker {
	if cfg.UtilizationThreshold <= 0 {
		cfg.UtilizationThreshold = 0.9
	}
	if cfg.ExhaustionThreshold <= 0 {
		cfg.ExhaustionThreshold = 0.5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Checker{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(deps.Logger).With(zap.String("component", "health")),
		now:    time.Now,
	}
}

// Check probes every component concurrently. The overall status is
// unavailable when the database or file storage is down, degraded when any
// service is not fully available, and available otherwise.
func (c *Checker) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	services := map[string]ServiceHealth{}
	set := func(name string, h ServiceHealth) {
		mu.Lock()
		services[name] = h
		mu.Unlock()
	}

	var g errgroup.Group
	if c.deps.Database != nil {
		g.Go(func() error {
			set(ServiceDatabase, probe(func() error { return c.deps.Database.Ping(ctx) }))
			return nil
		})
	}
	if c.deps.Storage != nil {
		g.Go(func() error {
			set(ServiceFileStorage, probe(c.deps.Storage.Check))
			return nil
		})
	}
	for _, capability := range c.deps.Capabilities {
		g.Go(func() error {
			set(capability.Name(), c.checkCapability(ctx, capability))
			return nil
		})
	}
	_ = g.Wait()

	overall := Available
	for name, h := range services {
		if h.Status == Available {
			continue
		}
		if h.Status == Unavailable && (name == ServiceDatabase || name == ServiceFileStorage) {
			overall = Unavailable
			break
		}
		overall = Degraded
	}
	if overall != Available {
		c.logger.Warn("health check not available", zap.String("status", string(overall)))
	}
	return Result{Status: overall, Services: services, Timestamp: c.now().UTC()}
}

func probe(fn func() error) ServiceHealth {
	if err := fn(); err != nil {
		return ServiceHealth{Status: Unavailable, Error: err.Error()}
	}
	return ServiceHealth{Status: Available}
}

func (c *Checker) checkCapability(ctx context.Context, capability inference.Capability) ServiceHealth {
	h := ServiceHealth{Status: Available, Models: map[string]inference.ModelStatus{}}
	models := capability.Models()

	var mu sync.Mutex
	var g errgroup.Group
	for _, m := range models {
		g.Go(func() error {
			status := capability.CheckModelStatus(ctx, m)
			mu.Lock()
			h.Models[m.String()] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	unreachable := 0
	for _, s := range h.Models {
		if s == inference.StatusUnavailable {
			unreachable++
		}
	}
	if len(models) > 0 && unreachable == len(models) {
		h.Status = Unavailable
		h.Error = "every model in the chain is unreachable"
		return h
	}

	if c.deps.Limiter != nil {
		for _, svc := range backingServices(models) {
			u, err := c.deps.Limiter.Utilization(ctx, svc)
			if err != nil {
				c.logger.Debug("utilization unavailable", zap.String("service", svc), zap.Error(err))
				continue
			}
			if h.Utilization == nil {
				h.Utilization = map[string]float64{}
			}
			h.Utilization[svc] = u
			if u > c.cfg.UtilizationThreshold {
				h.Status = Degraded
			}
		}
	}

	if c.deps.Window != nil {
		rate, n := c.deps.Window.ExhaustionRate(capability.Name())
		if n > 0 {
			h.ExhaustionRate = &rate
		}
		if n >= c.cfg.MinSamples && rate > c.cfg.ExhaustionThreshold {
			h.Status = Degraded
		}
	}
	return h
}

func backingServices(models []inference.ModelRef) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range models {
		if !seen[m.Service] {
			seen[m.Service] = true
			out = append(out, m.Service)
		}
	}
	sort.Strings(out)
	return out
}
