package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Info contains information about a client's rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// IngressConfig holds inbound HTTP rate limiting configuration.
type IngressConfig struct {
	Enabled         bool             `envconfig:"ENABLED" default:"true"`
	DefaultLimit    int              `envconfig:"DEFAULT_LIMIT" default:"600"`
	DefaultWindow   time.Duration    `envconfig:"DEFAULT_WINDOW" default:"1m"`
	CleanupInterval time.Duration    `envconfig:"CLEANUP_INTERVAL" default:"5m"`
	Whitelist       []string         `envconfig:"WHITELIST"`
	Blacklist       []string         `envconfig:"BLACKLIST"`
	EndpointConfigs []EndpointConfig `ignored:"true"`
}

// IngressLimiter limits requests per client and endpoint.
type IngressLimiter struct {
	backend     Backend
	memory      *MemoryBackend
	config      IngressConfig
	whitelist   map[string]bool
	blacklist   map[string]bool
	now         func() time.Time
	ticker      *time.Ticker
	cleanupStop chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewIngressLimiter creates an IngressLimiter. A nil backend uses memory and
// starts a cleanup goroutine; call Stop to end it.
func NewIngressLimiter(backend Backend, config IngressConfig) *IngressLimiter {
	if config.EndpointConfigs == nil {
		config.EndpointConfigs = DefaultEndpointConfigs()
	}
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = time.Minute
	}
	l := &IngressLimiter{
		backend:   backend,
		config:    config,
		whitelist: toSet(config.Whitelist),
		blacklist: toSet(config.Blacklist),
		now:       time.Now,
	}
	if l.backend == nil {
		l.memory = NewMemoryBackend()
		l.backend = l.memory
		if config.Enabled && config.CleanupInterval > 0 {
			l.ticker = time.NewTicker(config.CleanupInterval)
			l.cleanupStop = make(chan struct{})
			l.cleanupDone = make(chan struct{})
			go l.cleanup(l.ticker.C, l.cleanupStop, l.cleanupDone)
		}
	}
	return l
}

// Allow checks whether a request from clientID to endpoint is allowed.
func (l *IngressLimiter) Allow(ctx context.Context, clientID, endpoint, method string) (bool, Info) {
	if !l.config.Enabled || l.whitelist[clientID] {
		return true, Info{Allowed: true}
	}
	if l.blacklist[clientID] {
		return false, Info{Allowed: false}
	}

	cfg := MatchEndpoint(endpoint, method, l.config.EndpointConfigs)
	if cfg == nil {
		cfg = &EndpointConfig{Limit: l.config.DefaultLimit, Window: l.config.DefaultWindow}
	}
	if cfg.Limit <= 0 {
		return true, Info{Allowed: true}
	}
	window := cfg.Window
	if window <= 0 {
		window = l.config.DefaultWindow
	}

	key := "client:" + clientID + ":" + cfg.key(endpoint) + ":" + method
	now := l.now()
	d, err := l.backend.Acquire(ctx, key, cfg.Limit, window, now)
	if err != nil {
		// Inbound limiting fails open; outbound budgets are enforced separately.
		return true, Info{Allowed: true, Limit: cfg.Limit}
	}

	info := Info{
		Allowed:   d.Allowed,
		Limit:     cfg.Limit,
		Remaining: max(cfg.Limit-d.Count, 0),
		ResetTime: d.Oldest.Add(window),
	}
	if !d.Allowed {
		info.RetryAfter = max(info.ResetTime.Sub(now), 0)
	}
	return d.Allowed, info
}

func (l *IngressLimiter) cleanup(tick <-chan time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-tick:
			l.memory.Sweep(l.longestWindow(), l.now())
		case <-stop:
			return
		}
	}
}

func (l *IngressLimiter) longestWindow() time.Duration {
	longest := l.config.DefaultWindow
	for _, c := range l.config.EndpointConfigs {
		longest = max(longest, c.Window)
	}
	return longest
}

// Stop stops the cleanup goroutine and waits for it to exit. It is safe to
// call more than once and from several goroutines.
func (l *IngressLimiter) Stop() {
	l.stopOnce.Do(func() {
		if l.ticker == nil {
			return
		}
		l.ticker.Stop()
		close(l.cleanupStop)
		<-l.cleanupDone
	})
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = true
		}
	}
	return set
}
