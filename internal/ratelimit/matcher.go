package ratelimit

import (
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
}

// key groups prefix-matched paths under the configured prefix so one budget
// covers every story id.
func (c *EndpointConfig) key(path string) string {
	if c.Path != "" {
		return c.Path
	}
	return path
}

// DefaultEndpointConfigs returns the endpoint-specific limits.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Generation fans out to paid inference services.
		{Path: "/stories/generate", Method: "POST", Limit: 30, Window: time.Hour},
		{Path: "/stories/generate/stream", Method: "POST", Limit: 30, Window: time.Hour},

		{Path: "/stories/", Method: "DELETE", Limit: 60, Window: time.Minute},
	}
}

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns the matching EndpointConfig or nil if no match is found.
// Path matching supports prefix matching (e.g., "/stories/" matches "/stories/{id}").
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	// Probes and scrapes are unlimited.
	if method == "GET" && (path == "/health" || path == "/metrics") {
		return &EndpointConfig{Limit: 0}
	}

	for i := range configs {
		config := &configs[i]
		if config.Path == path && config.Method == method {
			return config
		}
	}

	for i := range configs {
		config := &configs[i]
		if config.Method == method && strings.HasSuffix(config.Path, "/") && strings.HasPrefix(path, config.Path) {
			return config
		}
	}

	return nil
}
