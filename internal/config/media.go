package config

import (
	"fmt"
	"time"
)

// minSecretLength is the shortest accepted media signing secret.
const minSecretLength = 16

// MediaConfig holds artifact storage and signed URL settings.
type MediaConfig struct {
	Root string `envconfig:"ROOT" default:"media"`
	// SigningSecret enables signed media URLs. Empty serves media unsigned.
	SigningSecret string        `envconfig:"SIGNING_SECRET"`
	URLTTL        time.Duration `envconfig:"URL_TTL" default:"24h"`
}

// normalize validates the configuration.
func (c *MediaConfig) normalize() error {
	if c.Root == "" {
		return fmt.Errorf("config error: media root cannot be empty")
	}
	if c.SigningSecret != "" && len(c.SigningSecret) < minSecretLength {
		return fmt.Errorf("config error: media signing secret must be at least %d characters, got: %d", minSecretLength, len(c.SigningSecret))
	}
	if c.URLTTL < time.Minute {
		return fmt.Errorf("config error: media URL TTL must be at least 1 minute, got: %s", c.URLTTL)
	}
	return nil
}
