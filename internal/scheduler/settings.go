package scheduler

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/tally/internal/config"
)

const (
	// DefaultMaxRetries is how often an infra failure is retried before the
	// attempt is recorded as failed.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the first backoff interval.
	DefaultBaseDelay = 200 * time.Millisecond
	// DefaultMaxDelay caps the backoff interval.
	DefaultMaxDelay = 5 * time.Second
)

// Settings captures the retry policy for infrastructure failures.
type Settings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// SettingsFromConfig builds Settings from the retry section and TALLY_RETRY_* overrides.
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
	if cfg != nil {
		raw := cfg.Project.Retry
		settings.MaxRetries = raw.Retries()
		if raw.BaseDelay > 0 {
			settings.BaseDelay = raw.BaseDelay
		}
		if raw.MaxDelay > 0 {
			settings.MaxDelay = raw.MaxDelay
		}
	}
	settings.applyEnvOverrides()
	settings.normalize()
	return settings
}

func (s *Settings) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("TALLY_RETRY_MAX")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			s.MaxRetries = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("TALLY_RETRY_BASE_DELAY")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			s.BaseDelay = parsed
		}
	}
}

func (s *Settings) normalize() {
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = DefaultBaseDelay
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}
}

// Backoff returns the wait before the given retry (1-based): base doubled per
// retry, capped at MaxDelay.
func (s Settings) Backoff(retry int) time.Duration {
	if retry <= 0 {
		return 0
	}
	delay := s.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if delay > s.MaxDelay {
		return s.MaxDelay
	}
	return delay
}
