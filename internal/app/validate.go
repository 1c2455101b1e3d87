package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"relaybot/internal/config"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a parsed config before it is committed, both at startup
// and on hot reload.
func Validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	durations := []struct {
		name string
		raw  string
	}{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"provision.http_timeout", cfg.Provision.HTTPTimeout},
		{"watcher.interval", cfg.Watcher.Interval},
		{"watcher.jitter", cfg.Watcher.Jitter},
		{"sessions.idle_ttl", cfg.Sessions.IdleTTL},
		{"relay.retry_base", cfg.Relay.RetryBase},
		{"relay.retry_max_delay", cfg.Relay.RetryMaxDelay},
	}
	for _, d := range durations {
		if _, err := config.ParseDurationField(d.name, d.raw); err != nil {
			return err
		}
	}

	if cfg.Janitor.Enabled && strings.TrimSpace(cfg.Janitor.Schedule) != "" {
		if _, err := cronParser.Parse(cfg.Janitor.Schedule); err != nil {
			return fmt.Errorf("janitor.schedule: %w", err)
		}
	}
	return nil
}
