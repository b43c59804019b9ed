package config

import (
	"fmt"
	"strings"

	"github.com/rickgao/pointsminer/internal/prediction"
)

// ConfigurationError reports an invalid or missing setting.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return e.Field + " " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if !strings.HasPrefix(c.PubSub.URL, "ws://") && !strings.HasPrefix(c.PubSub.URL, "wss://") {
		return invalid("pubsub.url", "must be a ws:// or wss:// URL")
	}
	if c.PubSub.MaxConnections < 1 {
		return invalid("pubsub.max_connections", "must be >= 1")
	}
	if c.PubSub.TopicsPerConnection < 1 {
		return invalid("pubsub.topics_per_connection", "must be >= 1")
	}
	if c.PubSub.ReconnectBaseDelay > c.PubSub.ReconnectMaxDelay {
		return invalid("pubsub.reconnect_base_delay", "cannot exceed reconnect_max_delay")
	}

	if err := c.validatePrediction(); err != nil {
		return err
	}

	if len(c.Accounts) == 0 {
		return invalid("accounts", "must list at least one account")
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		prefix := fmt.Sprintf("accounts[%d]", i)
		if a.Username == "" {
			return invalid(prefix+".username", "is required")
		}
		if seen[a.Username] {
			return invalid(prefix+".username", "duplicates %q", a.Username)
		}
		seen[a.Username] = true
		if a.UserID == "" {
			return invalid(prefix+".user_id", "is required")
		}
		if a.AuthToken == "" {
			return invalid(prefix+".auth_token", "is required")
		}
		for j, s := range a.Streamers {
			if s.Login == "" {
				return invalid(fmt.Sprintf("%s.streamers[%d].login", prefix, j), "is required")
			}
		}
	}

	if c.Analytics.Enabled {
		if err := c.Analytics.Database.validate("analytics.database"); err != nil {
			return err
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return invalid("metrics.port", "must be between 1 and 65535")
	}

	return nil
}

func (c *Config) validatePrediction() error {
	p := c.Prediction
	if !p.Strategy.Valid() {
		return invalid("prediction.strategy", "unknown strategy %q", p.Strategy)
	}
	if !p.Stake.Mode.Valid() {
		return invalid("prediction.stake.mode", "unknown mode %q", p.Stake.Mode)
	}
	if p.Stake.Percentage <= 0 || p.Stake.Percentage > 100 {
		return invalid("prediction.stake.percentage", "must be in (0, 100]")
	}
	if p.Stake.KellyFraction <= 0 || p.Stake.KellyFraction > 1 {
		return invalid("prediction.stake.kelly_fraction", "must be in (0, 1]")
	}
	if p.Stake.Mode == prediction.StakeConstant && p.Stake.Constant < 1 {
		return invalid("prediction.stake.constant", "must be >= 1 in constant mode")
	}
	if p.SafetyMargin >= p.DecisionLead {
		return invalid("prediction.safety_margin", "(%s) must be below decision_lead (%s)", p.SafetyMargin, p.DecisionLead)
	}
	if p.MaxAttempts < 1 {
		return invalid("prediction.max_attempts", "must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return invalid(prefix+".host", "is required")
	}
	if db.Name == "" {
		return invalid(prefix+".name", "is required")
	}
	if db.User == "" {
		return invalid(prefix+".user", "is required")
	}
	if db.MaxConns < 1 {
		return invalid(prefix+".max_conns", "must be >= 1")
	}
	if db.MinConns < 0 {
		return invalid(prefix+".min_conns", "must be >= 0")
	}
	if db.MinConns > db.MaxConns {
		return invalid(prefix+".min_conns", "(%d) cannot exceed max_conns (%d)", db.MinConns, db.MaxConns)
	}
	return nil
}
