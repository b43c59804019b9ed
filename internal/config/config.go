package config

import (
	"time"

	"github.com/rickgao/pointsminer/internal/connection"
	"github.com/rickgao/pointsminer/internal/dispatch"
	"github.com/rickgao/pointsminer/internal/handler"
	"github.com/rickgao/pointsminer/internal/poller"
	"github.com/rickgao/pointsminer/internal/prediction"
)

// Config is the root miner configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	API        APIConfig        `yaml:"api"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Prediction PredictionConfig `yaml:"prediction"`
	Poller     PollerConfig     `yaml:"poller"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// PubSubConfig holds PubSub connection pool settings.
type PubSubConfig struct {
	URL                  string        `yaml:"url"`
	MaxConnections       int           `yaml:"max_connections"`
	TopicsPerConnection  int           `yaml:"topics_per_connection"`
	ListenTimeout        time.Duration `yaml:"listen_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay"`
	EventBufferSize      int           `yaml:"event_buffer_size"`
}

// APIConfig holds GQL client settings.
type APIConfig struct {
	URL        string        `yaml:"url"`
	ClientID   string        `yaml:"client_id"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit"` // requests per second
	RateBurst  int           `yaml:"rate_burst"`
}

// DispatchConfig holds event dispatcher settings.
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// PredictionConfig holds bet decision settings.
type PredictionConfig struct {
	Strategy     prediction.Strategy `yaml:"strategy"`
	SmartGap     float64             `yaml:"smart_gap"`
	Stake        prediction.Stake    `yaml:"stake"`
	MinBalance   int                 `yaml:"min_balance"`
	DecisionLead time.Duration       `yaml:"decision_lead"`
	SafetyMargin time.Duration       `yaml:"safety_margin"`
	MaxAttempts  int                 `yaml:"max_attempts"`
	RetryWait    time.Duration       `yaml:"retry_wait"`
	Retention    time.Duration       `yaml:"retention"`
}

// PollerConfig controls the periodic channel points context poll that
// seeds balances and catches bonuses missed while disconnected.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// AccountConfig is one mined account.
type AccountConfig struct {
	Username        string           `yaml:"username"`
	UserID          string           `yaml:"user_id"`
	AuthToken       string           `yaml:"auth_token"`
	RefreshInterval time.Duration    `yaml:"refresh_interval"` // channel list refresh
	Defaults        StreamerSettings `yaml:"defaults"`
	Streamers       []StreamerConfig `yaml:"streamers"`
}

// StreamerSettings are optional overrides of handler.Settings.
type StreamerSettings struct {
	ClaimBonus  *bool `yaml:"claim_bonus"`
	FollowRaids *bool `yaml:"follow_raids"`
	Predictions *bool `yaml:"predictions"`
}

// Apply returns base with the set fields of s.
func (s StreamerSettings) Apply(base handler.Settings) handler.Settings {
	if s.ClaimBonus != nil {
		base.ClaimBonus = *s.ClaimBonus
	}
	if s.FollowRaids != nil {
		base.FollowRaids = *s.FollowRaids
	}
	if s.Predictions != nil {
		base.Predictions = *s.Predictions
	}
	return base
}

// StreamerConfig is one watched channel. ChannelID is looked up from the
// login when empty.
type StreamerConfig struct {
	Login            string `yaml:"login"`
	ChannelID        string `yaml:"channel_id"`
	StreamerSettings `yaml:",inline"`
}

// Settings resolves the streamer settings against the account defaults.
func (a AccountConfig) Settings(s StreamerConfig) handler.Settings {
	return s.Apply(a.Defaults.Apply(handler.DefaultSettings()))
}

// AnalyticsConfig controls balance and prediction recording.
type AnalyticsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// PoolConfig converts the pubsub section for one account.
func (c *Config) PoolConfig(authToken string) connection.PoolConfig {
	p := connection.DefaultPoolConfig()
	p.Conn.Client.URL = c.PubSub.URL
	p.Conn.AuthToken = authToken
	p.Conn.ListenTimeout = c.PubSub.ListenTimeout
	p.Conn.PingInterval = c.PubSub.PingInterval
	p.Conn.PongTimeout = c.PubSub.PongTimeout
	p.Conn.ReconnectBaseWait = c.PubSub.ReconnectBaseDelay
	p.Conn.ReconnectMaxWait = c.PubSub.ReconnectMaxDelay
	p.Conn.MaxReconnectAttempts = c.PubSub.MaxReconnectAttempts
	p.MaxConnections = c.PubSub.MaxConnections
	p.TopicsPerConnection = c.PubSub.TopicsPerConnection
	p.RetryBaseWait = c.PubSub.RetryBaseDelay
	p.RetryMaxWait = c.PubSub.RetryMaxDelay
	p.EventBufferSize = c.PubSub.EventBufferSize
	return p
}

// DispatcherConfig converts the dispatch section.
func (c *Config) DispatcherConfig() dispatch.Config {
	return dispatch.Config{QueueSize: c.Dispatch.QueueSize}
}

// EngineConfig converts the prediction section.
func (c *Config) EngineConfig() prediction.Config {
	p := c.Prediction
	return prediction.Config{
		Strategy:     p.Strategy,
		SmartGap:     p.SmartGap,
		Stake:        p.Stake,
		MinBalance:   p.MinBalance,
		DecisionLead: p.DecisionLead,
		SafetyMargin: p.SafetyMargin,
		MaxAttempts:  p.MaxAttempts,
		RetryWait:    p.RetryWait,
		Retention:    p.Retention,
	}
}

// PollerSettings converts the poller section.
func (c *Config) PollerSettings() poller.Config {
	return poller.Config{
		Interval:    c.Poller.Interval,
		Concurrency: c.Poller.Concurrency,
		Timeout:     c.Poller.Timeout,
	}
}
