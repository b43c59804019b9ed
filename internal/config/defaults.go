package config

import (
	"time"

	"github.com/rickgao/pointsminer/internal/api"
	"github.com/rickgao/pointsminer/internal/connection"
	"github.com/rickgao/pointsminer/internal/poller"
	"github.com/rickgao/pointsminer/internal/prediction"
)

// Default values for optional configuration fields.
const (
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultMaxConnections       = 50
	DefaultTopicsPerConnection  = 50
	DefaultListenTimeout        = 10 * time.Second
	DefaultPingInterval         = 25 * time.Second
	DefaultPongTimeout          = 5 * time.Minute
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 60 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultRetryBaseDelay       = 1 * time.Second
	DefaultRetryMaxDelay        = 60 * time.Second
	DefaultEventBufferSize      = 10000
	DefaultAPITimeout           = 15 * time.Second
	DefaultMaxRetries           = 3
	DefaultRateLimit            = 5.0
	DefaultRateBurst            = 10
	DefaultQueueSize            = 256
	DefaultRefreshInterval      = 10 * time.Minute
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 5 * time.Second
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *Config) applyDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// PubSub defaults
	if c.PubSub.URL == "" {
		c.PubSub.URL = connection.DefaultURL
	}
	if c.PubSub.MaxConnections == 0 {
		c.PubSub.MaxConnections = DefaultMaxConnections
	}
	if c.PubSub.TopicsPerConnection == 0 {
		c.PubSub.TopicsPerConnection = DefaultTopicsPerConnection
	}
	if c.PubSub.ListenTimeout == 0 {
		c.PubSub.ListenTimeout = DefaultListenTimeout
	}
	if c.PubSub.PingInterval == 0 {
		c.PubSub.PingInterval = DefaultPingInterval
	}
	if c.PubSub.PongTimeout == 0 {
		c.PubSub.PongTimeout = DefaultPongTimeout
	}
	if c.PubSub.ReconnectBaseDelay == 0 {
		c.PubSub.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.PubSub.ReconnectMaxDelay == 0 {
		c.PubSub.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.PubSub.MaxReconnectAttempts == 0 {
		c.PubSub.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.PubSub.RetryBaseDelay == 0 {
		c.PubSub.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.PubSub.RetryMaxDelay == 0 {
		c.PubSub.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.PubSub.EventBufferSize == 0 {
		c.PubSub.EventBufferSize = DefaultEventBufferSize
	}

	// API defaults
	if c.API.URL == "" {
		c.API.URL = api.DefaultURL
	}
	if c.API.ClientID == "" {
		c.API.ClientID = api.DefaultClientID
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = DefaultRateLimit
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = DefaultRateBurst
	}

	if c.Dispatch.QueueSize == 0 {
		c.Dispatch.QueueSize = DefaultQueueSize
	}

	c.applyPredictionDefaults()

	pd := poller.DefaultConfig()
	if c.Poller.Interval == 0 {
		c.Poller.Interval = pd.Interval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = pd.Concurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = pd.Timeout
	}

	for i := range c.Accounts {
		if c.Accounts[i].RefreshInterval == 0 {
			c.Accounts[i].RefreshInterval = DefaultRefreshInterval
		}
	}

	// Analytics defaults
	applyDBDefaults(&c.Analytics.Database)
	if c.Analytics.BatchSize == 0 {
		c.Analytics.BatchSize = DefaultBatchSize
	}
	if c.Analytics.FlushInterval == 0 {
		c.Analytics.FlushInterval = DefaultFlushInterval
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func (c *Config) applyPredictionDefaults() {
	def := prediction.DefaultConfig()
	p := &c.Prediction

	if p.Strategy == "" {
		p.Strategy = def.Strategy
	}
	if p.SmartGap == 0 {
		p.SmartGap = def.SmartGap
	}
	if p.Stake.Mode == "" {
		p.Stake.Mode = def.Stake.Mode
	}
	if p.Stake.Percentage == 0 {
		p.Stake.Percentage = def.Stake.Percentage
	}
	if p.Stake.KellyFraction == 0 {
		p.Stake.KellyFraction = def.Stake.KellyFraction
	}
	if p.Stake.MaxPoints == 0 {
		p.Stake.MaxPoints = def.Stake.MaxPoints
	}
	if p.Stake.MinPoints == 0 {
		p.Stake.MinPoints = def.Stake.MinPoints
	}
	if p.DecisionLead == 0 {
		p.DecisionLead = def.DecisionLead
	}
	if p.SafetyMargin == 0 {
		p.SafetyMargin = def.SafetyMargin
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RetryWait == 0 {
		p.RetryWait = def.RetryWait
	}
	if p.Retention == 0 {
		p.Retention = def.Retention
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
