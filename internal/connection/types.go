package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrListenTimeout   = errors.New("listen ack timeout")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrServerReconnect = errors.New("server requested reconnect")
	ErrPoolExhausted   = errors.New("connection pool exhausted")
	ErrNoHealthyConn   = errors.New("no healthy connection with free capacity")
	ErrPoolStopped     = errors.New("pool stopped")
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// State is the lifecycle state of a Conn.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StateChange is a lifecycle transition reported by a Conn.
type StateChange struct {
	ConnID int
	From   State
	To     State
	Err    error // cause of the transition, if any
	Lost   bool  // true when the connection gave up reconnecting
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://pubsub-edge.twitch.tv/v1)
	HandshakeTimeout time.Duration // Dial handshake timeout
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:              DefaultURL,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// DefaultURL is the Twitch PubSub endpoint.
const DefaultURL = "wss://pubsub-edge.twitch.tv/v1"

// ConnConfig configures a PubSub connection.
type ConnConfig struct {
	Client               ClientConfig
	AuthToken            string        // OAuth token sent with LISTEN
	ListenTimeout        time.Duration // Max wait for a LISTEN/UNLISTEN RESPONSE
	PingInterval         time.Duration // Interval between PING frames
	PongTimeout          time.Duration // Max time without PONG or traffic before reconnecting
	ReconnectBaseWait    time.Duration // Base wait time for reconnection
	ReconnectMaxWait     time.Duration // Max wait time for reconnection
	MaxReconnectAttempts int           // Attempts before the connection is reported lost
	EventBufferSize      int           // Buffer size for decoded events
}

// DefaultConnConfig returns sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		Client:               DefaultClientConfig(),
		ListenTimeout:        10 * time.Second,
		PingInterval:         25 * time.Second,
		PongTimeout:          5 * time.Minute,
		ReconnectBaseWait:    1 * time.Second,
		ReconnectMaxWait:     60 * time.Second,
		MaxReconnectAttempts: 5,
		EventBufferSize:      1000,
	}
}

// PoolConfig configures the connection Pool.
type PoolConfig struct {
	Conn                ConnConfig
	MaxConnections      int           // Ceiling on open connections
	TopicsPerConnection int           // Per-connection topic capacity
	RetryBaseWait       time.Duration // Base wait for re-placing pending topics
	RetryMaxWait        time.Duration // Max wait for re-placing pending topics
	EventBufferSize     int           // Buffer size for the merged event channel
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Conn:                DefaultConnConfig(),
		MaxConnections:      50,
		TopicsPerConnection: 50,
		RetryBaseWait:       1 * time.Second,
		RetryMaxWait:        60 * time.Second,
		EventBufferSize:     10000,
	}
}

// Status is a snapshot of the pool.
type Status struct {
	Connections int        `json:"connections"`
	Topics      int        `json:"topics"`
	Pending     int        `json:"pending"`
	Load        []ConnLoad `json:"load"`
}

// ConnLoad describes one connection in a Status.
type ConnLoad struct {
	ID      int    `json:"id"`
	State   string `json:"state"`
	Healthy bool   `json:"healthy"`
	Topics  int    `json:"topics"`
}
