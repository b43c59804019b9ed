package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultURL is the Twitch GQL endpoint.
const DefaultURL = "https://gql.twitch.tv/gql"

// DefaultClientID is the client ID of the Twitch web player.
const DefaultClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

// Client performs account actions over Twitch GQL.
type Client struct {
	baseURL    string
	clientID   string
	authToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new GQL client.
func NewClient(baseURL, clientID, authToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   baseURL,
		clientID:  clientID,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter:      rate.NewLimiter(5, 10),
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithRateLimit sets the request rate. A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
