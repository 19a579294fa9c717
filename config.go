package sagex

import (
	"errors"
	"time"
)

// Config is the top-level client configuration.
type Config struct {
	// APIBaseURL is the base URL of the rules service.
	APIBaseURL string `json:"apiBaseUrl"`

	// AuthToken is the bearer credential attached to every request and to
	// the event-stream open call. The client only uses tokens; it never
	// issues or refreshes them.
	AuthToken string `json:"authToken"`

	Network NetworkConfig `json:"network"`
	Cache   CacheConfig   `json:"cache"`
	Rules   RulesConfig   `json:"rules"`
}

// NetworkConfig holds connection and retry settings.
type NetworkConfig struct {
	// ConnectTimeout bounds channel open plus the initialize handshake.
	ConnectTimeout time.Duration `json:"connectTimeout"`

	// RequestTimeout bounds an individual request's wait for its response.
	RequestTimeout time.Duration `json:"requestTimeout"`

	// MaxRetries is the reconnection attempt budget. Once exhausted the
	// session transitions to Closed.
	MaxRetries int `json:"maxRetries"`

	// RetryDelay is the initial backoff delay; it doubles per attempt.
	RetryDelay time.Duration `json:"retryDelay"`

	UserAgent     string            `json:"userAgent,omitempty"`
	CustomHeaders map[string]string `json:"customHeaders,omitempty"`
}

// CacheConfig holds rule-cache settings.
type CacheConfig struct {
	// DefaultTTL bounds how long a cached rule payload is considered fresh
	// even when its version tag still matches. Zero disables the bound.
	DefaultTTL time.Duration `json:"defaultTtl"`
}

// ExecutionMode selects how rule actions affect the agent context.
type ExecutionMode string

// Available execution modes.
const (
	// ExecutionApply mutates the agent context's facts.
	ExecutionApply ExecutionMode = "apply"
	// ExecutionDryRun evaluates conditions and records results without
	// mutating any fact.
	ExecutionDryRun ExecutionMode = "dry-run"
)

// RulesConfig holds rule-engine settings.
type RulesConfig struct {
	// AutoApply re-evaluates rules automatically when the event stream
	// delivers fact updates during monitoring.
	AutoApply bool `json:"autoApply"`

	ExecutionMode ExecutionMode `json:"executionMode"`
}

// DefaultConfig returns a configuration with production defaults. The caller
// still has to fill in APIBaseURL and AuthToken.
func DefaultConfig() Config {
	return Config{
		Network: NetworkConfig{
			ConnectTimeout: 30 * time.Second,
			RequestTimeout: 60 * time.Second,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			UserAgent:      "sagex-go/" + Version,
		},
		Cache: CacheConfig{
			DefaultTTL: time.Hour,
		},
		Rules: RulesConfig{
			AutoApply:     true,
			ExecutionMode: ExecutionApply,
		},
	}
}

// Version of the client library.
const Version = "0.1.0"

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Network.ConnectTimeout <= 0 {
		return errors.New("network.connectTimeout must be positive")
	}
	if c.Network.RequestTimeout <= 0 {
		return errors.New("network.requestTimeout must be positive")
	}
	if c.Network.MaxRetries < 0 {
		return errors.New("network.maxRetries must not be negative")
	}
	if c.Network.RetryDelay <= 0 {
		return errors.New("network.retryDelay must be positive")
	}
	switch c.Rules.ExecutionMode {
	case ExecutionApply, ExecutionDryRun, "":
	default:
		return errors.New("rules.executionMode must be apply or dry-run")
	}
	return nil
}
