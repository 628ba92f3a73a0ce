package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the effective runtime configuration assembled by the Loader.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Upstream    UpstreamConfig    `koanf:"upstream"`
	Auth        AuthConfig        `koanf:"auth"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Cache       CacheConfig       `koanf:"cache"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	EventStream EventStreamConfig `koanf:"eventstream"`
}

// ServerConfig groups the HTTP listener and logging settings.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig describes the bind address of the HTTP listener.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig controls the slog handler built by internal/logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// UpstreamConfig points the bridge at the Home Assistant instance it fronts.
type UpstreamConfig struct {
	URL            string `koanf:"url"`
	Token          string `koanf:"token"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout returns the per-call upstream timeout.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds the static API key allow-set and the paths that skip the
// admission gate entirely.
type AuthConfig struct {
	APIKeys     []string `koanf:"apiKeys"`
	BypassPaths []string `koanf:"bypassPaths"`
}

// RateLimitConfig bounds accepted requests per key+address over a sliding window.
type RateLimitConfig struct {
	MaxRequests   int `koanf:"maxRequests"`
	WindowSeconds int `koanf:"windowSeconds"`
}

// Window returns the sliding-window duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// CacheConfig sizes the named caches. The services and config caches derive
// their TTLs from the base TTL (x2 and x10); those views change far less often
// than entity states.
type CacheConfig struct {
	TTLSeconds       int `koanf:"ttlSeconds"`
	StatesCapacity   int `koanf:"statesCapacity"`
	ServicesCapacity int `koanf:"servicesCapacity"`
	ConfigCapacity   int `koanf:"configCapacity"`
}

// TTL returns the base cache TTL applied to the states cache.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SchedulerConfig bounds concurrent upstream calls issued on behalf of clients.
type SchedulerConfig struct {
	MaxConcurrent  int `koanf:"maxConcurrent"`
	TimeoutSeconds int `koanf:"timeoutSeconds"`
}

// Timeout returns how long a submitted request may wait for completion.
func (c SchedulerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EventStreamConfig controls the persistent websocket session and the
// event-driven cache policy.
type EventStreamConfig struct {
	Enabled                  bool         `koanf:"enabled"`
	UpdateCache              bool         `koanf:"updateCache"`
	ReconnectMaxAttempts     int          `koanf:"reconnectMaxAttempts"`
	ReconnectMaxDelaySeconds int          `koanf:"reconnectMaxDelaySeconds"`
	Filter                   FilterConfig `koanf:"filter"`
}

// ReconnectMaxDelay caps the exponential backoff between reconnect attempts.
func (c EventStreamConfig) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelaySeconds) * time.Second
}

// FilterConfig selects which state-changed events reach the cache policy.
// EntityPrefixes is an inclusion list (empty means all), ExcludeDomains drops
// whole domains, and Expression optionally narrows further with a CEL program
// over {entityId, domain}.
type FilterConfig struct {
	Enabled        bool     `koanf:"enabled"`
	EntityPrefixes []string `koanf:"entityPrefixes"`
	ExcludeDomains []string `koanf:"excludeDomains"`
	Expression     string   `koanf:"expression"`
}

// DefaultConfig returns the baseline the loader layers files and env over.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:  ListenConfig{Address: "0.0.0.0", Port: 8000},
			Logging: LoggingConfig{Level: "info", Format: "json"},
		},
		Upstream: UpstreamConfig{TimeoutSeconds: 30},
		Auth: AuthConfig{
			BypassPaths: []string{"/health", "/status", "/metrics"},
		},
		RateLimit: RateLimitConfig{MaxRequests: 100, WindowSeconds: 60},
		Cache: CacheConfig{
			TTLSeconds:       300,
			StatesCapacity:   1000,
			ServicesCapacity: 100,
			ConfigCapacity:   10,
		},
		Scheduler: SchedulerConfig{MaxConcurrent: 20, TimeoutSeconds: 30},
		EventStream: EventStreamConfig{
			Enabled:                  true,
			UpdateCache:              true,
			ReconnectMaxAttempts:     0,
			ReconnectMaxDelaySeconds: 300,
		},
	}
}

// Validate rejects configurations the bridge cannot safely run with.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return fmt.Errorf("config: upstream url required")
	}
	if _, err := url.Parse(c.Upstream.URL); err != nil {
		return fmt.Errorf("config: upstream url: %w", err)
	}
	if strings.TrimSpace(c.Upstream.Token) == "" {
		return fmt.Errorf("config: upstream token required")
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: upstream timeout must be positive")
	}
	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("config: at least one api key required")
	}
	if c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("config: rate limit max requests must be positive")
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rate limit window must be positive")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache ttl must be positive")
	}
	if c.Cache.StatesCapacity <= 0 || c.Cache.ServicesCapacity <= 0 || c.Cache.ConfigCapacity <= 0 {
		return fmt.Errorf("config: cache capacities must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("config: scheduler concurrency must be positive")
	}
	if c.Scheduler.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: scheduler timeout must be positive")
	}
	if c.EventStream.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("config: reconnect max attempts must not be negative")
	}
	if c.EventStream.ReconnectMaxDelaySeconds <= 0 {
		return fmt.Errorf("config: reconnect max delay must be positive")
	}
	return nil
}
