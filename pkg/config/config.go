package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"duocall/pkg/validation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const envPrefix = "DUOCALL_"

// ProviderConfig describes one transport provider of the fallback ladder.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"kind"` // p2p or hosted
	BaseURL string        `yaml:"base_url,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"` // where transports dial the relay
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		MaxBitrate int `yaml:"max_bitrate"`
	} `yaml:"webrtc"`

	Session struct {
		Candidates        []string      `yaml:"candidates"`
		MaxRetries        int           `yaml:"max_retries"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		MediaTimeout      time.Duration `yaml:"media_timeout"`
		DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
		AutoReconnect     bool          `yaml:"auto_reconnect"`
		AllowAudioOnly    bool          `yaml:"allow_audio_only"`
		JoinGrace         time.Duration `yaml:"join_grace"`
		// MaxSessions caps concurrent sessions hosted by one agent.
		MaxSessions int `yaml:"max_sessions"`
	} `yaml:"session"`

	Quality struct {
		SampleInterval    time.Duration `yaml:"sample_interval"`
		UpgradeAfter      int           `yaml:"upgrade_after"`
		FailoverAfter     int           `yaml:"failover_after"`
		MinAdjustInterval time.Duration `yaml:"min_adjust_interval"`
	} `yaml:"quality"`

	Initializer struct {
		PreferredProvider string        `yaml:"preferred_provider"`
		PermissionTTL     time.Duration `yaml:"permission_ttl"`
		PermissionTimeout time.Duration `yaml:"permission_timeout"`
		PrewarmTimeout    time.Duration `yaml:"prewarm_timeout"`
		AutoJoinAfter     time.Duration `yaml:"auto_join_after"`
	} `yaml:"initializer"`

	Token struct {
		Mode     string        `yaml:"mode"` // local or remote
		URL      string        `yaml:"url"`
		APIKey   string        `yaml:"api_key,omitempty"`
		Timeout  time.Duration `yaml:"timeout"`
		Attempts int           `yaml:"attempts"`
	} `yaml:"token"`

	Providers []ProviderConfig `yaml:"providers"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled       bool   `yaml:"enabled"`
		Address       string `yaml:"address"`
		Password      string `yaml:"password"`
		DB            int    `yaml:"db"`
		PoolSize      int    `yaml:"pool_size"`
		EventsChannel string `yaml:"events_channel"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		Issuer         string        `yaml:"issuer"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		// ServiceKey guards token issuance; empty leaves the endpoint open.
		ServiceKey string `yaml:"service_key,omitempty"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	if err := validation.ValidateWebSocketURL(c.Signal.URL); err != nil {
		return fmt.Errorf("signal.url: %w", err)
	}

	// Providers and the ladder
	if err := c.validateProviders(); err != nil {
		return err
	}
	if c.Session.MaxRetries < 0 {
		return fmt.Errorf("session.max_retries must be >= 0")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must be >= 0")
	}
	if c.Session.MediaTimeout <= 0 {
		return fmt.Errorf("session.media_timeout must be > 0")
	}

	// Quality
	if c.Quality.SampleInterval <= 0 {
		return fmt.Errorf("quality.sample_interval must be > 0")
	}
	if c.Quality.UpgradeAfter <= 0 {
		return fmt.Errorf("quality.upgrade_after must be > 0")
	}
	if c.Quality.FailoverAfter < 0 {
		return fmt.Errorf("quality.failover_after must be >= 0")
	}

	// Initializer
	if c.Initializer.PermissionTTL <= 0 {
		return fmt.Errorf("initializer.permission_ttl must be > 0")
	}
	if c.Initializer.AutoJoinAfter < 0 {
		return fmt.Errorf("initializer.auto_join_after must be >= 0")
	}
	if p := c.Initializer.PreferredProvider; p != "" && !c.hasProvider(p) {
		return fmt.Errorf("initializer.preferred_provider %q is not a configured provider", p)
	}

	// Token
	switch c.Token.Mode {
	case "local":
	case "remote":
		if c.Token.URL == "" {
			return fmt.Errorf("token.url must not be empty when token.mode=remote")
		}
		if err := validation.ValidateHTTPURL(c.Token.URL); err != nil {
			return fmt.Errorf("token.url: %w", err)
		}
	default:
		return fmt.Errorf("token.mode must be local or remote, got %q", c.Token.Mode)
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

func (c *Config) validateProviders() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("providers must not be empty")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if err := validation.ValidateProviderName(p.Name); err != nil {
			return fmt.Errorf("providers[%d].name: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "p2p":
		case "hosted":
			if p.BaseURL == "" {
				return fmt.Errorf("providers[%d].base_url must not be empty for a hosted provider", i)
			}
			if err := validation.ValidateHTTPURL(p.BaseURL); err != nil {
				return fmt.Errorf("providers[%d].base_url: %w", i, err)
			}
		default:
			return fmt.Errorf("providers[%d].kind must be p2p or hosted, got %q", i, p.Kind)
		}
	}

	if len(c.Session.Candidates) == 0 {
		return fmt.Errorf("session.candidates must not be empty")
	}
	for _, name := range c.Session.Candidates {
		if !seen[name] {
			return fmt.Errorf("session.candidates references unknown provider %q", name)
		}
	}
	return nil
}

func (c *Config) hasProvider(name string) bool {
	for _, p := range c.Providers {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Provider returns the named provider entry.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first; it never overrides
// variables already present in the environment.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.WebRTC.MaxBitrate = 2500

	// peer-to-peer is the cheapest path and goes first
	cfg.Providers = []ProviderConfig{{Name: "p2p", Kind: "p2p"}}
	cfg.Session.Candidates = []string{"p2p"}
	cfg.Session.MaxRetries = 2
	cfg.Session.ConnectTimeout = 15 * time.Second
	cfg.Session.MediaTimeout = 20 * time.Second
	cfg.Session.DisconnectTimeout = 5 * time.Second
	cfg.Session.AutoReconnect = true
	cfg.Session.AllowAudioOnly = true
	cfg.Session.JoinGrace = 15 * time.Minute
	cfg.Session.MaxSessions = 16

	cfg.Quality.SampleInterval = time.Second
	cfg.Quality.UpgradeAfter = 5
	cfg.Quality.FailoverAfter = 5
	cfg.Quality.MinAdjustInterval = 3 * time.Second

	cfg.Initializer.PermissionTTL = time.Hour
	cfg.Initializer.PermissionTimeout = 30 * time.Second
	cfg.Initializer.PrewarmTimeout = 5 * time.Second
	cfg.Initializer.AutoJoinAfter = 0

	cfg.Token.Mode = "local"
	cfg.Token.Timeout = 5 * time.Second
	cfg.Token.Attempts = 3

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.EventsChannel = "duocall:events"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "duocall"
	cfg.Auth.TokenTTL = 10 * time.Minute
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv(envPrefix + "SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv(envPrefix + "SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv(envPrefix + "SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv(envPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv(envPrefix + "JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv(envPrefix + "SERVICE_KEY"); key != "" {
		c.Auth.ServiceKey = key
	}
	if key := os.Getenv(envPrefix + "TOKEN_API_KEY"); key != "" {
		c.Token.APIKey = key
	}
	if addr := os.Getenv(envPrefix + "REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if candidates := os.Getenv(envPrefix + "CANDIDATES"); candidates != "" {
		c.Session.Candidates = splitList(candidates)
	}
	if retries := os.Getenv(envPrefix + "MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return fmt.Errorf("%sMAX_RETRIES: %w", envPrefix, err)
		}
		c.Session.MaxRetries = n
	}
	if after := os.Getenv(envPrefix + "AUTO_JOIN_AFTER"); after != "" {
		d, err := time.ParseDuration(after)
		if err != nil {
			return fmt.Errorf("%sAUTO_JOIN_AFTER: %w", envPrefix, err)
		}
		c.Initializer.AutoJoinAfter = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
