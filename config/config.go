// Package config loads the service configuration. An optional TOML file named
// by KICKCHAT_CONFIG provides the base layer; environment variables (and a local
// .env file, if present) override it. Defaults let the binary run locally with
// no setup at all.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultWebsocketURL      = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=7.6.0&flash=false"
	DefaultAPIURL            = "https://kick.com/api/v2/channels/"
	DefaultStorageDSN        = "sqlite://data/kickchat.db"
	DefaultHTTPAddr          = ":8080"
	DefaultKeepaliveInterval = 20 * time.Minute
	DefaultMaxMissedPongs    = 3
	DefaultConnectTimeout    = 15 * time.Second
	DefaultBackoffBase       = 2 * time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultBackoffJitter     = 0.2
	DefaultConnectRate       = 2.0
	DefaultConnectBurst      = 5
	DefaultWriteRetries      = 3
	DefaultWriteRetryDelay   = 200 * time.Millisecond
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultRateLimitRequests = 30
	DefaultRateLimitWindow   = time.Minute
)

// Config is the typed service configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Kick    KickConfig    `toml:"kick"`
	Session SessionConfig `toml:"session"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`

	// Channels are seeded into the registry on boot.
	Channels []string `toml:"channels"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// KickConfig holds the upstream endpoints.
type KickConfig struct {
	WebsocketURL string `toml:"websocket_url"`
	APIURL       string `toml:"api_url"`
	UserAgent    string `toml:"user_agent"`
}

// SessionConfig holds per-channel session tuning.
type SessionConfig struct {
	KeepaliveInterval time.Duration `toml:"keepalive_interval"`
	MaxMissedPongs    int           `toml:"max_missed_pongs"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	BackoffBase       time.Duration `toml:"backoff_base"`
	BackoffMax        time.Duration `toml:"backoff_max"`
	BackoffJitter     float64       `toml:"backoff_jitter"`
	ConnectRate       float64       `toml:"connect_rate"`
	ConnectBurst      int           `toml:"connect_burst"`
	WriteRetries      int           `toml:"write_retries"`
	WriteRetryDelay   time.Duration `toml:"write_retry_delay"`
}

type StorageConfig struct {
	DSN string `toml:"dsn"`
}

// ServerConfig holds the admin HTTP surface settings.
type ServerConfig struct {
	Addr              string        `toml:"addr"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	AdminToken        string        `toml:"admin_token"`
	AdminUsername     string        `toml:"admin_username"`
	AdminPassword     string        `toml:"admin_password"`
	RateLimitEnabled  bool          `toml:"rate_limit_enabled"`
	RateLimitRequests int           `toml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `toml:"rate_limit_window"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Kick: KickConfig{
			WebsocketURL: DefaultWebsocketURL,
			APIURL:       DefaultAPIURL,
		},
		Session: SessionConfig{
			KeepaliveInterval: DefaultKeepaliveInterval,
			MaxMissedPongs:    DefaultMaxMissedPongs,
			ConnectTimeout:    DefaultConnectTimeout,
			BackoffBase:       DefaultBackoffBase,
			BackoffMax:        DefaultBackoffMax,
			BackoffJitter:     DefaultBackoffJitter,
			ConnectRate:       DefaultConnectRate,
			ConnectBurst:      DefaultConnectBurst,
			WriteRetries:      DefaultWriteRetries,
			WriteRetryDelay:   DefaultWriteRetryDelay,
		},
		Storage: StorageConfig{DSN: DefaultStorageDSN},
		Server: ServerConfig{
			Addr:              DefaultHTTPAddr,
			ShutdownTimeout:   DefaultShutdownTimeout,
			RateLimitEnabled:  true,
			RateLimitRequests: DefaultRateLimitRequests,
			RateLimitWindow:   DefaultRateLimitWindow,
		},
	}
}

// Load reads .env (if present), the optional TOML file at KICKCHAT_CONFIG, then
// environment overrides, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("KICKCHAT_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes a TOML file over the current values. Keys absent from the
// file keep their previous value.
func (c *Config) LoadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s (duration): %w", key, err))
			return
		}
		*dst = d
	}
	integer := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s (integer): %w", key, err))
			return
		}
		*dst = n
	}
	float := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s (number): %w", key, err))
			return
		}
		*dst = f
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	str("KICK_WS_URL", &c.Kick.WebsocketURL)
	str("KICK_API_URL", &c.Kick.APIURL)
	str("KICK_USER_AGENT", &c.Kick.UserAgent)

	dur("KEEPALIVE_INTERVAL", &c.Session.KeepaliveInterval)
	integer("MAX_MISSED_PONGS", &c.Session.MaxMissedPongs)
	dur("CONNECT_TIMEOUT", &c.Session.ConnectTimeout)
	dur("BACKOFF_BASE", &c.Session.BackoffBase)
	dur("BACKOFF_MAX", &c.Session.BackoffMax)
	float("BACKOFF_JITTER", &c.Session.BackoffJitter)
	float("CONNECT_RATE", &c.Session.ConnectRate)
	integer("CONNECT_BURST", &c.Session.ConnectBurst)
	integer("WRITE_RETRIES", &c.Session.WriteRetries)
	dur("WRITE_RETRY_DELAY", &c.Session.WriteRetryDelay)

	str("STORAGE_DSN", &c.Storage.DSN)

	str("HTTP_ADDR", &c.Server.Addr)
	dur("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	str("ADMIN_TOKEN", &c.Server.AdminToken)
	str("ADMIN_USERNAME", &c.Server.AdminUsername)
	str("ADMIN_PASSWORD", &c.Server.AdminPassword)
	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.Server.RateLimitEnabled = v != "0" && !strings.EqualFold(v, "false")
	}
	integer("RATE_LIMIT_REQUESTS_PER_IP", &c.Server.RateLimitRequests)
	dur("RATE_LIMIT_WINDOW", &c.Server.RateLimitWindow)

	if v, ok := os.LookupEnv("KICKCHAT_CHANNELS"); ok && v != "" {
		c.Channels = splitList(v)
	}

	return errors.Join(errs...)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("log level %q: want debug|info|warn|error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want text|json", c.Log.Format))
	}
	if c.Kick.WebsocketURL == "" {
		errs = append(errs, errors.New("kick websocket url is empty"))
	}
	if c.Kick.APIURL == "" {
		errs = append(errs, errors.New("kick api url is empty"))
	}
	s := c.Session
	if s.KeepaliveInterval <= 0 {
		errs = append(errs, fmt.Errorf("keepalive interval %s must be positive", s.KeepaliveInterval))
	}
	if s.MaxMissedPongs < 1 {
		errs = append(errs, fmt.Errorf("max missed pongs %d must be >= 1", s.MaxMissedPongs))
	}
	if s.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("connect timeout %s must be positive", s.ConnectTimeout))
	}
	if s.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("backoff base %s must be positive", s.BackoffBase))
	}
	if s.BackoffMax < s.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff max %s is below base %s", s.BackoffMax, s.BackoffBase))
	}
	if s.BackoffJitter < 0 || s.BackoffJitter > 1 {
		errs = append(errs, fmt.Errorf("backoff jitter %v must be within [0,1]", s.BackoffJitter))
	}
	if s.ConnectRate <= 0 {
		errs = append(errs, fmt.Errorf("connect rate %v must be positive", s.ConnectRate))
	}
	if s.ConnectBurst < 1 {
		errs = append(errs, fmt.Errorf("connect burst %d must be >= 1", s.ConnectBurst))
	}
	if s.WriteRetries < 0 {
		errs = append(errs, fmt.Errorf("write retries %d must be >= 0", s.WriteRetries))
	}
	if c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage dsn is empty"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("http addr is empty"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout %s must be positive", c.Server.ShutdownTimeout))
	}
	if (c.Server.AdminUsername == "") != (c.Server.AdminPassword == "") {
		errs = append(errs, errors.New("admin username and password must be set together"))
	}
	if c.Server.RateLimitEnabled && (c.Server.RateLimitRequests < 1 || c.Server.RateLimitWindow <= 0) {
		errs = append(errs, errors.New("rate limit requires positive requests and window"))
	}
	return errors.Join(errs...)
}

// AuthEnabled reports whether admin routes require credentials.
func (c *Config) AuthEnabled() bool {
	return c.Server.AdminToken != "" || (c.Server.AdminUsername != "" && c.Server.AdminPassword != "")
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
