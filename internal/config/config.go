package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

var supportedProxySchemes = []string{"socks5", "socks5h", "http", "https"}

type Config struct {
	Port                      int    `env:"PORT" envDefault:"3456"`
	SessionsDir               string `env:"SESSIONS_DIR" envDefault:"./sessions"`
	MaxSessions               int    `env:"MAX_SESSIONS" envDefault:"100"`
	ProxyURL                  string `env:"PROXY_URL"`
	LogLevel                  string `env:"LOG_LEVEL" envDefault:"info"`
	SessionIdleTimeoutMinutes int    `env:"SESSION_IDLE_TIMEOUT_MINUTES" envDefault:"30"`
	PairingTimeoutSeconds     int    `env:"PAIRING_TIMEOUT_SECONDS" envDefault:"30"`
	MaxReconnectAttempts      int    `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	DeviceName                string `env:"DEVICE_NAME" envDefault:"Chrome (Mac OS)"`
	// bcrypt hash of the bearer token guarding the ops endpoints. Empty
	// leaves them open.
	OpsTokenHash string `env:"OPS_TOKEN_HASH"`
	EnableHSTS   bool   `env:"ENABLE_HSTS" envDefault:"false"`

	// Optional. Enables notification fan-out over pub/sub and per-phone
	// pairing rate limits.
	RedisURL                 string `env:"REDIS_URL"`
	PairingRateLimit         int    `env:"PAIRING_RATE_LIMIT" envDefault:"5"`
	PairingRateWindowMinutes int    `env:"PAIRING_RATE_WINDOW_MINUTES" envDefault:"60"`
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMinutes) * time.Minute
}

func (c *Config) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

func (c *Config) PairingRateWindow() time.Duration {
	return time.Duration(c.PairingRateWindowMinutes) * time.Minute
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RedactedProxyURL returns the proxy URL with any password masked, for logging.
func (c *Config) RedactedProxyURL() string {
	if c.ProxyURL == "" {
		return ""
	}
	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

func (c *Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("SESSIONS_DIR must not be empty")
	}
	if c.PairingTimeoutSeconds <= 0 {
		return fmt.Errorf("PAIRING_TIMEOUT_SECONDS must be positive, got %d", c.PairingTimeoutSeconds)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must not be negative, got %d", c.MaxReconnectAttempts)
	}

	if c.OpsTokenHash != "" && !strings.HasPrefix(c.OpsTokenHash, "$2") {
		return fmt.Errorf("OPS_TOKEN_HASH must be a bcrypt hash")
	}

	if c.RedisURL != "" && (c.PairingRateLimit <= 0 || c.PairingRateWindowMinutes <= 0) {
		return fmt.Errorf("PAIRING_RATE_LIMIT and PAIRING_RATE_WINDOW_MINUTES must be positive when REDIS_URL is set")
	}

	if c.ProxyURL != "" {
		u, err := url.Parse(c.ProxyURL)
		if err != nil {
			return fmt.Errorf("PROXY_URL is not a valid URL: %w", err)
		}
		supported := false
		for _, scheme := range supportedProxySchemes {
			if u.Scheme == scheme {
				supported = true
				break
			}
		}
		if !supported {
			return fmt.Errorf("PROXY_URL scheme %q is not supported (use socks5, socks5h, http or https)", u.Scheme)
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
