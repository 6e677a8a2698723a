package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// REST backend root, e.g. https://chat.example.com
	APIBaseURL string `env:"CHAT_API_BASE_URL"`

	// Push channel root. Derived from APIBaseURL (http->ws, https->wss)
	// when empty.
	WSBaseURL string `env:"CHAT_WS_BASE_URL"`

	// Credentials. A cached token from the state db is tried first, then
	// AccessToken, then a login with Username and Password.
	Username    string `env:"CHAT_USERNAME"`
	Password    string `env:"CHAT_PASSWORD"`
	AccessToken string `env:"CHAT_ACCESS_TOKEN"`

	ReconnectDelay  time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	SnapshotTimeout time.Duration `env:"SNAPSHOT_TIMEOUT" envDefault:"10s"`
	HTTPTimeout     time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	// State database path. Defaults to ~/.chat-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Address for the Prometheus /metrics listener. Disabled when empty.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.WSBaseURL = strings.TrimRight(cfg.WSBaseURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSBaseURL == "" {
		ws, err := DeriveWSURL(cfg.APIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("deriving CHAT_WS_BASE_URL: %w", err)
		}

		cfg.WSBaseURL = ws
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_BASE_URL is required")
	}

	if err := checkURL("CHAT_API_BASE_URL", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}

	if c.WSBaseURL != "" {
		if err := checkURL("CHAT_WS_BASE_URL", c.WSBaseURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}

	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("CHAT_USERNAME and CHAT_PASSWORD must be set together")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}

	if c.SnapshotTimeout <= 0 {
		return fmt.Errorf("SNAPSHOT_TIMEOUT must be positive, got %s", c.SnapshotTimeout)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout)
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", name, raw)
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return fmt.Errorf("%s scheme must be one of %s, got %q", name, strings.Join(schemes, ", "), u.Scheme)
}

// DeriveWSURL maps an http(s) API root onto the matching ws(s) root.
func DeriveWSURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return strings.TrimRight(u.String(), "/"), nil
}

// HasLogin reports whether a username and password are configured.
func (c *Config) HasLogin() bool {
	return c.Username != "" && c.Password != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
