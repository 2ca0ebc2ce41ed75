package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Session storage backends understood by session.Open.
const (
	SessionBackendFile   = "file"
	SessionBackendDir    = "dir"
	SessionBackendEnv    = "env"
	SessionBackendSQLite = "sqlite"
)

// Values accepted for ConnectedOn.
const (
	ConnectedOnReady         = "ready"
	ConnectedOnAuthenticated = "authenticated"
)

// Config holds application configuration
type Config struct {
	APIPort int

	// API protection
	APIKey             string
	DisableAuthCheck   bool     // DISABLE_AUTH_CHECK env var, development only
	CORSOrigins        []string // CORS_ORIGINS env var (comma-separated)
	RateLimitPerMinute int      // RATE_LIMIT_PER_MINUTE env var
	ExposeSession      bool     // EXPOSE_SESSION env var, enables /get-session and /debug-session

	// Session persistence
	SessionBackend string // SESSION_BACKEND: file, dir, env or sqlite
	SessionPath    string // SESSION_PATH, used by the file backend
	SessionDir     string // SESSION_DIR, used by the dir backend
	SessionEnvVar  string // SESSION_ENV_VAR, variable read by the env backend

	// Databases
	WhatsAppDB string // WHATSAPP_DB, whatsmeow sqlstore DSN
	BridgeDB   string // BRIDGE_DB, application database DSN

	// Connection lifecycle
	MaxRetries                       int
	RetryDelay                       time.Duration
	DiscardSessionOnExhaustedRetries bool
	ConnectedOn                      string

	// Gateway
	PrintQR        bool   // PRINT_QR, render QR codes on stdout as well
	PairClientName string // PAIR_CLIENT_NAME, shown on the phone while pairing
	BrowserPath    string // CHROMIUM_PATH, accepted for compatibility, unused by whatsmeow

	// Logging
	LogLevel  string
	LogFormat string // text or json
}

// fileConfig mirrors Config for TOML decoding. Pointers distinguish unset keys.
type fileConfig struct {
	APIPort            *int     `toml:"api_port"`
	APIKey             *string  `toml:"api_key"`
	DisableAuthCheck   *bool    `toml:"disable_auth_check"`
	CORSOrigins        []string `toml:"cors_origins"`
	RateLimitPerMinute *int     `toml:"rate_limit_per_minute"`
	ExposeSession      *bool    `toml:"expose_session"`

	Session struct {
		Backend *string `toml:"backend"`
		Path    *string `toml:"path"`
		Dir     *string `toml:"dir"`
		EnvVar  *string `toml:"env_var"`
	} `toml:"session"`

	Database struct {
		WhatsApp *string `toml:"whatsapp"`
		Bridge   *string `toml:"bridge"`
	} `toml:"database"`

	Connection struct {
		MaxRetries       *int    `toml:"max_retries"`
		RetryDelay       *string `toml:"retry_delay"`
		DiscardExhausted *bool   `toml:"discard_session_on_exhausted_retries"`
		ConnectedOn      *string `toml:"connected_on"`
	} `toml:"connection"`

	Gateway struct {
		PrintQR        *bool   `toml:"print_qr"`
		PairClientName *string `toml:"pair_client_name"`
		BrowserPath    *string `toml:"browser_path"`
	} `toml:"gateway"`

	Log struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"log"`
}

// Default returns the built-in configuration without consulting the environment.
func Default() *Config {
	return &Config{
		APIPort:            8080,
		RateLimitPerMinute: 100,
		ExposeSession:      true,

		SessionBackend: SessionBackendFile,
		SessionPath:    "store/session.json",
		SessionDir:     "store/session",
		SessionEnvVar:  "WHATSAPP_SESSION",

		WhatsAppDB: "file:store/whatsapp.db?_foreign_keys=on",
		BridgeDB:   "file:store/bridge.db?_foreign_keys=on",

		MaxRetries:                       3,
		RetryDelay:                       5 * time.Second,
		DiscardSessionOnExhaustedRetries: true,
		ConnectedOn:                      ConnectedOnReady,

		PrintQR:        true,
		PairClientName: "Chrome (Linux)",

		LogLevel:  "INFO",
		LogFormat: "text",
	}
}

// NewConfig creates a new configuration with default values overridden by the environment
func NewConfig() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load builds the configuration from defaults, the optional TOML file at path and
// finally the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	setInt(&c.APIPort, fc.APIPort)
	setString(&c.APIKey, fc.APIKey)
	setBool(&c.DisableAuthCheck, fc.DisableAuthCheck)
	if len(fc.CORSOrigins) > 0 {
		c.CORSOrigins = fc.CORSOrigins
	}
	setInt(&c.RateLimitPerMinute, fc.RateLimitPerMinute)
	setBool(&c.ExposeSession, fc.ExposeSession)

	setString(&c.SessionBackend, fc.Session.Backend)
	setString(&c.SessionPath, fc.Session.Path)
	setString(&c.SessionDir, fc.Session.Dir)
	setString(&c.SessionEnvVar, fc.Session.EnvVar)

	setString(&c.WhatsAppDB, fc.Database.WhatsApp)
	setString(&c.BridgeDB, fc.Database.Bridge)

	setInt(&c.MaxRetries, fc.Connection.MaxRetries)
	if fc.Connection.RetryDelay != nil {
		d, err := parseDuration(*fc.Connection.RetryDelay)
		if err != nil {
			return fmt.Errorf("invalid connection.retry_delay: %w", err)
		}
		c.RetryDelay = d
	}
	setBool(&c.DiscardSessionOnExhaustedRetries, fc.Connection.DiscardExhausted)
	setString(&c.ConnectedOn, fc.Connection.ConnectedOn)

	setBool(&c.PrintQR, fc.Gateway.PrintQR)
	setString(&c.PairClientName, fc.Gateway.PairClientName)
	setString(&c.BrowserPath, fc.Gateway.BrowserPath)

	setString(&c.LogLevel, fc.Log.Level)
	setString(&c.LogFormat, fc.Log.Format)
	return nil
}

func (c *Config) applyEnv() {
	// PORT is what most hosting platforms inject; API_PORT wins when both are set
	c.APIPort = getIntEnv("PORT", c.APIPort)
	c.APIPort = getIntEnv("API_PORT", c.APIPort)

	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.DisableAuthCheck = getBoolEnv("DISABLE_AUTH_CHECK", c.DisableAuthCheck)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = nil
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.CORSOrigins = append(c.CORSOrigins, origin)
			}
		}
	}
	c.RateLimitPerMinute = getIntEnv("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.ExposeSession = getBoolEnv("EXPOSE_SESSION", c.ExposeSession)

	c.SessionBackend = strings.ToLower(getEnv("SESSION_BACKEND", c.SessionBackend))
	c.SessionPath = getEnv("SESSION_PATH", c.SessionPath)
	c.SessionDir = getEnv("SESSION_DIR", c.SessionDir)
	c.SessionEnvVar = getEnv("SESSION_ENV_VAR", c.SessionEnvVar)

	c.WhatsAppDB = getEnv("WHATSAPP_DB", c.WhatsAppDB)
	c.BridgeDB = getEnv("BRIDGE_DB", c.BridgeDB)

	c.MaxRetries = getIntEnv("MAX_RETRIES", c.MaxRetries)
	if raw := os.Getenv("RETRY_DELAY"); raw != "" {
		if d, err := parseDuration(raw); err == nil {
			c.RetryDelay = d
		}
	}
	c.DiscardSessionOnExhaustedRetries = getBoolEnv("DISCARD_SESSION_ON_EXHAUSTED", c.DiscardSessionOnExhaustedRetries)
	c.ConnectedOn = strings.ToLower(getEnv("CONNECTED_ON", c.ConnectedOn))

	c.PrintQR = getBoolEnv("PRINT_QR", c.PrintQR)
	c.PairClientName = getEnv("PAIR_CLIENT_NAME", c.PairClientName)
	c.BrowserPath = getEnv("CHROMIUM_PATH", c.BrowserPath)

	c.LogLevel = strings.ToUpper(getEnv("LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", c.LogFormat))
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", c.RetryDelay)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimitPerMinute)
	}
	switch c.SessionBackend {
	case SessionBackendFile:
		if c.SessionPath == "" {
			return fmt.Errorf("SESSION_PATH is required for the file session backend")
		}
	case SessionBackendDir:
		if c.SessionDir == "" {
			return fmt.Errorf("SESSION_DIR is required for the dir session backend")
		}
	case SessionBackendEnv:
		if c.SessionEnvVar == "" {
			return fmt.Errorf("SESSION_ENV_VAR is required for the env session backend")
		}
	case SessionBackendSQLite:
	default:
		return fmt.Errorf("unknown session backend: %s (must be 'file', 'dir', 'env' or 'sqlite')", c.SessionBackend)
	}
	switch c.ConnectedOn {
	case ConnectedOnReady, ConnectedOnAuthenticated:
	default:
		return fmt.Errorf("invalid connected_on: %s (must be 'ready' or 'authenticated')", c.ConnectedOn)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.LogFormat)
	}
	return nil
}

// parseDuration accepts Go duration strings ("5s", "1m30s") or a bare number of seconds.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
