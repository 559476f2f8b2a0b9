package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Hubfeed agent.
type Config struct {
	Server   ServerConfig
	Hubfeed  HubfeedConfig
	Agent    AgentConfig
	Storage  StorageConfig
	History  HistoryConfig
	Redis    RedisConfig
	Telegram TelegramConfig
	Browser  BrowserConfig
	LogLevel slog.Level
}

// ServerConfig configures the local control API.
type ServerConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	JWTSecret string
	JWTTTL    time.Duration
	RateLimit int
	AutoStart bool
}

type HubfeedConfig struct {
	BaseURL       string
	Timeout       time.Duration
	HealthTimeout time.Duration
}

// AgentConfig holds the polling loop cadence. Zero JobTimeout disables the per-job deadline.
type AgentConfig struct {
	PollInterval   time.Duration
	SyncInterval   time.Duration
	VerifyMaxAge   time.Duration
	SubmitAttempts int
	SubmitBackoff  time.Duration
	JobTimeout     time.Duration
}

type StorageConfig struct {
	DataDir string
}

// HistoryConfig selects the history backend. An empty DatabaseURL keeps history in daily JSON files.
type HistoryConfig struct {
	DatabaseURL     string
	MaxConns        int
	ConnMaxLifetime time.Duration
	MaxEntries      int
	RetentionDays   int
}

// RedisConfig is optional; without a URL the agent uses an in-process cache.
type RedisConfig struct {
	URL string
}

type TelegramConfig struct {
	APIURL string
}

type BrowserConfig struct {
	Headless bool
	ExecPath string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any value is invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:      envString("AGENT_HOST", "127.0.0.1"),
			Port:      envInt("AGENT_PORT", 8080),
			Username:  envString("AGENT_UI_USERNAME", "admin"),
			Password:  envString("AGENT_UI_PASSWORD", "changeme"),
			JWTSecret: os.Getenv("AGENT_JWT_SECRET"),
			JWTTTL:    envDuration("AGENT_JWT_TTL", 24*time.Hour),
			RateLimit: envInt("AGENT_RATE_LIMIT", 120),
			AutoStart: envBool("AGENT_AUTOSTART", true),
		},
		Hubfeed: HubfeedConfig{
			BaseURL:       strings.TrimRight(envString("HUBFEED_API_URL", "https://hubfeed.io"), "/"),
			Timeout:       envDuration("HUBFEED_TIMEOUT", 30*time.Second),
			HealthTimeout: envDuration("HUBFEED_HEALTH_TIMEOUT", 5*time.Second),
		},
		Agent: AgentConfig{
			PollInterval:   envDuration("AGENT_POLL_INTERVAL", 30*time.Second),
			SyncInterval:   envDuration("AGENT_SYNC_INTERVAL", 5*time.Minute),
			VerifyMaxAge:   envDuration("AGENT_VERIFY_MAX_AGE", 24*time.Hour),
			SubmitAttempts: envInt("AGENT_SUBMIT_ATTEMPTS", 3),
			SubmitBackoff:  envDuration("AGENT_SUBMIT_BACKOFF", time.Second),
			JobTimeout:     envDuration("AGENT_JOB_TIMEOUT", 0),
		},
		Storage: StorageConfig{
			DataDir: envString("AGENT_DATA_DIR", "data"),
		},
		History: HistoryConfig{
			DatabaseURL:     os.Getenv("HISTORY_DATABASE_URL"),
			MaxConns:        envInt("HISTORY_DATABASE_MAX_CONNS", 5),
			ConnMaxLifetime: envDuration("HISTORY_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MaxEntries:      envInt("HISTORY_MAX_ENTRIES", 1000),
			RetentionDays:   envInt("HISTORY_RETENTION_DAYS", 30),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Telegram: TelegramConfig{
			APIURL: os.Getenv("TELEGRAM_API_URL"),
		},
		Browser: BrowserConfig{
			Headless: envBool("BROWSER_HEADLESS", true),
			ExecPath: os.Getenv("BROWSER_EXEC_PATH"),
		},
	}

	level, err := parseLevel(envString("AGENT_LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration. It is exported so CLI flag overrides can be re-validated.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Hubfeed.BaseURL, "http://") && !strings.HasPrefix(c.Hubfeed.BaseURL, "https://") {
		return fmt.Errorf("HUBFEED_API_URL must start with http:// or https://, got %q", c.Hubfeed.BaseURL)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("AGENT_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Username == "" {
		return fmt.Errorf("AGENT_UI_USERNAME is required")
	}
	if c.Server.Password == "" {
		return fmt.Errorf("AGENT_UI_PASSWORD is required")
	}

	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("AGENT_POLL_INTERVAL must be positive")
	}
	if c.Agent.SyncInterval <= 0 {
		return fmt.Errorf("AGENT_SYNC_INTERVAL must be positive")
	}
	if c.Agent.SubmitAttempts < 1 {
		return fmt.Errorf("AGENT_SUBMIT_ATTEMPTS must be at least 1, got %d", c.Agent.SubmitAttempts)
	}
	if c.Agent.JobTimeout < 0 {
		return fmt.Errorf("AGENT_JOB_TIMEOUT must not be negative")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("AGENT_DATA_DIR is required")
	}

	if c.History.DatabaseURL != "" &&
		!strings.HasPrefix(c.History.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(c.History.DatabaseURL, "postgresql://") {
		return fmt.Errorf("HISTORY_DATABASE_URL must be a postgres:// URL")
	}

	if c.Telegram.APIURL != "" && !strings.HasPrefix(c.Telegram.APIURL, "http") {
		return fmt.Errorf("TELEGRAM_API_URL must start with http:// or https://, got %q", c.Telegram.APIURL)
	}

	return nil
}

// Addr returns the control API listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func parseLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("AGENT_LOG_LEVEL must be one of debug, info, warn, error; got %q", v)
	}
	return level, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envDuration accepts Go durations ("30s") or bare seconds ("30").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
