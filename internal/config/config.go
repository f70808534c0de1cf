package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type SlackConfig struct {
	// Mode is rtm or events.
	Mode          string   `yaml:"mode"`
	SigningSecret string   `yaml:"signing_secret"`
	BotTokens     []string `yaml:"bot_tokens"`
	APIBaseURL    string   `yaml:"api_base_url"`
	APIRate       float64  `yaml:"api_rate"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	// OAuthRedirectURI is sent with the code exchange and must match
	// the app's registered redirect.
	OAuthRedirectURI   string   `yaml:"oauth_redirect_uri"`
	InstallRedirectURL string   `yaml:"install_redirect_url"`
	Scopes             []string `yaml:"scopes"`
}

type AuthConfig struct {
	JWTSecret      string  `yaml:"jwt_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type RTMConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	Reconnect    bool          `yaml:"reconnect"`
	SimpleLatest bool          `yaml:"simple_latest"`
	NoUnreads    bool          `yaml:"no_unreads"`
	MPIMAware    bool          `yaml:"mpim_aware"`
	SendRate     float64       `yaml:"send_rate"`
	SendBurst    int           `yaml:"send_burst"`
}

type StorageConfig struct {
	// Profile is memory, durable-local, production or empty.
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	QueueDSN      string `yaml:"queue_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
	QueueSize     int    `yaml:"queue_size"`
}

type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Sink   string `yaml:"sink"`
}

type MountConfig struct {
	Mountpoint    string        `yaml:"mountpoint"`
	Token         string        `yaml:"token"`
	TokenFile     string        `yaml:"token_file"`
	AllowOther    bool          `yaml:"allow_other"`
	Debug         bool          `yaml:"debug"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryJitter   float64       `yaml:"retry_jitter"`
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Slack    SlackConfig    `yaml:"slack"`
	Auth     AuthConfig     `yaml:"auth"`
	RTM      RTMConfig      `yaml:"rtm"`
	Storage  StorageConfig  `yaml:"storage"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mount    MountConfig    `yaml:"mount"`

	// Warnings collects environment values that failed to parse. The
	// logger does not exist yet while loading, so callers report them.
	Warnings []string `yaml:"-"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Slack.Mode = "rtm"
	cfg.Slack.Scopes = []string{"bot"}
	cfg.RTM.PingInterval = 30 * time.Second
	cfg.RTM.PongTimeout = 90 * time.Second
	cfg.RTM.Reconnect = true
	cfg.RTM.SimpleLatest = true
	cfg.RTM.NoUnreads = true
	cfg.RTM.MPIMAware = true
	cfg.RTM.SendRate = 1
	cfg.RTM.SendBurst = 3
	cfg.Storage.DataDir = ".slackrelay"
	cfg.Storage.QueueSize = 1024
	cfg.Dispatch.Workers = 4
	cfg.Dispatch.MaxAttempts = 3
	cfg.Dispatch.RetryDelay = time.Second
	cfg.Dispatch.DedupeWindow = time.Hour
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Mount.RetryInterval = 5 * time.Second
	cfg.Mount.RetryJitter = 0.2
	return cfg
}

// Load layers configuration: defaults, then the YAML file at path (if
// path is not empty), then SLACKRELAY_* environment variables. A .env
// file (SLACKRELAY_ENV_FILE, default ".env") is loaded first and never
// overrides variables already set.
func Load(path string) (*Config, error) {
	envFile := envOrDefault("SLACKRELAY_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	e := envReader{cfg: c}
	c.Server.Addr = envOrDefault("SLACKRELAY_ADDR", c.Server.Addr)
	c.Server.ShutdownTimeout = e.durationEnv("SLACKRELAY_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MaxBodyBytes = e.int64Env("SLACKRELAY_MAX_BODY_BYTES", c.Server.MaxBodyBytes)

	c.Slack.Mode = envOrDefault("SLACKRELAY_MODE", c.Slack.Mode)
	c.Slack.SigningSecret = envOrDefault("SLACKRELAY_SIGNING_SECRET", c.Slack.SigningSecret)
	c.Slack.BotTokens = listEnv("SLACKRELAY_BOT_TOKENS", c.Slack.BotTokens)
	c.Slack.APIBaseURL = envOrDefault("SLACKRELAY_API_BASE_URL", c.Slack.APIBaseURL)
	c.Slack.APIRate = e.floatEnv("SLACKRELAY_API_RATE", c.Slack.APIRate)
	c.Slack.ClientID = envOrDefault("SLACKRELAY_CLIENT_ID", c.Slack.ClientID)
	c.Slack.ClientSecret = envOrDefault("SLACKRELAY_CLIENT_SECRET", c.Slack.ClientSecret)
	c.Slack.OAuthRedirectURI = envOrDefault("SLACKRELAY_OAUTH_REDIRECT_URI", c.Slack.OAuthRedirectURI)
	c.Slack.InstallRedirectURL = envOrDefault("SLACKRELAY_INSTALL_REDIRECT_URL", c.Slack.InstallRedirectURL)
	c.Slack.Scopes = listEnv("SLACKRELAY_OAUTH_SCOPES", c.Slack.Scopes)

	c.Auth.JWTSecret = envOrDefault("SLACKRELAY_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.RateLimitRPS = e.floatEnv("SLACKRELAY_RATE_LIMIT_RPS", c.Auth.RateLimitRPS)
	c.Auth.RateLimitBurst = e.intEnv("SLACKRELAY_RATE_LIMIT_BURST", c.Auth.RateLimitBurst)

	c.RTM.PingInterval = e.durationEnv("SLACKRELAY_PING_INTERVAL", c.RTM.PingInterval)
	c.RTM.PongTimeout = e.durationEnv("SLACKRELAY_PONG_TIMEOUT", c.RTM.PongTimeout)
	c.RTM.Reconnect = e.boolEnv("SLACKRELAY_RECONNECT", c.RTM.Reconnect)
	c.RTM.SendRate = e.floatEnv("SLACKRELAY_SEND_RATE", c.RTM.SendRate)
	c.RTM.SendBurst = e.intEnv("SLACKRELAY_SEND_BURST", c.RTM.SendBurst)

	c.Storage.Profile = envOrDefault("SLACKRELAY_BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = envOrDefault("SLACKRELAY_DATA_DIR", c.Storage.DataDir)
	c.Storage.QueueDSN = envOrDefault("SLACKRELAY_ENVELOPE_QUEUE_DSN", c.Storage.QueueDSN)
	c.Storage.ProductionDSN = envOrDefault("SLACKRELAY_PRODUCTION_DSN", envOrDefault("SLACKRELAY_POSTGRES_DSN", c.Storage.ProductionDSN))
	c.Storage.QueueSize = e.intEnv("SLACKRELAY_ENVELOPE_QUEUE_SIZE", c.Storage.QueueSize)

	c.Dispatch.Workers = e.intEnv("SLACKRELAY_ENVELOPE_WORKERS", c.Dispatch.Workers)
	c.Dispatch.MaxAttempts = e.intEnv("SLACKRELAY_MAX_ENVELOPE_ATTEMPTS", c.Dispatch.MaxAttempts)
	c.Dispatch.RetryDelay = e.durationEnv("SLACKRELAY_ENVELOPE_RETRY_DELAY", c.Dispatch.RetryDelay)
	c.Dispatch.DedupeWindow = e.durationEnv("SLACKRELAY_DEDUPE_WINDOW", c.Dispatch.DedupeWindow)

	c.Logging.Level = envOrDefault("SLACKRELAY_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOrDefault("SLACKRELAY_LOG_FORMAT", c.Logging.Format)
	c.Logging.Sink = envOrDefault("SLACKRELAY_LOG_SINK", c.Logging.Sink)

	c.Mount.Mountpoint = envOrDefault("SLACKRELAY_MOUNTPOINT", c.Mount.Mountpoint)
	c.Mount.Token = envOrDefault("SLACKRELAY_TOKEN", c.Mount.Token)
	c.Mount.TokenFile = envOrDefault("SLACKRELAY_TOKEN_FILE", c.Mount.TokenFile)
	c.Mount.AllowOther = e.boolEnv("SLACKRELAY_MOUNT_ALLOW_OTHER", c.Mount.AllowOther)
	c.Mount.Debug = e.boolEnv("SLACKRELAY_MOUNT_DEBUG", c.Mount.Debug)
	c.Mount.RetryInterval = e.durationEnv("SLACKRELAY_RETRY_INTERVAL", c.Mount.RetryInterval)
	c.Mount.RetryJitter = e.floatEnv("SLACKRELAY_RETRY_JITTER", c.Mount.RetryJitter)
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Slack.Mode)) {
	case "", "rtm", "events":
	default:
		return fmt.Errorf("unsupported slack mode: %s", c.Slack.Mode)
	}
	if _, err := c.QueueDSN(); err != nil {
		return err
	}
	if c.Mount.RetryJitter < 0 || c.Mount.RetryJitter > 1 {
		return fmt.Errorf("mount retry jitter must be within [0, 1], got %v", c.Mount.RetryJitter)
	}
	return nil
}

// QueueDSN picks the envelope queue: an explicit DSN wins over the
// storage profile. Empty means the in-process default.
func (c *Config) QueueDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Storage.QueueDSN); dsn != "" {
		return dsn, nil
	}
	return StorageProfileQueueDSN(c.Storage.Profile, c.Storage.DataDir, c.Storage.ProductionDSN)
}

func StorageProfileQueueDSN(profile, dataDir, productionDSN string) (string, error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".slackrelay"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN = strings.TrimSpace(productionDSN)
		if productionDSN == "" {
			return "", fmt.Errorf("SLACKRELAY_PRODUCTION_DSN or SLACKRELAY_POSTGRES_DSN is required when SLACKRELAY_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "envelope-queue.json"), nil
	default:
		return "", fmt.Errorf("unsupported SLACKRELAY_BACKEND_PROFILE: %s", profile)
	}
}

// ReadTokenFile returns the first non-empty line of path.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if token := strings.TrimSpace(line); token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("token file %s is empty", path)
}

type envReader struct {
	cfg *Config
}

func (e envReader) warn(name, raw string, fallback any) {
	e.cfg.Warnings = append(e.cfg.Warnings, fmt.Sprintf("invalid %s=%q, using fallback %v", name, raw, fallback))
}

func (e envReader) intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.warn(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.warn(name, raw, fallback)
		return fallback
	}
	return value
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// listEnv splits a comma separated variable, dropping empty items.
func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
