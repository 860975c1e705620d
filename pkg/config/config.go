package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
	"github.com/MovieFirebots/Anime-Realm/pkg/jsoncodec"
	"github.com/MovieFirebots/Anime-Realm/pkg/ratelimit"
	"github.com/MovieFirebots/Anime-Realm/pkg/retry"
)

const (
	envConfigPath = "REALM_CONFIG"

	defaultHost           = "0.0.0.0"
	defaultPort           = 8080
	defaultDatabase       = "anime_filter_bot"
	defaultWebhookPath    = "/webhook"
	defaultPollTimeout    = 25
	defaultQueueBuffer    = 1000
	defaultWorkers        = 8
	defaultBotName        = "Anime Realm"
	defaultHandlerTimeout = 30
	defaultDrainTimeout   = 15
	defaultDedupWindow    = 50

	ModeWebhook = "webhook"
	ModePolling = "polling"
)

var (
	intakeModes  = []string{ModeWebhook, ModePolling}
	storeDrivers = []string{"memory", "mongo", "postgres", "sqlite"}
	queueDrivers = []string{"memory", "amqp", "jetstream"}
)

// Config is the root runtime configuration.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Server   ServerConfig   `json:"server"`
	Store    StoreConfig    `json:"store"`
	Queue    QueueConfig    `json:"queue"`
	Dispatch DispatchConfig `json:"dispatch"`
	Outbound OutboundConfig `json:"outbound"`
	External ExternalConfig `json:"external"`
	Bot      BotConfig      `json:"bot"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format string `json:"format,omitempty"`
	Level  string `json:"level,omitempty"`
}

// TelegramConfig holds the bot token and update intake settings. Mode
// "polling" pulls updates with getUpdates instead of waiting for webhooks.
type TelegramConfig struct {
	Token              string `json:"token"`
	APIServer          string `json:"api_server,omitempty"`
	Mode               string `json:"mode,omitempty"`
	WebhookURL         string `json:"webhook_url,omitempty"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`
	WebhookPath        string `json:"webhook_path,omitempty"`
	PollTimeoutSeconds int    `json:"poll_timeout_seconds,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
}

// StoreConfig selects the conversation state backend.
type StoreConfig struct {
	Driver        string      `json:"driver"`
	URI           string      `json:"uri"`
	Database      string      `json:"database"`
	Collection    string      `json:"collection,omitempty"`
	StateTTLHours int         `json:"state_ttl_hours,omitempty"`
	Retry         RetryConfig `json:"retry"`
}

// QueueConfig selects the inbound queue between the webhook and the workers.
type QueueConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url,omitempty"`
	Name   string `json:"name,omitempty"`
	Buffer int    `json:"buffer,omitempty"`
}

type DispatchConfig struct {
	Workers               int `json:"workers"`
	HandlerTimeoutSeconds int `json:"handler_timeout_seconds"`
	DrainTimeoutSeconds   int `json:"drain_timeout_seconds"`
	// DedupWindow is how many processed event ids are kept per chat. Zero disables de-duplication.
	DedupWindow int `json:"dedup_window"`
}

// OutboundConfig sets chat platform rate limits and retry behavior.
type OutboundConfig struct {
	GlobalPerSecond  float64     `json:"global_per_second"`
	GlobalBurst      int         `json:"global_burst"`
	PerChatPerSecond float64     `json:"per_chat_per_second"`
	PerChatBurst     int         `json:"per_chat_burst"`
	Retry            RetryConfig `json:"retry"`
}

// ExternalConfig configures the third-party API target. An empty BaseURL disables it.
type ExternalConfig struct {
	BaseURL         string      `json:"base_url,omitempty"`
	APIKey          string      `json:"api_key,omitempty"`
	TimeoutSeconds  int         `json:"timeout_seconds,omitempty"`
	BreakerFailures int         `json:"breaker_failures,omitempty"`
	Retry           RetryConfig `json:"retry"`
}

type BotConfig struct {
	Name         string  `json:"name,omitempty"`
	AdminIDs     []int64 `json:"admin_ids,omitempty"`
	LogChannelID string  `json:"log_channel_id,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
}

// Policy converts the config into a retry policy. Unset fields keep the policy defaults.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(r.MaxDelayMS) * time.Millisecond,
	}
}

func (o OutboundConfig) Limits() ratelimit.Config {
	return ratelimit.Config{
		GlobalPerSecond:  o.GlobalPerSecond,
		GlobalBurst:      o.GlobalBurst,
		PerChatPerSecond: o.PerChatPerSecond,
		PerChatBurst:     o.PerChatBurst,
	}
}

func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s StoreConfig) StateTTL() time.Duration {
	return time.Duration(s.StateTTLHours) * time.Hour
}

// LoadConfig loads .env, an optional JSON config file, defaults and environment overrides.
// It does not validate; call Validate before serving traffic.
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := jsoncodec.Unmarshal(content, &cfg); err != nil {
			return nil, apperr.Wrap(apperr.ConfigurationError, err, "parse config file")
		}
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Telegram.Mode == "" {
		cfg.Telegram.Mode = ModeWebhook
	}
	if cfg.Telegram.WebhookPath == "" {
		cfg.Telegram.WebhookPath = defaultWebhookPath
	}
	if cfg.Telegram.PollTimeoutSeconds == 0 {
		cfg.Telegram.PollTimeoutSeconds = defaultPollTimeout
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "mongo"
	}
	if cfg.Store.Database == "" {
		cfg.Store.Database = defaultDatabase
	}
	if cfg.Store.Retry == (RetryConfig{}) {
		cfg.Store.Retry = RetryConfig{MaxAttempts: 3, BaseDelayMS: 100, MaxDelayMS: 2000}
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Buffer == 0 {
		cfg.Queue.Buffer = defaultQueueBuffer
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = defaultWorkers
	}
	if cfg.Dispatch.HandlerTimeoutSeconds == 0 {
		cfg.Dispatch.HandlerTimeoutSeconds = defaultHandlerTimeout
	}
	if cfg.Dispatch.DrainTimeoutSeconds == 0 {
		cfg.Dispatch.DrainTimeoutSeconds = defaultDrainTimeout
	}
	if cfg.Dispatch.DedupWindow == 0 {
		cfg.Dispatch.DedupWindow = defaultDedupWindow
	}
	// Bot API ceilings: about 30 messages per second overall and 1 per second per chat.
	if cfg.Outbound.GlobalPerSecond == 0 {
		cfg.Outbound.GlobalPerSecond = 30
		cfg.Outbound.GlobalBurst = 30
	}
	if cfg.Outbound.PerChatPerSecond == 0 {
		cfg.Outbound.PerChatPerSecond = 1
		cfg.Outbound.PerChatBurst = 3
	}
	if cfg.Outbound.Retry == (RetryConfig{}) {
		cfg.Outbound.Retry = RetryConfig{MaxAttempts: 4, BaseDelayMS: 200, MaxDelayMS: 10000}
	}
	if cfg.External.Retry == (RetryConfig{}) {
		cfg.External.Retry = RetryConfig{MaxAttempts: 3, BaseDelayMS: 500, MaxDelayMS: 5000}
	}
	if cfg.Bot.Name == "" {
		cfg.Bot.Name = defaultBotName
	}
}

// applyEnvOverrides injects env-driven settings on top of file config and defaults.
func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Telegram.Token, "BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.APIServer, "TELEGRAM_API_SERVER")
	setString(&cfg.Telegram.WebhookURL, "WEBHOOK_URL")
	setString(&cfg.Telegram.WebhookSecret, "WEBHOOK_SECRET")
	setString(&cfg.Telegram.WebhookPath, "WEBHOOK_PATH")
	setString(&cfg.Telegram.Mode, "TELEGRAM_MODE")
	cfg.Telegram.Mode = strings.ToLower(strings.TrimSpace(cfg.Telegram.Mode))
	setString(&cfg.Server.Host, "HOST")
	setString(&cfg.Store.URI, "MONGO_URI", "STORE_URI")
	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.Database, "DATABASE_NAME")
	setString(&cfg.Queue.Driver, "QUEUE_DRIVER")
	setString(&cfg.Queue.URL, "QUEUE_URL")
	setString(&cfg.External.BaseURL, "EXTERNAL_API_URL", "MODIJI_API_URL")
	setString(&cfg.External.APIKey, "EXTERNAL_API_KEY", "MODIJI_API_KEY")
	setString(&cfg.Bot.LogChannelID, "LOG_CHANNEL_ID")

	if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return apperr.New(apperr.ConfigurationError, fmt.Sprintf("PORT must be a number, got %q", raw))
		}
		cfg.Server.Port = port
	}

	if raw := strings.TrimSpace(os.Getenv("ADMIN_IDS")); raw != "" {
		ids, err := parseIDs(raw)
		if err != nil {
			return apperr.Wrap(apperr.ConfigurationError, err, "ADMIN_IDS")
		}
		cfg.Bot.AdminIDs = ids
	}

	if raw := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); raw != "" {
		cfg.Server.AllowedOrigins = parseCSV(raw)
	}

	return nil
}

// setString assigns the first non-empty env value among keys.
func setString(dst *string, keys ...string) {
	for _, key := range keys {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			*dst = value
			return
		}
	}
}

// Validate reports the first configuration problem that makes serving impossible.
func (c *Config) Validate() error {
	if c == nil {
		return apperr.New(apperr.ConfigurationError, "config is required")
	}

	var problems []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		problems = append(problems, errors.New("BOT_TOKEN is required"))
	}
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		problems = append(problems, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	} else if c.Store.Driver != "memory" && strings.TrimSpace(c.Store.URI) == "" {
		problems = append(problems, fmt.Errorf("MONGO_URI is required for store driver %q", c.Store.Driver))
	}
	if !slices.Contains(queueDrivers, c.Queue.Driver) {
		problems = append(problems, fmt.Errorf("unknown queue driver %q", c.Queue.Driver))
	} else if c.Queue.Driver != "memory" && strings.TrimSpace(c.Queue.URL) == "" {
		problems = append(problems, fmt.Errorf("QUEUE_URL is required for queue driver %q", c.Queue.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if !slices.Contains(intakeModes, c.Telegram.Mode) {
		problems = append(problems, fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode))
	}
	if c.Telegram.PollTimeoutSeconds < 0 {
		problems = append(problems, errors.New("poll timeout must not be negative"))
	}
	if !strings.HasPrefix(c.Telegram.WebhookPath, "/") {
		problems = append(problems, fmt.Errorf("webhook path %q must start with /", c.Telegram.WebhookPath))
	}
	if c.Dispatch.Workers <= 0 {
		problems = append(problems, errors.New("dispatch workers must be positive"))
	}
	if c.Dispatch.HandlerTimeoutSeconds <= 0 || c.Dispatch.DrainTimeoutSeconds <= 0 {
		problems = append(problems, errors.New("dispatch timeouts must be positive"))
	}
	if c.Dispatch.DedupWindow < 0 {
		problems = append(problems, errors.New("dedup window must not be negative"))
	}
	if c.Outbound.GlobalPerSecond < 0 || c.Outbound.PerChatPerSecond < 0 {
		problems = append(problems, errors.New("outbound rate limits must not be negative"))
	}

	if len(problems) == 0 {
		return nil
	}

	return apperr.Wrap(apperr.ConfigurationError, errors.Join(problems...), "invalid configuration")
}

// Warnings lists settings that are valid but lose data on a crash.
func (c *Config) Warnings() []string {
	if c == nil {
		return nil
	}

	var warnings []string
	if c.Queue.Driver == "memory" {
		warnings = append(warnings, "QUEUE_DRIVER=memory is not durable: updates already acknowledged to Telegram are lost if the process dies before dispatching them; use amqp or jetstream in production")
	}
	if c.Store.Driver == "memory" {
		warnings = append(warnings, "STORE_DRIVER=memory keeps conversation state only until the process exits")
	}

	return warnings
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

func parseIDs(input string) ([]int64, error) {
	parts := parseCSV(input)
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// findConfigPath resolves the optional config file location. An empty path
// means no file was found and the config comes from defaults and env only.
//
// Precedence is REALM_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", apperr.New(apperr.ConfigurationError, fmt.Sprintf("%s does not point to a file: %s", envConfigPath, value))
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
