package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MovieFirebots/Anime-Realm/pkg/apperr"
)

var envKeys = []string{
	envConfigPath, "BOT_TOKEN", "TELEGRAM_BOT_TOKEN", "TELEGRAM_API_SERVER", "WEBHOOK_URL",
	"WEBHOOK_SECRET", "WEBHOOK_PATH", "TELEGRAM_MODE", "HOST", "PORT", "MONGO_URI", "STORE_URI", "STORE_DRIVER",
	"DATABASE_NAME", "QUEUE_DRIVER", "QUEUE_URL", "EXTERNAL_API_URL", "MODIJI_API_URL",
	"EXTERNAL_API_KEY", "MODIJI_API_KEY", "LOG_CHANNEL_ID", "ADMIN_IDS", "ALLOWED_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigPath, "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("PORT", "9090")
	t.Setenv("ADMIN_IDS", "11, 22,,33")
	t.Setenv("LOG_CHANNEL_ID", "-100500")
	t.Setenv("MODIJI_API_URL", "https://modiji.example")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "/webhook", cfg.Telegram.WebhookPath)
	assert.Equal(t, ModeWebhook, cfg.Telegram.Mode)
	assert.Equal(t, 25, cfg.Telegram.PollTimeoutSeconds)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "anime_filter_bot", cfg.Store.Database)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, []int64{11, 22, 33}, cfg.Bot.AdminIDs)
	assert.Equal(t, "-100500", cfg.Bot.LogChannelID)
	assert.Equal(t, "https://modiji.example", cfg.External.BaseURL)
	assert.Equal(t, 8, cfg.Dispatch.Workers)
	assert.Equal(t, 50, cfg.Dispatch.DedupWindow)
	assert.Equal(t, 30.0, cfg.Outbound.Limits().GlobalPerSecond)
	assert.Equal(t, 1.0, cfg.Outbound.Limits().PerChatPerSecond)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "telegram": {"token": "file-token", "webhook_path": "/tg"},
	  "server": {"host": "127.0.0.1", "port": 18790},
	  "store": {"driver": "sqlite", "uri": "file:realm.db", "state_ttl_hours": 48, "retry": {"max_attempts": 5, "base_delay_ms": 10}},
	  "queue": {"driver": "jetstream", "url": "nats://localhost:4222"},
	  "logging": {"format": "json", "level": "debug"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(envConfigPath, path)
	t.Setenv("BOT_TOKEN", "env-token")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "env-token", cfg.Telegram.Token)
	assert.Equal(t, "/tg", cfg.Telegram.WebhookPath)
	assert.Equal(t, "127.0.0.1:18790", cfg.Server.Addr())
	assert.Equal(t, 48*time.Hour, cfg.Store.StateTTL())
	assert.Equal(t, 5, cfg.Store.Retry.Policy().MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.Store.Retry.Policy().BaseDelay)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing.json"))

	_, err := LoadConfig()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ConfigurationError))
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	clearEnv(t)

	t.Setenv("PORT", "eighty")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ConfigurationError))

	t.Setenv("PORT", "")
	t.Setenv("ADMIN_IDS", "12,abc")
	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid id "abc"`)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := &Config{Telegram: TelegramConfig{Token: "t"}, Store: StoreConfig{Driver: "memory"}}
		applyDefaults(cfg)
		cfg.Store.Driver = "memory"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid memory", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = " " }, want: "BOT_TOKEN is required"},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.Driver = "mongo" }, want: "MONGO_URI is required"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Driver = "redis" }, want: `unknown store driver "redis"`},
		{name: "amqp without url", mutate: func(c *Config) { c.Queue.Driver = "amqp" }, want: "QUEUE_URL is required"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Driver = "kafka" }, want: `unknown queue driver "kafka"`},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, want: "invalid port 70000"},
		{name: "polling mode", mutate: func(c *Config) { c.Telegram.Mode = ModePolling }},
		{name: "unknown mode", mutate: func(c *Config) { c.Telegram.Mode = "push" }, want: `unknown telegram mode "push"`},
		{name: "bad webhook path", mutate: func(c *Config) { c.Telegram.WebhookPath = "hook" }, want: "must start with /"},
		{name: "no workers", mutate: func(c *Config) { c.Dispatch.Workers = -1 }, want: "dispatch workers must be positive"},
		{name: "negative dedup", mutate: func(c *Config) { c.Dispatch.DedupWindow = -1 }, want: "dedup window"},
		{name: "negative rate", mutate: func(c *Config) { c.Outbound.GlobalPerSecond = -1 }, want: "rate limits"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperr.Is(err, apperr.ConfigurationError))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWarningsFlagVolatileDrivers(t *testing.T) {
	t.Parallel()

	cfg := &Config{Telegram: TelegramConfig{Token: "t"}}
	applyDefaults(cfg)

	warnings := cfg.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "QUEUE_DRIVER=memory is not durable")

	cfg.Store.Driver = "memory"
	assert.Len(t, cfg.Warnings(), 2)

	cfg.Queue.Driver = "jetstream"
	cfg.Store.Driver = "mongo"
	assert.Empty(t, cfg.Warnings())
}

func TestLoadConfigPollingModeIsCaseInsensitive(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_MODE", " Polling ")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ModePolling, cfg.Telegram.Mode)
}

func TestParseCSV(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"a", "b"}, parseCSV(" a ,, b ,"))
	assert.Empty(t, parseCSV(" , "))
}
