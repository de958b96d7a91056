package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"CLIPPORTAL_SERVER_HOST",
	"CLIPPORTAL_SERVER_PORT",
	"CLIPPORTAL_STORAGE_PATH",
	"CLIPPORTAL_MAILBOX_CAPABILITY_MODE",
	"CLIPPORTAL_MAILBOX_MAX_CONTENT_BYTES",
	"CLIPPORTAL_SIGNAL_MODE",
	"CLIPPORTAL_SIGNAL_POLL_INTERVAL",
	"CLIPPORTAL_WEBSOCKET_HANDSHAKE_TIMEOUT",
	"CLIPPORTAL_WEBSOCKET_PING_INTERVAL",
	"CLIPPORTAL_CORS_ALLOWED_ORIGINS",
	"CLIPPORTAL_LOG_LEVEL",
	"CLIPPORTAL_DATABASE_TYPE",
	"CLIPPORTAL_DATABASE_DSN",
	"CLIPPORTAL_REDIS_ADDRESS",
	"CLIPPORTAL_RATELIMIT_CREATE_PER_HOUR",
}

// clearEnv 清空相关环境变量（空值等同于未设置），测试结束后自动恢复
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// 验证默认值
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
		assert.Equal(t, "./data", cfg.Storage.Path)
		assert.Equal(t, "secret", cfg.Mailbox.CapabilityMode)
		assert.Equal(t, int64(30<<20), cfg.Mailbox.MaxContentBytes)
		assert.Equal(t, "notify", cfg.Signal.Mode)
		assert.Equal(t, 500*time.Millisecond, cfg.Signal.PollInterval)
		assert.Equal(t, 30*time.Second, cfg.WebSocket.HandshakeTimeout)
		assert.Equal(t, time.Duration(0), cfg.WebSocket.PingInterval)
		assert.Equal(t, float64(50), cfg.WebSocket.MaxHandshakesPerSecond)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Empty(t, cfg.Database.Type)
		assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)
		assert.Empty(t, cfg.Redis.Address)
		assert.Equal(t, 30, cfg.RateLimit.CreatePerHour)
		assert.Equal(t, 120, cfg.RateLimit.SendPerMinute)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("CLIPPORTAL_SERVER_HOST", "127.0.0.1")
		t.Setenv("CLIPPORTAL_SERVER_PORT", "9090")
		t.Setenv("CLIPPORTAL_STORAGE_PATH", "/var/lib/clipportal")
		t.Setenv("CLIPPORTAL_MAILBOX_CAPABILITY_MODE", "PublicKey")
		t.Setenv("CLIPPORTAL_SIGNAL_MODE", "poll")
		t.Setenv("CLIPPORTAL_SIGNAL_POLL_INTERVAL", "1s")
		t.Setenv("CLIPPORTAL_WEBSOCKET_PING_INTERVAL", "20s")
		t.Setenv("CLIPPORTAL_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("CLIPPORTAL_LOG_LEVEL", "debug")
		t.Setenv("CLIPPORTAL_DATABASE_TYPE", "postgres")
		t.Setenv("CLIPPORTAL_DATABASE_DSN", "postgres://localhost/clipportal")
		t.Setenv("CLIPPORTAL_REDIS_ADDRESS", "localhost:6379")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
		assert.Equal(t, "/var/lib/clipportal", cfg.Storage.Path)
		assert.Equal(t, "publickey", cfg.Mailbox.CapabilityMode)
		assert.Equal(t, "poll", cfg.Signal.Mode)
		assert.Equal(t, time.Second, cfg.Signal.PollInterval)
		assert.Equal(t, 20*time.Second, cfg.WebSocket.PingInterval)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "postgres", cfg.Database.Type)
		assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	})

	t.Run("无效配置返回错误", func(t *testing.T) {
		cases := map[string]string{
			"CLIPPORTAL_MAILBOX_CAPABILITY_MODE":     "password",
			"CLIPPORTAL_SIGNAL_MODE":                 "inotify",
			"CLIPPORTAL_SIGNAL_POLL_INTERVAL":        "soon",
			"CLIPPORTAL_WEBSOCKET_HANDSHAKE_TIMEOUT": "forever",
			"CLIPPORTAL_MAILBOX_MAX_CONTENT_BYTES":   "-1",
			"CLIPPORTAL_DATABASE_TYPE":               "sqlite",
		}

		for key, value := range cases {
			t.Run(key, func(t *testing.T) {
				clearEnv(t)
				t.Setenv(key, value)

				cfg, err := Load()
				assert.Error(t, err)
				assert.Nil(t, cfg)
			})
		}
	})

	t.Run("配置数据库类型但缺少 DSN", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("CLIPPORTAL_DATABASE_TYPE", "mysql")

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b "))
	assert.Empty(t, parseList(""))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	clearEnv(t)
	os.Unsetenv("CLIPPORTAL_LOG_LEVEL")
	require.NoError(t, os.WriteFile(".env", []byte("CLIPPORTAL_LOG_LEVEL=warn\n"), 0644))
	defer os.Unsetenv("CLIPPORTAL_LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}
