package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir isolates Load from any .env in the package directory.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, "data/zkteco.db", cfg.DatabasePath)
	assert.Equal(t, "192.168.18.201:4370", cfg.TerminalAddress())
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 3, cfg.CaptureSamples)
	assert.Equal(t, ":1883", cfg.MQTTBindAddress)
	assert.Empty(t, cfg.TelegramBotToken)
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ZKCONTROL_HTTP_PORT", "8080")
	t.Setenv("ZKCONTROL_TERMINAL_HOST", "10.0.0.2")
	t.Setenv("ZKCONTROL_SYNC_INTERVAL", "90s")
	t.Setenv("ZKCONTROL_CORS_ORIGINS", "http://a.local, ,http://b.local")
	t.Setenv("ZKCONTROL_GATEWAY_TOPIC", "site/terminal/")
	t.Setenv("ZKCONTROL_MQTT_BIND", "")
	t.Setenv("ZKCONTROL_TELEGRAM_CHAT_ID", "-1001")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "10.0.0.2:4370", cfg.TerminalAddress())
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.CORSOrigins)
	assert.Equal(t, "site/terminal", cfg.GatewayTopic)
	assert.Empty(t, cfg.MQTTBindAddress)
	assert.Equal(t, int64(-1001), cfg.TelegramChatID)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ZKCONTROL_DEVICE_LABEL=MA300-B\nZKCONTROL_TERMINAL_PORT=4371\n"), 0o644))
	chdir(t, dir)
	t.Setenv("ZKCONTROL_TERMINAL_PORT", "4372")

	cfg, err := Load()
	t.Cleanup(func() {
		_ = os.Unsetenv("ZKCONTROL_DEVICE_LABEL")
	})
	require.NoError(t, err)
	assert.Equal(t, "MA300-B", cfg.DeviceLabel)
	assert.Equal(t, 4372, cfg.TerminalPort)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"ZKCONTROL_HTTP_PORT", "70000"},
		{"ZKCONTROL_TERMINAL_PORT", "abc"},
		{"ZKCONTROL_SYNC_INTERVAL", "soon"},
		{"ZKCONTROL_TERMINAL_DEADLINE", "-1s"},
		{"ZKCONTROL_CAPTURE_SAMPLES", "0"},
		{"ZKCONTROL_CAPTURE_SAMPLES", "11"},
		{"ZKCONTROL_CORS_ORIGINS", ","},
		{"ZKCONTROL_CORS_ORIGINS", " , "},
		{"ZKCONTROL_TERMINAL_TRANSPORT", "serial"},
		{"ZKCONTROL_TELEGRAM_CHAT_ID", "chat"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadTerminalTransport(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportTCP, cfg.TerminalTransport)

	t.Setenv("ZKCONTROL_TERMINAL_TRANSPORT", "Gateway")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, TransportGateway, cfg.TerminalTransport)
}
