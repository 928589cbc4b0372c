package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.APIURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WSURL)
	assert.Equal(t, TransportStomp, cfg.Transport)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Empty(t, cfg.Token)
}

func TestFlagsEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"api-url: https://shop.example.com/\nroom: 3\nrequest-timeout: 2s\nlog-level: warn\n"), 0o600))

	t.Setenv("STOREFRONT_CHAT_TOKEN", "env-token")
	t.Setenv("STOREFRONT_CHAT_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"-c", file, "--room", "7", "--ping-interval", "5s"})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/", cfg.APIURL)
	assert.Equal(t, "wss://shop.example.com/ws", cfg.WSURL)
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, "debug", cfg.LogLevel, "env beats file")
	assert.Equal(t, int64(7), cfg.Room, "flag beats file")
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	_, err := Load([]string{"--transport", "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrBadTransport)

	_, err = Load([]string{"--api-url", "ftp://x"})
	assert.ErrorIs(t, err, ErrBadURL)

	_, err = Load([]string{"--api-url", ""})
	assert.ErrorIs(t, err, ErrNoAPIURL)

	cfg, err := Load([]string{"--transport", "loopback", "--api-url", ""})
	require.NoError(t, err)
	assert.Empty(t, cfg.WSURL)

	_, err = Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestWebSocketURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws",
		"https://shop.example.com/":   "wss://shop.example.com/ws",
		"https://shop.example.com/v1": "wss://shop.example.com/v1/ws",
	} {
		got, err := WebSocketURL(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
