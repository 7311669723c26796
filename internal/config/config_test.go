package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/enquiryrelay/internal/enquiry"
)

// isolate runs the test from an empty directory so a stray .env is never
// picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3001", cfg.APIURL)
	assert.Equal(t, "ws://localhost:3001/ws", cfg.SocketURL)
	assert.Equal(t, "default", cfg.KeyringAccount)
	assert.Equal(t, "127.0.0.1:8090", cfg.ConsoleAddr)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.NotificationLimit, "the feed is unbounded unless capped")
	assert.Equal(t, slog.LevelInfo, cfg.Level())
	assert.Empty(t, cfg.PageIDs())
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("ENQUIRYRELAY_API_URL", "https://crm.example.com/")
	t.Setenv("ENQUIRYRELAY_RETRY_ATTEMPTS", "8")
	t.Setenv("ENQUIRYRELAY_RETRY_DELAY", "250ms")
	t.Setenv("ENQUIRYRELAY_FACEBOOK_PAGE_ID", "page_fb")
	t.Setenv("ENQUIRYRELAY_LOG_LEVEL", "DEBUG")
	t.Setenv("ENQUIRYRELAY_LOG_FORMAT", "json")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://crm.example.com", cfg.APIURL)
	assert.Equal(t, 8, cfg.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, map[enquiry.Channel]string{enquiry.ChannelFacebook: "page_fb"}, cfg.PageIDs())
	assert.Equal(t, slog.LevelDebug, cfg.Level())

	var buf bytes.Buffer
	cfg.NewLogger(&buf).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLoadParsingError(t *testing.T) {
	isolate(t)
	t.Setenv("ENQUIRYRELAY_DIAL_TIMEOUT", "soon")
	_, err := Load("")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrParsing, cfgErr.Type)
}

func TestLoadValidationError(t *testing.T) {
	cases := map[string]string{
		"ENQUIRYRELAY_LOG_LEVEL":      "loud",
		"ENQUIRYRELAY_RETRY_ATTEMPTS": "0",
		"ENQUIRYRELAY_CONSOLE_ADDR":   "not an address",
		"ENQUIRYRELAY_API_URL":        "::",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			isolate(t)
			t.Setenv(key, value)
			_, err := Load("")
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, ErrValidation, cfgErr.Type)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("ENQUIRYRELAY_INSTAGRAM_PAGE_ID=ig_page\nENQUIRYRELAY_NOTIFICATION_LIMIT=5\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("ENQUIRYRELAY_INSTAGRAM_PAGE_ID")
		os.Unsetenv("ENQUIRYRELAY_NOTIFICATION_LIMIT")
	})
	t.Setenv("ENQUIRYRELAY_NOTIFICATION_LIMIT", "9")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ig_page", cfg.PageIDs()[enquiry.ChannelInstagram])
	assert.Equal(t, 9, cfg.NotificationLimit, "environment wins over the file")
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "missing.env"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, ErrEnvFile, cfgErr.Type)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Type: ErrValidation, Message: "bad"}
	assert.Equal(t, "[VALIDATION_FAILED] bad", err.Error())
	wrapped := &ConfigError{Type: ErrParsing, Message: "bad", Err: errors.New("cause")}
	assert.Equal(t, "[PARSING_FAILED] bad: cause", wrapped.Error())
}
