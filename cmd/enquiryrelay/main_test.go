package main

import (
	"bytes"
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/enquiryrelay/internal/config"
	"github.com/agentworkforce/enquiryrelay/internal/credential"
)

func useArrayKeyring(t *testing.T) *credential.Keyring {
	t.Helper()
	ring := credential.NewKeyring(keyring.NewArrayKeyring(nil))
	prev := openKeyring
	openKeyring = func(string) (*credential.Keyring, error) { return ring, nil }
	t.Cleanup(func() { openKeyring = prev })
	return ring
}

func TestOverridesApplyOnlySetFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var o overrides
	o.register(fs)
	require.NoError(t, fs.Parse([]string{"-api-url", "https://crm.example.com", "-log-level", "debug"}))

	cfg := &config.Config{APIURL: "http://localhost:3001", SocketURL: "ws://localhost:3001/ws", ConsoleAddr: "127.0.0.1:8090", LogLevel: "info"}
	o.apply(fs, cfg)
	assert.Equal(t, "https://crm.example.com", cfg.APIURL)
	assert.Equal(t, "ws://localhost:3001/ws", cfg.SocketURL)
	assert.Equal(t, "127.0.0.1:8090", cfg.ConsoleAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoginStoresToken(t *testing.T) {
	ring := useArrayKeyring(t)
	var stderr bytes.Buffer
	err := run([]string{"login", "-account", "ops"}, strings.NewReader("tok_abc\n"), &stderr)
	require.NoError(t, err)
	assert.Contains(t, stderr.String(), `stored token for account "ops"`)

	got, err := ring.Get("ops")
	require.NoError(t, err)
	assert.Equal(t, "tok_abc", got)

	require.NoError(t, run([]string{"logout", "-account", "ops"}, nil, &stderr))
	_, err = ring.Get("ops")
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestLoginRejectsEmptyAndExpiredTokens(t *testing.T) {
	useArrayKeyring(t)
	err := run([]string{"login"}, strings.NewReader("\n"), io.Discard)
	require.ErrorIs(t, err, credential.ErrNoToken)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	err = run([]string{"login"}, strings.NewReader(expired), io.Discard)
	require.ErrorIs(t, err, credential.ErrTokenExpired)
}

func TestServeWithoutTokenFails(t *testing.T) {
	useArrayKeyring(t)
	t.Chdir(t.TempDir())
	t.Setenv("ENQUIRYRELAY_TOKEN", "")
	err := run([]string{"-log-level", "error"}, nil, io.Discard)
	require.ErrorIs(t, err, credential.ErrNoToken)
}

func TestServeRejectsInvalidFlagValue(t *testing.T) {
	useArrayKeyring(t)
	t.Chdir(t.TempDir())
	err := run([]string{"-log-level", "loud"}, nil, io.Discard)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.ErrValidation, cfgErr.Type)
}
