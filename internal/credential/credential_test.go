package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "operator"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got, ok, err := Expiry(signedToken(t, exp))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok, err = Expiry(signedToken(t, time.Time{}))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = Expiry("opaque-api-token")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Expiry("a.b.c")
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestCheckExpiry(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, CheckExpiry(signedToken(t, now.Add(time.Hour)), now))
	require.ErrorIs(t, CheckExpiry(signedToken(t, now.Add(-time.Minute)), now), ErrTokenExpired)
	require.NoError(t, CheckExpiry("opaque", now))
}

func TestKeyringRoundTrip(t *testing.T) {
	ring := NewKeyring(keyring.NewArrayKeyring(nil))
	_, err := ring.Get("ops")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ring.Set("ops", "  tok_1 \n"))
	got, err := ring.Get("ops")
	require.NoError(t, err)
	assert.Equal(t, "tok_1", got)

	require.Error(t, ring.Set("ops", " "))
	require.NoError(t, ring.Delete("ops"))
	_, err = ring.Get("ops")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveOrder(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(tokenFile, []byte("from_file\n"), 0o600))
	ring := NewKeyring(keyring.NewArrayKeyring(nil))
	require.NoError(t, ring.Set("default", "from_keyring"))

	full := Sources{Flag: "from_flag", Env: "from_env", TokenFile: tokenFile, Account: "default", Keyring: ring}
	cases := []struct {
		name   string
		mutate func(*Sources)
		token  string
		source Source
	}{
		{"flag", func(*Sources) {}, "from_flag", SourceFlag},
		{"env", func(s *Sources) { s.Flag = " " }, "from_env", SourceEnv},
		{"file", func(s *Sources) { s.Flag, s.Env = "", "" }, "from_file", SourceFile},
		{"missing file falls through", func(s *Sources) {
			s.Flag, s.Env, s.TokenFile = "", "", filepath.Join(dir, "absent")
		}, "from_keyring", SourceKeyring},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := full
			tc.mutate(&src)
			got, err := Resolve(src)
			require.NoError(t, err)
			assert.Equal(t, Resolved{Token: tc.token, Source: tc.source}, got)
		})
	}

	_, err := Resolve(Sources{Account: "nobody", Keyring: ring})
	require.ErrorIs(t, err, ErrNoToken)
	_, err = Resolve(Sources{})
	require.ErrorIs(t, err, ErrNoToken)
}

func TestResolveRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := Resolve(Sources{
		Env: signedToken(t, now.Add(-time.Hour)),
		Now: func() time.Time { return now },
	})
	require.ErrorIs(t, err, ErrTokenExpired)
	assert.Contains(t, err.Error(), "env token")
}

func TestFileWatcherReportsNewToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o600))

	watcher, err := NewFileWatcher(path, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	tokens := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- watcher.Run(ctx, func(token string) { tokens <- token }) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	replacement := filepath.Join(dir, "token.tmp")
	require.NoError(t, os.WriteFile(replacement, []byte("second\n"), 0o600))
	require.NoError(t, os.Rename(replacement, path))

	select {
	case token := <-tokens:
		assert.Equal(t, "second", token)
	case <-time.After(5 * time.Second):
		t.Fatal("token change not reported")
	}
}
