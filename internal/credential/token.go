package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrNoToken        = errors.New("no bearer token configured")
	ErrTokenExpired   = errors.New("bearer token has expired")
	ErrMalformedToken = errors.New("malformed bearer token")
)

// Expiry reads the exp claim of a JWT bearer token without verifying its
// signature; the backend remains the authority on validity. Opaque tokens
// report ok == false.
func Expiry(token string) (exp time.Time, ok bool, err error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false, nil
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// CheckExpiry rejects tokens whose exp claim is not after now.
func CheckExpiry(token string, now time.Time) error {
	exp, ok, err := Expiry(token)
	if err != nil {
		return err
	}
	if ok && !exp.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.UTC().Format(time.RFC3339))
	}
	return nil
}

// ReadTokenFile returns the trimmed contents of path.
func ReadTokenFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

type Source string

const (
	SourceFlag    Source = "flag"
	SourceEnv     Source = "env"
	SourceFile    Source = "file"
	SourceKeyring Source = "keyring"
)

type Sources struct {
	Flag      string
	Env       string
	TokenFile string
	Account   string
	Keyring   *Keyring
	Now       func() time.Time
}

type Resolved struct {
	Token  string
	Source Source
}

// Resolve picks the first token found in flag, environment, token file and
// keyring order. A token file that does not exist is skipped; any other read
// failure is returned. The chosen token must not be expired.
func Resolve(src Sources) (Resolved, error) {
	now := time.Now
	if src.Now != nil {
		now = src.Now
	}
	resolved, err := firstToken(src)
	if err != nil {
		return Resolved{}, err
	}
	if err := CheckExpiry(resolved.Token, now()); err != nil {
		return Resolved{}, fmt.Errorf("%s token: %w", resolved.Source, err)
	}
	return resolved, nil
}

func firstToken(src Sources) (Resolved, error) {
	if token := strings.TrimSpace(src.Flag); token != "" {
		return Resolved{Token: token, Source: SourceFlag}, nil
	}
	if token := strings.TrimSpace(src.Env); token != "" {
		return Resolved{Token: token, Source: SourceEnv}, nil
	}
	if path := strings.TrimSpace(src.TokenFile); path != "" {
		token, err := ReadTokenFile(path)
		switch {
		case err == nil && token != "":
			return Resolved{Token: token, Source: SourceFile}, nil
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return Resolved{}, fmt.Errorf("read token file: %w", err)
		}
	}
	if src.Keyring != nil {
		token, err := src.Keyring.Get(src.Account)
		switch {
		case err == nil && token != "":
			return Resolved{Token: token, Source: SourceKeyring}, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return Resolved{}, err
		}
	}
	return Resolved{}, ErrNoToken
}
