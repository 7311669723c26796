package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "enquiryrelay"

var ErrNotFound = errors.New("credential not found")

// Keyring stores bearer tokens in the OS credential store, one item per
// account.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the system keyring. dir is where the encrypted file
// backend keeps its items on hosts without a native keychain.
func OpenKeyring(dir string) (*Keyring, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "~/.config/enquiryrelay/credentials"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("enquiryrelay-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

func (k *Keyring) Get(account string) (string, error) {
	item, err := k.ring.Get(itemKey(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

func (k *Keyring) Set(account, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token is empty")
	}
	err := k.ring.Set(keyring.Item{
		Key:         itemKey(account),
		Data:        []byte(token),
		Label:       "enquiryrelay token (" + account + ")",
		Description: "bearer token for the enquiry backend",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}
	return nil
}

func (k *Keyring) Delete(account string) error {
	err := k.ring.Remove(itemKey(account))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", account, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}
	return nil
}

func itemKey(account string) string {
	account = strings.TrimSpace(account)
	if account == "" {
		account = "default"
	}
	return "token:" + account
}
