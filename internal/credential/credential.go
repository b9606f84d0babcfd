// Package credential resolves secrets: environment first, then the system
// keyring. Secrets never live in the config file.
package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "mailpilot"

// Well-known keys.
const (
	AnthropicKey = "anthropic-api-key"
)

// IMAPPasswordKey is the keyring key of an IMAP account's password.
func IMAPPasswordKey(account string) string { return "imap-password/" + account }

// ErrNotFound is returned when neither the environment nor the keyring
// holds the key.
var ErrNotFound = errors.New("credential not found")

// Store looks secrets up. The zero value uses the process environment and
// the system keyring.
type Store struct {
	Getenv func(string) string
	Open   func() (keyring.Keyring, error)
}

// Default is the process-wide store.
var Default = &Store{}

// Get resolves key from the default store.
func Get(key string) (string, error) { return Default.Get(key) }

// Set writes key to the system keyring.
func Set(key, value string) error { return Default.Set(key, value) }

// EnvName returns the environment variable consulted for key, e.g.
// MAILPILOT_IMAP_PASSWORD_WORK for "imap-password/work".
func EnvName(key string) string {
	var b strings.Builder
	b.WriteString("MAILPILOT_")
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Get returns the value of key. ANTHROPIC_API_KEY is honoured for the
// Anthropic key.
func (s *Store) Get(key string) (string, error) {
	getenv := s.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvName(key)); v != "" {
		return v, nil
	}
	if key == AnthropicKey {
		if v := getenv("ANTHROPIC_API_KEY"); v != "" {
			return v, nil
		}
	}

	ring, err := s.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s (set %s or store it in the keyring)", ErrNotFound, key, EnvName(key))
	}
	if err != nil {
		return "", fmt.Errorf("get credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key in the keyring.
func (s *Store) Set(key, value string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value), Label: "mailpilot " + key}); err != nil {
		return fmt.Errorf("set credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) open() (keyring.Keyring, error) {
	if s.Open != nil {
		return s.Open()
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
		FileDir:                  "~/.config/mailpilot/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("mailpilot-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return ring, nil
}
