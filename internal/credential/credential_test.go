package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
)

func testStore(env map[string]string, items ...keyring.Item) *Store {
	ring := keyring.NewArrayKeyring(items)
	return &Store{
		Getenv: func(k string) string { return env[k] },
		Open:   func() (keyring.Keyring, error) { return ring, nil },
	}
}

func TestEnvName(t *testing.T) {
	if got := EnvName(IMAPPasswordKey("work")); got != "MAILPILOT_IMAP_PASSWORD_WORK" {
		t.Fatalf("EnvName = %s", got)
	}
}

func TestGetPrefersEnvironment(t *testing.T) {
	s := testStore(
		map[string]string{"MAILPILOT_IMAP_PASSWORD_WORK": "from-env"},
		keyring.Item{Key: IMAPPasswordKey("work"), Data: []byte("from-ring")},
	)
	v, err := s.Get(IMAPPasswordKey("work"))
	if err != nil || v != "from-env" {
		t.Fatalf("Get = %q, %v", v, err)
	}
}

func TestGetFallsBackToKeyring(t *testing.T) {
	s := testStore(nil, keyring.Item{Key: AnthropicKey, Data: []byte("sk-ant")})
	v, err := s.Get(AnthropicKey)
	if err != nil || v != "sk-ant" {
		t.Fatalf("Get = %q, %v", v, err)
	}
}

func TestAnthropicEnvAlias(t *testing.T) {
	s := testStore(map[string]string{"ANTHROPIC_API_KEY": "sk-env"})
	if v, _ := s.Get(AnthropicKey); v != "sk-env" {
		t.Fatalf("Get = %q", v)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(nil)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetThenGet(t *testing.T) {
	s := testStore(nil)
	if err := s.Set(AnthropicKey, "sk-new"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Get(AnthropicKey); err != nil || v != "sk-new" {
		t.Fatalf("Get = %q, %v", v, err)
	}
}
