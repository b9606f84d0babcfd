package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestLoadTokenFormats(t *testing.T) {
	dir := t.TempDir()

	legacy := filepath.Join(dir, "legacy.json")
	os.WriteFile(legacy, []byte(`{"token":"ya29.a","refresh_token":"1//r","expiry":"2026-03-01T09:00:00.123456Z"}`), 0o600)
	tok, isLegacy, err := loadToken(legacy)
	if err != nil {
		t.Fatalf("loadToken legacy: %v", err)
	}
	if !isLegacy || tok.AccessToken != "ya29.a" || tok.RefreshToken != "1//r" {
		t.Fatalf("legacy token = %+v (legacy=%v)", tok, isLegacy)
	}
	if tok.Expiry.Year() != 2026 {
		t.Fatalf("expiry = %s", tok.Expiry)
	}

	modern := filepath.Join(dir, "modern.json")
	os.WriteFile(modern, []byte(`{"access_token":"ya29.b","token_type":"Bearer","refresh_token":"1//s"}`), 0o600)
	tok, isLegacy, err = loadToken(modern)
	if err != nil || isLegacy || tok.AccessToken != "ya29.b" {
		t.Fatalf("modern token = %+v legacy=%v err=%v", tok, isLegacy, err)
	}
}

func TestSaveTokenKeepsLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	conf := &oauth2.Config{ClientID: "cid", Endpoint: oauth2.Endpoint{TokenURL: "https://oauth2.googleapis.com/token"}}
	tok := &oauth2.Token{AccessToken: "new", RefreshToken: "r", Expiry: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	if err := saveToken(path, tok, conf, true); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"token": "new"`) || !strings.Contains(string(raw), `"client_id": "cid"`) {
		t.Fatalf("legacy file = %s", raw)
	}
	got, legacy, err := loadToken(path)
	if err != nil || !legacy || got.AccessToken != "new" || !got.Expiry.Equal(tok.Expiry) {
		t.Fatalf("reloaded = %+v legacy=%v err=%v", got, legacy, err)
	}

	if err := saveToken(path, tok, conf, false); err != nil {
		t.Fatal(err)
	}
	if _, legacy, _ := loadToken(path); legacy {
		t.Fatal("oauth2 layout written as legacy")
	}
}

func TestTokenPathDefaultsNextToCredentials(t *testing.T) {
	p := Paths{Credentials: filepath.Join("acct", "credentials.json")}
	if got := p.token(); got != filepath.Join("acct", "token.json") {
		t.Fatalf("token path = %s", got)
	}
}
