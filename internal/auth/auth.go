// Package auth builds authenticated Gmail API clients from an OAuth client
// file and a stored token.
//
// Tokens are read either in golang.org/x/oauth2 JSON form or in the
// token.json format written by Google's Python client, so tokens created by
// other tools keep working. Refreshed tokens are written back in the format
// they were read in.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Scopes needed to read, label, trash and send.
var Scopes = []string{
	gmail.GmailModifyScope,
	gmail.GmailSendScope,
	gmail.GmailLabelsScope,
}

// Paths locate the OAuth client and token files of one account.
type Paths struct {
	Credentials string
	// Token defaults to token.json next to Credentials.
	Token string
}

func (p Paths) token() string {
	if p.Token != "" {
		return p.Token
	}
	return filepath.Join(filepath.Dir(p.Credentials), "token.json")
}

// googleAuthToken is the token.json layout of google-auth (Python).
type googleAuthToken struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

const googleAuthExpiry = "2006-01-02T15:04:05.999999Z"

// LoadGmailService returns a Gmail service for the account described by p.
func LoadGmailService(ctx context.Context, p Paths) (*gmail.Service, error) {
	conf, err := loadConfig(p.Credentials)
	if err != nil {
		return nil, err
	}
	tokenPath := p.token()
	tok, legacy, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token from %s: %w", tokenPath, err)
	}

	ts := oauth2.ReuseTokenSource(tok, &savingSource{
		src:    conf.TokenSource(ctx, tok),
		path:   tokenPath,
		conf:   conf,
		legacy: legacy,
		last:   tok.AccessToken,
	})
	return gmail.NewService(ctx, option.WithTokenSource(ts))
}

func loadConfig(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials from %s: %w", path, err)
	}
	conf, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	return conf, nil
}

// loadToken reads a token file and reports whether it was in the
// google-auth layout.
func loadToken(path string) (*oauth2.Token, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, fmt.Errorf("parse token: %w", err)
	}
	if _, ok := probe["access_token"]; ok {
		tok := &oauth2.Token{}
		if err := json.Unmarshal(data, tok); err != nil {
			return nil, false, fmt.Errorf("parse token: %w", err)
		}
		return tok, false, nil
	}

	var gt googleAuthToken
	if err := json.Unmarshal(data, &gt); err != nil {
		return nil, false, fmt.Errorf("parse token: %w", err)
	}
	tok := &oauth2.Token{
		AccessToken:  gt.Token,
		RefreshToken: gt.RefreshToken,
		TokenType:    "Bearer",
	}
	for _, layout := range []string{googleAuthExpiry, time.RFC3339Nano} {
		if t, err := time.Parse(layout, gt.Expiry); err == nil {
			tok.Expiry = t
			break
		}
	}
	return tok, true, nil
}

func saveToken(path string, tok *oauth2.Token, conf *oauth2.Config, legacy bool) error {
	var v any = tok
	if legacy {
		v = googleAuthToken{
			Token:        tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenURI:     conf.Endpoint.TokenURL,
			ClientID:     conf.ClientID,
			ClientSecret: conf.ClientSecret,
			Scopes:       conf.Scopes,
			Expiry:       tok.Expiry.UTC().Format(googleAuthExpiry),
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// savingSource persists every newly minted access token.
type savingSource struct {
	src    oauth2.TokenSource
	path   string
	conf   *oauth2.Config
	legacy bool
	last   string
}

func (s *savingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok, s.conf, s.legacy); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("could not save refreshed token")
		}
	}
	return tok, nil
}
