package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/daviddao/mailpilot/internal/decision"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/types"
)

const sampleConfig = `
main_account: work
confidence_threshold: 0.8
outbound_policy: allow_high_confidence
exclude_senders: [boss@example.com]
max_consecutive_errors: 5
watch:
  poll: 45s
accounts:
  - name: work
    type: imap
    host: imap.example.com
    username: me@example.com
    mailboxes: [INBOX, Later]
    folder_policy: auto_create
  - name: home
    type: gmail
    credentials: home/credentials.json
`

const sampleRules = `
rules:
  - name: GitHub
    priority: 10
    match:
      sender_domain: github.com
    action: move
    folder: GitHub
`

func writeFiles(t *testing.T, cfg, rules string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	if rules != "" {
		if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rules), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func noEnv(string) string { return "" }

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeFiles(t, sampleConfig, sampleRules)
	cfg, err := Load(Options{Path: path, Getenv: noEnv})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Threshold != 0.8 || cfg.OutboundPolicy != decision.OutboundHighConfidence {
		t.Fatalf("thresholds = %v %v", cfg.Threshold, cfg.OutboundPolicy)
	}
	if cfg.PollInterval != 45*time.Second || cfg.FullScanInterval != 10*time.Minute {
		t.Fatalf("watch = %s %s", cfg.PollInterval, cfg.FullScanInterval)
	}
	if cfg.BatchSize != 50 || cfg.MaxAge != 7*24*time.Hour || cfg.RetryAttempts != 2 {
		t.Fatalf("defaults = %d %s %d", cfg.BatchSize, cfg.MaxAge, cfg.RetryAttempts)
	}
	if cfg.MaxConsecutiveErrors != 5 {
		t.Fatalf("max_consecutive_errors = %d", cfg.MaxConsecutiveErrors)
	}
	if cfg.FolderPolicy != policy.Queue || cfg.LockBackend != "db" {
		t.Fatalf("policy/lock = %s %s", cfg.FolderPolicy, cfg.LockBackend)
	}
	if len(cfg.ExcludeSenders) != 1 || cfg.ExcludeSenders[0] != "boss@example.com" {
		t.Fatalf("exclude = %v", cfg.ExcludeSenders)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("accounts = %+v", cfg.Accounts)
	}
	work, ok := cfg.Account("work")
	if !ok || work.Type != AccountIMAP || len(work.Mailboxes) != 2 {
		t.Fatalf("work = %+v", work)
	}
	home, _ := cfg.Account("home")
	if home.Credentials != filepath.Join(filepath.Dir(path), "home", "credentials.json") {
		t.Fatalf("credentials not resolved against config dir: %s", home.Credentials)
	}

	def, per := cfg.FolderPolicies()
	if def.Policy != policy.Queue || per["work"].Policy != policy.AutoCreate {
		t.Fatalf("folder policies = %+v %+v", def, per)
	}

	if cfg.Rules.Len() != 1 {
		t.Fatalf("rules = %d", cfg.Rules.Len())
	}
	r, ok := cfg.Rules.Match(types.Item{Sender: "bot@github.com"}, time.Now())
	if !ok || r.Action.Folder != "GitHub" {
		t.Fatalf("rule match = %+v %v", r, ok)
	}
}

func TestChainPrecedence(t *testing.T) {
	path := writeFiles(t, sampleConfig, "")
	env := map[string]string{
		"MAILPILOT_CONFIDENCE_THRESHOLD": "0.6",
		"MAILPILOT_WATCH_POLL":           "1m",
		"MAILPILOT_BATCH_SIZE":           "20",
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.Int("batch-size", 0, "")
	if err := fs.Parse([]string{"--batch-size=5"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(Options{
		Path:     path,
		Getenv:   func(k string) string { return env[k] },
		Flags:    fs,
		FlagKeys: map[string]string{"batch_size": "batch-size", "log.level": "log-level"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold != 0.6 {
		t.Errorf("env did not beat file: threshold = %v", cfg.Threshold)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("env did not beat file: poll = %s", cfg.PollInterval)
	}
	if cfg.BatchSize != 5 {
		t.Errorf("flag did not beat env: batch = %d", cfg.BatchSize)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("unset flag leaked: level = %q", cfg.LogLevel)
	}
}

func TestMissingConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(Options{Path: filepath.Join(t.TempDir(), "none.yaml"), Getenv: noEnv})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold != decision.DefaultThreshold || len(cfg.Accounts) != 0 || cfg.Rules.Len() != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		cfg   string
		rules string
		key   string
	}{
		{"threshold", "confidence_threshold: 1.5\n", "", "confidence_threshold"},
		{"folder policy", "folder_policy: sometimes\n", "", "folder_policy"},
		{"outbound", "outbound_policy: yolo\n", "", "outbound_policy"},
		{"account type", "accounts:\n  - name: x\n    type: pop3\n", "", "accounts.x"},
		{"main account", "main_account: ghost\n", "", "main_account"},
		{"duration", "watch:\n  poll: soon\n", "", "watch.poll"},
		{"rule typo", "", "rules:\n  - name: a\n    acton: archive\n", "rules_file"},
		{"bad rule", "", "rules:\n  - name: a\n    match: {sender_contains: x}\n    action: explode\n", "rules"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFiles(t, tt.cfg, tt.rules)
			_, err := Load(Options{Path: path, Getenv: noEnv})
			var ce *Error
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want *config.Error", err)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Fatalf("err = %v, want key %s", err, tt.key)
			}
		})
	}
}

func TestDecodeRulesEmpty(t *testing.T) {
	recs, err := DecodeRules(nil)
	if err != nil || recs != nil {
		t.Fatalf("DecodeRules(nil) = %v, %v", recs, err)
	}
}
