// Package config loads the immutable runtime configuration. Values resolve
// through a Chain: explicit flags, then MAILPILOT_* environment variables,
// then the YAML config file, then built-in defaults. Rules live in a
// separate YAML file that is decoded strictly.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/decision"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/rules"
)

// Error is a configuration problem. It is fatal at load time.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(key, format string, args ...any) error {
	return &Error{Key: key, Err: fmt.Errorf(format, args...)}
}

// Account types.
const (
	AccountGmail   = "gmail"
	AccountIMAP    = "imap"
	AccountCommand = "command"
)

// Account is one configured mailbox owner.
type Account struct {
	Name            string   `mapstructure:"name"`
	Type            string   `mapstructure:"type"`
	Credentials     string   `mapstructure:"credentials"`
	Token           string   `mapstructure:"token"`
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	Username        string   `mapstructure:"username"`
	StartTLS        bool     `mapstructure:"starttls"`
	ArchiveFolder   string   `mapstructure:"archive_folder"`
	Command         []string `mapstructure:"command"`
	Mailboxes       []string `mapstructure:"mailboxes"`
	FolderPolicy    string   `mapstructure:"folder_policy"`
	NotifyOnPending bool     `mapstructure:"notify_on_pending"`
}

// Classifier configures the AI backend.
type Classifier struct {
	Backend   string
	Model     string
	MaxTokens int
	Command   []string
	Endpoint  string
	Timeout   time.Duration
}

// Config is built once at startup and passed to constructors.
type Config struct {
	Path      string
	DBPath    string
	RulesFile string
	LogLevel  string
	LogFormat string

	Accounts        []Account
	MainAccount     string
	ExcludeSenders  []string
	ExcludeSubjects []string
	Instructions    string

	Threshold         float64
	OutboundPolicy    decision.OutboundPolicy
	OutboundThreshold float64
	FolderPolicy      policy.Policy
	NotifyOnPending   bool
	FolderCacheTTL    time.Duration

	Classifier Classifier

	BatchSize            int
	MaxAge               time.Duration
	RateLimit            time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	StoreTimeout         time.Duration
	MaxConsecutiveErrors int

	ProcessedDays int
	PendingDays   int

	LockBackend    string
	LockPath       string
	LockStaleAfter time.Duration

	PollInterval     time.Duration
	FullScanInterval time.Duration
	StartupScan      bool

	MetricsAddr string

	RuleRecords []rules.Record
	Rules       *rules.Set
}

// Defaults are the built-in values at the bottom of the chain.
var Defaults = map[string]any{
	"log.level":                     "info",
	"log.format":                    "auto",
	"confidence_threshold":          decision.DefaultThreshold,
	"outbound_policy":               string(decision.OutboundRequireApproval),
	"outbound_confidence_threshold": decision.DefaultOutboundThreshold,
	"folder_policy":                 string(policy.Queue),
	"notify_on_pending":             false,
	"folder_cache_ttl":              "10m",
	"batch_size":                    50,
	"max_age_days":                  7,
	"rate_limit":                    "1s",
	"retry.attempts":                2,
	"retry.delay":                   "2s",
	"store.timeout":                 "30s",
	"max_consecutive_errors":        3,
	"classifier.backend":            "anthropic",
	"classifier.max_tokens":         1024,
	"classifier.timeout":            "60s",
	"retention.processed_days":      90,
	"retention.pending_days":        30,
	"lock.backend":                  "db",
	"lock.stale_after":              "30m",
	"watch.poll":                    "30s",
	"watch.full_scan":               "10m",
	"watch.startup_scan":            true,
}

// Options tell Load where to look.
type Options struct {
	// Path overrides MAILPILOT_CONFIG and the default location.
	Path     string
	Flags    *pflag.FlagSet
	FlagKeys map[string]string
	Getenv   func(string) string
}

// DefaultPath returns ~/.config/mailpilot/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".mailpilot", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailpilot", "config.yaml")
}

// Load reads and validates the configuration. A missing config file is not
// an error; a missing rules file means no rules.
func Load(opts Options) (*Config, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	path := opts.Path
	if path == "" {
		path = getenv("MAILPILOT_CONFIG")
	}
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) && !errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Err: fmt.Errorf("read %s: %w", path, err)}
		}
	}

	r := &resolver{chain: Chain{
		FlagProvider{Flags: opts.Flags, Keys: opts.FlagKeys},
		EnvProvider{Getenv: getenv},
		FileProvider{V: v},
		MapProvider{Label: "default", Values: Defaults},
	}}

	cfg := &Config{
		Path:      path,
		DBPath:    r.str("db_path"),
		RulesFile: r.str("rules_file"),
		LogLevel:  r.str("log.level"),
		LogFormat: r.str("log.format"),

		MainAccount:     r.str("main_account"),
		ExcludeSenders:  r.list("exclude_senders"),
		ExcludeSubjects: r.list("exclude_subjects"),
		Instructions:    r.str("instructions"),

		Threshold:         r.number("confidence_threshold"),
		OutboundThreshold: r.number("outbound_confidence_threshold"),
		NotifyOnPending:   r.boolean("notify_on_pending"),
		FolderCacheTTL:    r.duration("folder_cache_ttl"),

		Classifier: Classifier{
			Backend:   strings.ToLower(r.str("classifier.backend")),
			Model:     r.str("classifier.model"),
			MaxTokens: r.integer("classifier.max_tokens"),
			Command:   r.list("classifier.command"),
			Endpoint:  r.str("classifier.endpoint"),
			Timeout:   r.duration("classifier.timeout"),
		},

		BatchSize:            r.integer("batch_size"),
		MaxAge:               time.Duration(r.integer("max_age_days")) * 24 * time.Hour,
		RateLimit:            r.duration("rate_limit"),
		RetryAttempts:        r.integer("retry.attempts"),
		RetryDelay:           r.duration("retry.delay"),
		StoreTimeout:         r.duration("store.timeout"),
		MaxConsecutiveErrors: r.integer("max_consecutive_errors"),

		ProcessedDays: r.integer("retention.processed_days"),
		PendingDays:   r.integer("retention.pending_days"),

		LockBackend:    strings.ToLower(r.str("lock.backend")),
		LockPath:       r.str("lock.path"),
		LockStaleAfter: r.duration("lock.stale_after"),

		PollInterval:     r.duration("watch.poll"),
		FullScanInterval: r.duration("watch.full_scan"),
		StartupScan:      r.boolean("watch.startup_scan"),

		MetricsAddr: r.str("metrics.addr"),
	}

	var err error
	if cfg.OutboundPolicy, err = decision.ParseOutboundPolicy(r.str("outbound_policy")); err != nil {
		r.fail("outbound_policy", err)
	}
	if cfg.FolderPolicy, err = policy.Parse(r.str("folder_policy")); err != nil {
		r.fail("folder_policy", err)
	}
	if err := v.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
		r.fail("accounts", err)
	}
	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}

	cfg.applyPaths()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cfg.RuleRecords, err = LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	if cfg.Rules, err = rules.CompileAll(cfg.RuleRecords); err != nil {
		return nil, &Error{Key: "rules", Err: err}
	}
	return cfg, nil
}

func (c *Config) applyPaths() {
	dir := filepath.Dir(c.Path)
	if c.DBPath == "" {
		c.DBPath = db.DefaultPath()
	}
	if c.RulesFile == "" {
		c.RulesFile = filepath.Join(dir, "rules.yaml")
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(filepath.Dir(c.DBPath), "mailpilot.lock")
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.Type = strings.ToLower(a.Type)
		if a.Credentials != "" && !filepath.IsAbs(a.Credentials) {
			a.Credentials = filepath.Join(dir, a.Credentials)
		}
		if a.Token != "" && !filepath.IsAbs(a.Token) {
			a.Token = filepath.Join(dir, a.Token)
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	add := func(key, format string, args ...any) { errs = append(errs, errorf(key, format, args...)) }

	if c.Threshold <= 0 || c.Threshold > 1 {
		add("confidence_threshold", "must be in (0, 1], got %v", c.Threshold)
	}
	if c.OutboundThreshold <= 0 || c.OutboundThreshold > 1 {
		add("outbound_confidence_threshold", "must be in (0, 1], got %v", c.OutboundThreshold)
	}
	if c.BatchSize <= 0 {
		add("batch_size", "must be positive")
	}
	if c.MaxAge <= 0 {
		add("max_age_days", "must be positive")
	}
	if c.RetryAttempts < 0 {
		add("retry.attempts", "must not be negative")
	}
	if c.ProcessedDays <= 0 || c.PendingDays <= 0 {
		add("retention", "processed_days and pending_days must be positive")
	}
	if c.PollInterval <= 0 || c.FullScanInterval <= 0 {
		add("watch", "poll and full_scan must be positive")
	}
	switch c.LockBackend {
	case "db", "file":
	default:
		add("lock.backend", "unknown backend %q (valid: db, file)", c.LockBackend)
	}
	switch c.Classifier.Backend {
	case "anthropic", "none":
	case "command":
		if len(c.Classifier.Command) == 0 {
			add("classifier.command", "required for the command backend")
		}
	default:
		add("classifier.backend", "unknown backend %q (valid: anthropic, command, none)", c.Classifier.Backend)
	}

	seen := map[string]bool{}
	for i, a := range c.Accounts {
		key := fmt.Sprintf("accounts[%d]", i)
		if a.Name == "" {
			add(key, "name is required")
			continue
		}
		key = "accounts." + a.Name
		if seen[a.Name] {
			add(key, "duplicate account")
		}
		seen[a.Name] = true
		switch a.Type {
		case AccountGmail:
			if a.Credentials == "" {
				add(key, "gmail accounts need a credentials file")
			}
		case AccountIMAP:
			if a.Host == "" || a.Username == "" {
				add(key, "imap accounts need host and username")
			}
		case AccountCommand:
			if len(a.Command) == 0 {
				add(key, "command accounts need a command")
			}
		default:
			add(key, "unknown type %q (valid: gmail, imap, command)", a.Type)
		}
		if a.FolderPolicy != "" {
			if _, err := policy.Parse(a.FolderPolicy); err != nil {
				add(key+".folder_policy", "%v", err)
			}
		}
	}
	if c.MainAccount != "" && !seen[c.MainAccount] {
		add("main_account", "no account named %q", c.MainAccount)
	}
	return errors.Join(errs...)
}

// Account returns the named account.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}

// FolderPolicies returns the default folder policy and per-account
// overrides.
func (c *Config) FolderPolicies() (policy.Folder, map[string]policy.Folder) {
	def := policy.Folder{Policy: c.FolderPolicy, NotifyOnPending: c.NotifyOnPending}
	per := map[string]policy.Folder{}
	for _, a := range c.Accounts {
		if a.FolderPolicy == "" {
			continue
		}
		p, _ := policy.Parse(a.FolderPolicy)
		per[a.Name] = policy.Folder{Policy: p, NotifyOnPending: a.NotifyOnPending || c.NotifyOnPending}
	}
	return def, per
}

// resolver reads typed values from a chain, collecting conversion errors.
type resolver struct {
	chain Chain
	errs  []error
}

func (r *resolver) fail(key string, err error) {
	r.errs = append(r.errs, &Error{Key: key, Err: err})
}

func (r *resolver) get(key string) (any, string, bool) {
	return r.chain.Lookup(key)
}

func (r *resolver) str(key string) string {
	v, _, ok := r.get(key)
	if !ok {
		return ""
	}
	return strings.TrimSpace(cast.ToString(v))
}

func (r *resolver) number(key string) float64 {
	v, src, ok := r.get(key)
	if !ok {
		return 0
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a number (from %s): %v", src, v))
	}
	return f
}

func (r *resolver) integer(key string) int {
	v, src, ok := r.get(key)
	if !ok {
		return 0
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not an integer (from %s): %v", src, v))
	}
	return n
}

func (r *resolver) boolean(key string) bool {
	v, src, ok := r.get(key)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a boolean (from %s): %v", src, v))
	}
	return b
}

func (r *resolver) duration(key string) time.Duration {
	v, src, ok := r.get(key)
	if !ok {
		return 0
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a duration (from %s): %v", src, v))
	}
	return d
}

// list accepts a YAML list or a comma-separated string.
func (r *resolver) list(key string) []string {
	v, src, ok := r.get(key)
	if !ok {
		return nil
	}
	if s, isStr := v.(string); isStr {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	out, err := cast.ToStringSliceE(v)
	if err != nil {
		r.fail(key, fmt.Errorf("not a list (from %s): %v", src, v))
	}
	return out
}
