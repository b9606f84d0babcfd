package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/daviddao/mailpilot/internal/auth"
	"github.com/daviddao/mailpilot/internal/classifier"
	"github.com/daviddao/mailpilot/internal/config"
	"github.com/daviddao/mailpilot/internal/credential"
	"github.com/daviddao/mailpilot/internal/cycle"
	"github.com/daviddao/mailpilot/internal/db"
	"github.com/daviddao/mailpilot/internal/decision"
	"github.com/daviddao/mailpilot/internal/executor"
	"github.com/daviddao/mailpilot/internal/gmail"
	"github.com/daviddao/mailpilot/internal/imapstore"
	"github.com/daviddao/mailpilot/internal/lock"
	"github.com/daviddao/mailpilot/internal/mailstore"
	"github.com/daviddao/mailpilot/internal/mailstore/command"
	"github.com/daviddao/mailpilot/internal/metrics"
	"github.com/daviddao/mailpilot/internal/pending"
	"github.com/daviddao/mailpilot/internal/policy"
	"github.com/daviddao/mailpilot/internal/retention"
	"github.com/daviddao/mailpilot/internal/retry"
)

// app holds the components of one invocation, built from cfg and store.
type app struct {
	stores   *mailstore.Multi
	metrics  *metrics.Metrics
	policy   *policy.Resolver
	executor *executor.Executor
	queue    *pending.Queue
	sweeper  *retention.Sweeper
	backoff  *cycle.Backoff
	locker   lock.Locker
	runner   *cycle.Runner
}

// appOptions carry command-line overrides that are not configuration.
type appOptions struct {
	// FolderPolicy overrides every account's policy when set.
	FolderPolicy policy.Policy
	// Account limits the stores opened to one account.
	Account string
	// Prompt lets interactive folder policies ask on the terminal.
	Prompt bool
	// Notify prints queued-folder notices on stderr instead of the log.
	Notify bool
	// NoClassifier builds the engine without an AI backend (replay never
	// classifies).
	NoClassifier bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	stores, err := openStores(ctx, cfg, opts.Account)
	if err != nil {
		return nil, err
	}

	a := &app{stores: stores, metrics: metrics.New()}

	def, per := cfg.FolderPolicies()
	a.policy = policy.NewResolver(def, per)
	if opts.FolderPolicy != "" {
		a.policy = a.policy.WithOverride(opts.FolderPolicy)
	}
	if opts.Prompt && isatty.IsTerminal(os.Stdin.Fd()) {
		a.policy = a.policy.WithConfirmer(prompter{})
	} else if opts.FolderPolicy == policy.Interactive {
		log.Warn().Msg("stdin is not a terminal, interactive folder prompts will queue instead")
	}
	if opts.Notify {
		a.policy = a.policy.WithNotifier(terminalNotifier{w: os.Stderr})
	}

	itemRetry := retry.Policy{Retries: cfg.RetryAttempts, Delay: cfg.RetryDelay}
	a.executor = executor.New(executor.Config{
		DB:             store,
		Store:          stores,
		Policy:         a.policy,
		Retry:          itemRetry,
		StoreTimeout:   cfg.StoreTimeout,
		FolderCacheTTL: cfg.FolderCacheTTL,
		MainAccount:    cfg.MainAccount,
		Recorder:       a.metrics,
	})
	a.queue = pending.New(store, a.executor, nil)
	a.sweeper = retention.New(retention.Config{
		DB:            store,
		ProcessedDays: cfg.ProcessedDays,
		PendingDays:   cfg.PendingDays,
		Checker:       stores,
	})
	a.backoff = cycle.NewBackoff(store, 0, 0)

	engineCfg := decision.Config{
		Rules:             cfg.Rules,
		Instructions:      cfg.Instructions,
		Threshold:         cfg.Threshold,
		OutboundPolicy:    cfg.OutboundPolicy,
		OutboundThreshold: cfg.OutboundThreshold,
	}
	if !opts.NoClassifier {
		gw, err := newClassifier(cfg.Classifier)
		if err != nil {
			return nil, err
		}
		if gw != nil {
			engineCfg.Classifier = gw
		}
	}

	a.locker = newLocker(cfg, store)

	a.runner = cycle.NewRunner(cycle.Config{
		DB:                   store,
		Store:                stores,
		Decider:              decision.New(engineCfg),
		Executor:             a.executor,
		Sweeper:              a.sweeper,
		Locker:               a.locker,
		Backoff:              a.backoff,
		Accounts:             cycleAccounts(cfg, opts.Account),
		BatchSize:            cfg.BatchSize,
		MaxAge:               cfg.MaxAge,
		RateLimit:            cfg.RateLimit,
		ClassifyRetry:        itemRetry,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		ExcludeSenders:       cfg.ExcludeSenders,
		ExcludeSubjects:      cfg.ExcludeSubjects,
		Recorder:             a.metrics,
	})
	return a, nil
}

func (a *app) Close() error {
	return a.stores.Close()
}

func newLocker(c *config.Config, d *db.DB) lock.Locker {
	if c.LockBackend == "file" {
		return lock.NewFile(c.LockPath, c.LockStaleAfter)
	}
	return lock.NewDB(d, c.LockStaleAfter)
}

// withLock runs fn while holding l, so commands that write outside a cycle
// never overlap one.
func withLock(ctx context.Context, l lock.Locker, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() {
		if err := l.Release(); err != nil {
			log.Warn().Err(err).Msg("release lock")
		}
	}()
	return fn()
}

// openStores builds one adapter per configured account. Nothing is dialled
// yet; Gmail loads its OAuth token here.
func openStores(ctx context.Context, c *config.Config, only string) (*mailstore.Multi, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured in %s", c.Path)
	}
	stores := make(map[string]mailstore.Store, len(c.Accounts))
	for _, acc := range c.Accounts {
		if only != "" && acc.Name != only {
			continue
		}
		s, err := openStore(ctx, acc)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.Name, err)
		}
		stores[acc.Name] = s
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("no account named %q", only)
	}
	return mailstore.NewMulti(stores), nil
}

func openStore(ctx context.Context, acc config.Account) (mailstore.Store, error) {
	switch acc.Type {
	case config.AccountGmail:
		svc, err := auth.LoadGmailService(ctx, auth.Paths{Credentials: acc.Credentials, Token: acc.Token})
		if err != nil {
			return nil, err
		}
		s := gmail.New(svc)
		s.From = acc.Username
		return s, nil
	case config.AccountIMAP:
		password, err := credential.Get(credential.IMAPPasswordKey(acc.Name))
		if err != nil {
			return nil, err
		}
		return imapstore.New(imapstore.Config{
			Host:          acc.Host,
			Port:          acc.Port,
			Username:      acc.Username,
			Password:      password,
			StartTLS:      acc.StartTLS,
			ArchiveFolder: acc.ArchiveFolder,
		}), nil
	case config.AccountCommand:
		return command.New(acc.Command), nil
	}
	return nil, fmt.Errorf("unknown account type %q", acc.Type)
}

// newClassifier returns nil when AI classification is off.
func newClassifier(c config.Classifier) (*classifier.Gateway, error) {
	var backend classifier.Backend
	switch c.Backend {
	case "none":
		return nil, nil
	case "command":
		backend = &classifier.Command{Argv: c.Command}
	default:
		key, err := credential.Get(credential.AnthropicKey)
		if errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("%w; or set classifier.backend to none for rules only", err)
		}
		if err != nil {
			return nil, err
		}
		a := classifier.NewAnthropic(key, c.Model, c.MaxTokens)
		if c.Endpoint != "" {
			a = a.WithEndpoint(c.Endpoint)
		}
		backend = a
	}
	return classifier.NewGateway(backend, c.Timeout), nil
}

func cycleAccounts(c *config.Config, only string) []cycle.Account {
	var out []cycle.Account
	for _, acc := range c.Accounts {
		if only != "" && acc.Name != only {
			continue
		}
		boxes := acc.Mailboxes
		if len(boxes) == 0 {
			boxes = []string{"INBOX"}
		}
		out = append(out, cycle.Account{Name: acc.Name, Mailboxes: boxes})
	}
	return out
}
