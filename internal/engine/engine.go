// Package engine wires the thread registry, the message timeline and their collaborators
// from a config.Config.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/floegence/threadsync/internal/auditlog"
	"github.com/floegence/threadsync/internal/augment"
	"github.com/floegence/threadsync/internal/config"
	"github.com/floegence/threadsync/internal/gen"
	"github.com/floegence/threadsync/internal/lockfile"
	"github.com/floegence/threadsync/internal/logging"
	"github.com/floegence/threadsync/internal/optrack"
	"github.com/floegence/threadsync/internal/session"
	"github.com/floegence/threadsync/internal/settings"
	"github.com/floegence/threadsync/internal/store"
	"github.com/floegence/threadsync/internal/threads"
	"github.com/floegence/threadsync/internal/timeline"
	"github.com/floegence/threadsync/internal/websearch"
)

// Engine owns one registry and one timeline sharing a store and an operation tracker.
type Engine struct {
	cfg       *config.Config
	remote    store.Remote
	tracker   *optrack.Tracker
	gen       *gen.Service
	augmenter *augment.Augmenter
	threads   *threads.Registry
	timeline  *timeline.Timeline
	audit     *auditlog.Store
	lock      *lockfile.Lock
	log       zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	remote   store.Remote
	provider gen.Provider
	search   []websearch.Provider
	secrets  *settings.SecretsStore
	listener func(timeline.Update)
	audit    *auditlog.Store
	log      *zerolog.Logger
}

type Option func(*options)

// WithRemote uses remote instead of opening the configured store. The engine closes it.
func WithRemote(remote store.Remote) Option {
	return func(o *options) { o.remote = remote }
}

// WithProvider uses p instead of building the configured generation provider.
func WithProvider(p gen.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithSearchProviders replaces the configured search providers.
func WithSearchProviders(ps ...websearch.Provider) Option {
	return func(o *options) { o.search = ps }
}

func WithSecrets(s *settings.SecretsStore) Option {
	return func(o *options) { o.secrets = s }
}

// WithListener receives timeline updates (streamed deltas and state changes).
func WithListener(fn func(timeline.Update)) Option {
	return func(o *options) { o.listener = fn }
}

// WithAudit journals threads created or deleted through the engine and every message outcome
// to s.
func WithAudit(s *auditlog.Store) Option {
	return func(o *options) { o.audit = s }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = &l }
}

// DefaultSecretsPath is the secrets file next to the config file.
func DefaultSecretsPath(configPath string) string {
	if strings.TrimSpace(configPath) == "" {
		configPath = config.DefaultConfigPath()
	}
	return filepath.Join(filepath.Dir(filepath.Clean(configPath)), "secrets.json")
}

// OpenStore opens the remote store named by sc.
func OpenStore(ctx context.Context, sc config.StoreConfig) (store.Remote, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "", config.StoreSQLite:
		return store.OpenSQLite(sc.Path)
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, sc.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return pg, nil
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	log := logging.Component("engine")
	if o.log != nil {
		log = *o.log
	}
	if o.secrets == nil {
		o.secrets = settings.NewSecretsStore(DefaultSecretsPath("")).WithEnv(os.LookupEnv)
	}

	provider, model, err := buildProvider(cfg, o)
	if err != nil {
		return nil, err
	}
	svc, err := gen.New(provider,
		gen.WithModel(model),
		gen.WithMaxOutputTokens(cfg.Generation.MaxOutputTokens),
		gen.WithLogger(log.With().Str("component", "gen").Logger()),
	)
	if err != nil {
		return nil, err
	}

	var lock *lockfile.Lock
	remote := o.remote
	if remote == nil {
		if strings.TrimSpace(cfg.Store.Driver) == config.StoreSQLite {
			if lock, err = lockfile.Acquire(lockfile.ForStore(cfg.Store.Path)); err != nil {
				return nil, fmt.Errorf("lock store: %w", err)
			}
		}
		remote, err = OpenStore(ctx, cfg.Store)
		if err != nil {
			_ = lock.Release()
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	e := &Engine{cfg: cfg, remote: remote, tracker: optrack.New(), gen: svc, audit: o.audit, lock: lock, log: log}
	e.augmenter = e.buildAugmenter(o)

	policy := cfg.RetryPolicy()
	reg, err := threads.New(remote,
		threads.WithTracker(e.tracker),
		threads.WithRetryPolicy(policy),
		threads.WithTimeout(cfg.Sync.OperationTimeout),
		threads.WithPageSize(cfg.Sync.ThreadPageSize),
		threads.WithCacheCapacity(cfg.Sync.CacheCapacity),
		threads.WithLogger(log.With().Str("component", "threads").Logger()),
		threads.OnDelete(func(id string) {
			if e.timeline != nil {
				e.timeline.ClearThreadMessages(id)
			}
		}),
	)
	if err != nil {
		_ = e.closeStore()
		return nil, err
	}
	e.threads = reg

	tlOpts := []timeline.Option{
		timeline.WithTracker(e.tracker),
		timeline.WithRetryPolicy(policy),
		timeline.WithTimeout(cfg.Sync.OperationTimeout),
		timeline.WithPageSize(cfg.Sync.MessagePageSize),
		timeline.WithCacheCapacity(cfg.Sync.CacheCapacity),
		timeline.WithListener(e.listen(o.listener)),
		timeline.WithLogger(log.With().Str("component", "timeline").Logger()),
	}
	if e.augmenter != nil {
		tlOpts = append(tlOpts, timeline.WithAugmenter(e.augmenter))
	}
	tl, err := timeline.New(remote, reg, svc, tlOpts...)
	if err != nil {
		_ = e.closeStore()
		return nil, err
	}
	e.timeline = tl
	return e, nil
}

func buildProvider(cfg *config.Config, o options) (gen.Provider, string, error) {
	p, model, ok := cfg.Generation.Selected()
	if o.provider != nil {
		return o.provider, model, nil
	}
	if !ok {
		return nil, "", errors.New("no generation model selected")
	}
	key, ok, err := o.secrets.ResolveAPIKey(settings.ScopeGeneration, p.ID, p.Type)
	if err != nil {
		return nil, "", fmt.Errorf("load generation api key: %w", err)
	}
	if !ok {
		return nil, "", fmt.Errorf("missing api key for generation provider %q", p.ID)
	}
	provider, err := gen.NewProvider(p.Type, p.BaseURL, key)
	if err != nil {
		return nil, "", err
	}
	return provider, model, nil
}

// buildAugmenter returns nil when search is disabled or fewer than two providers have keys.
func (e *Engine) buildAugmenter(o options) *augment.Augmenter {
	sc := e.cfg.Search
	if sc.Disabled {
		return nil
	}
	providers := o.search
	if providers == nil {
		for _, name := range sc.Providers {
			name = strings.ToLower(strings.TrimSpace(name))
			key, ok, err := o.secrets.ResolveAPIKey(settings.ScopeSearch, name, name)
			if err != nil || !ok {
				e.log.Warn().Err(err).Str("provider", name).Msg("search provider skipped: no api key")
				continue
			}
			p, err := websearch.New(name, key)
			if err != nil {
				e.log.Warn().Err(err).Str("provider", name).Msg("search provider skipped")
				continue
			}
			providers = append(providers, websearch.NewLimited(p, sc.RatePerSecond, sc.Burst))
		}
	}
	a, err := augment.New(e.gen, providers,
		augment.WithTopN(sc.TopN),
		augment.WithLogger(e.log.With().Str("component", "augment").Logger()),
	)
	if err != nil {
		e.log.Info().Err(err).Msg("search augmentation disabled")
		return nil
	}
	return a
}

// Context attaches the configured user to ctx.
func (e *Engine) Context(ctx context.Context) context.Context {
	u := e.cfg.User
	return session.WithMeta(ctx, &session.Meta{
		UserID:       u.ID,
		UserEmail:    u.Email,
		DisplayName:  u.DisplayName,
		Personalized: u.Personalized,
	})
}

func (e *Engine) Config() *config.Config { return e.cfg }
func (e *Engine) Threads() *threads.Registry { return e.threads }
func (e *Engine) Timeline() *timeline.Timeline { return e.timeline }
func (e *Engine) Generator() *gen.Service { return e.gen }
func (e *Engine) Augmenter() *augment.Augmenter { return e.augmenter }
func (e *Engine) Tracker() *optrack.Tracker { return e.tracker }
func (e *Engine) Audit() *auditlog.Store { return e.audit }

// listen journals message outcomes before passing u on to next.
func (e *Engine) listen(next func(timeline.Update)) func(timeline.Update) {
	if e.audit == nil {
		return next
	}
	return func(u timeline.Update) {
		entry := auditlog.Entry{UserID: e.cfg.User.ID, ThreadID: u.ThreadID, MessageID: u.MessageID}
		switch {
		case u.Committed:
			entry.Action = auditlog.ActionMessageSaved
		case u.State == timeline.StateFailed:
			entry.Action, entry.Status = auditlog.ActionMessageFailed, auditlog.StatusFailure
			if u.Err != nil {
				entry.Error = u.Err.Error()
			}
		case u.State == timeline.StateCancelled:
			entry.Action = auditlog.ActionMessageAborted
		}
		if entry.Action != "" {
			e.audit.Append(entry)
		}
		if next != nil {
			next(u)
		}
	}
}

func (e *Engine) record(action, threadID string, err error, detail map[string]any) {
	entry := auditlog.Entry{Action: action, UserID: e.cfg.User.ID, ThreadID: threadID, Detail: detail}
	if err != nil {
		entry.Status, entry.Error = auditlog.StatusFailure, err.Error()
	}
	e.audit.Append(entry)
}

// Start loads the thread list and displays the current thread.
func (e *Engine) Start(ctx context.Context) ([]timeline.Entry, error) {
	if _, err := e.threads.FetchThreads(ctx); err != nil {
		return nil, err
	}
	id := e.threads.CurrentID()
	if id == "" {
		return nil, nil
	}
	return e.timeline.Activate(ctx, id)
}

// SwitchThread selects a thread and displays its messages.
func (e *Engine) SwitchThread(ctx context.Context, id string) ([]timeline.Entry, error) {
	if _, err := e.threads.SelectThread(ctx, id); err != nil {
		return nil, err
	}
	return e.timeline.Activate(ctx, id)
}

// NewThread creates a thread and displays it.
func (e *Engine) NewThread(ctx context.Context, title string) (*store.Thread, error) {
	th, err := e.threads.CreateThread(ctx, title)
	if err != nil {
		e.record(auditlog.ActionThreadCreated, "", err, nil)
		return nil, err
	}
	e.record(auditlog.ActionThreadCreated, th.ID, nil, map[string]any{"title": th.Title})
	if _, err := e.timeline.Activate(ctx, th.ID); err != nil {
		return th, err
	}
	return th, nil
}

// DeleteThread deletes a thread. When it was displayed, the registry's new current thread is
// displayed instead, or nothing when it was the last one.
func (e *Engine) DeleteThread(ctx context.Context, id string) error {
	wasActive := e.timeline.ActiveThreadID() == strings.TrimSpace(id)
	err := e.threads.DeleteThread(ctx, id)
	e.record(auditlog.ActionThreadDeleted, strings.TrimSpace(id), err, nil)
	if err != nil {
		return err
	}
	if !wasActive {
		return nil
	}
	if next := e.threads.CurrentID(); next != "" {
		_, err := e.timeline.Activate(ctx, next)
		return err
	}
	e.timeline.Deactivate(id)
	return nil
}

// Close cancels in-flight operations, waits for background work and closes the store.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for _, id := range e.tracker.IDs() {
			e.tracker.Cancel(id)
		}
		e.timeline.Wait()
		e.closeErr = e.closeStore()
	})
	return e.closeErr
}

func (e *Engine) closeStore() error {
	return errors.Join(e.remote.Close(), e.lock.Release())
}
