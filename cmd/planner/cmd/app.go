package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"planner/backend"
	"planner/backend/rest"
	"planner/internal/cache"
	"planner/internal/config"
	"planner/internal/credentials"
	"planner/internal/gateway"
	"planner/internal/kvstore"
	"planner/internal/metrics"
	"planner/internal/preferences"
	"planner/internal/query"
	"planner/internal/ratelimit"
	"planner/internal/session"
	"planner/internal/shutdown"
	"planner/internal/utils"
)

// app is the wired client stack for one command run
type app struct {
	opts     *Options
	cfg      *config.Config
	shutdown *shutdown.Manager
	kv       *kvstore.Store
	store    *credentials.Store
	metrics  *metrics.Metrics
	gateway  *gateway.Gateway
	client   *rest.Client
	auth     *session.Authenticator
	prefs    *preferences.Synchronizer
	refs     *cache.ReferenceCache
}

// openApp loads the configuration and wires credentials, gateway, REST client,
// preferences and the reference cache
func openApp(cmd *cobra.Command, opts *Options) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	utils.Configure(utils.LogOptions{
		Verbose: opts.Verbose,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		Output:  cmd.ErrOrStderr(),
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a := &app{
		opts:     opts,
		cfg:      cfg,
		shutdown: shutdown.New(ctx),
	}
	_ = a.shutdown.Register("logger", func(context.Context) error {
		_ = utils.GetLogger().Sync()
		return nil
	})

	kind := cfg.GetCredentialStore()
	if kind == "sqlite" || cfg.GetCacheTTLDuration() > 0 {
		kv, err := kvstore.Open(cfg.GetStorePath())
		switch {
		case err == nil:
			a.kv = kv
			_ = a.shutdown.Register("kvstore", func(context.Context) error { return kv.Close() })
		case kind == "sqlite":
			_ = a.shutdown.Close(shutdown.DefaultTimeout)
			return nil, fmt.Errorf("failed to open credential database: %w", err)
		default:
			utils.Warnf("Reference cache disabled: %v", err)
		}
	}

	var kv credentials.KV
	if a.kv != nil {
		kv = a.kv
	}
	persister, err := credentials.NewPersister(kind, kv)
	if err != nil {
		_ = a.shutdown.Close(shutdown.DefaultTimeout)
		return nil, err
	}
	a.store = credentials.Open(persister)

	a.metrics = metrics.New()
	a.gateway = gateway.New(a.store,
		gateway.WithMetrics(a.metrics),
		gateway.WithTimeout(cfg.GetTimeout()),
		gateway.WithRateLimit(ratelimit.Config{
			MaxRetries:   retries(cfg.GetMaxRetries()),
			EnableJitter: true,
		}),
	)
	a.client = rest.New(cfg.GetBaseURL(), a.gateway)
	a.gateway.SetRefresher(session.NewRefresher(a.client, a.store))
	a.auth = session.NewAuthenticator(a.client, a.store)

	a.prefs = preferences.New(a.client)
	_ = a.shutdown.Register("preferences", func(context.Context) error {
		a.prefs.Wait()
		return nil
	})

	if a.kv != nil {
		a.refs = cache.New(a.kv, a.client, cfg.GetBaseURL(), cfg.GetCacheTTLDuration())
	}
	return a, nil
}

// retries maps the configured count to ratelimit's convention, where 0 means default
func retries(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// Close waits for pending preference saves and releases the database
func (a *app) Close() {
	if err := a.shutdown.Close(shutdown.DefaultTimeout); err != nil {
		utils.Warnf("Shutdown: %v", err)
	}
}

// Context is cancelled on SIGINT or SIGTERM
func (a *app) Context() context.Context {
	return a.shutdown.Context()
}

// requireLogin fails early when no session is stored
func (a *app) requireLogin() error {
	if !a.store.IsAuthenticated() {
		return utils.ErrNotLoggedIn()
	}
	return nil
}

// references returns the cached reference source, or the API when caching is off
func (a *app) references() query.ReferenceSource {
	if a.refs != nil {
		return a.refs
	}
	return a.client
}

// settings returns the reference bundle including task types
func (a *app) settings(ctx context.Context) (*backend.Settings, error) {
	src := a.references()
	s, err := src.GetSettings(ctx)
	if err != nil {
		return nil, a.wrap(err)
	}
	out := *s
	if len(out.TaskTypes) == 0 {
		types, err := src.ListTaskTypes(ctx)
		if err != nil {
			return nil, a.wrap(err)
		}
		out.TaskTypes = types
	}
	return &out, nil
}

// invalidate drops cached reference data after a settings change
func (a *app) invalidate(ctx context.Context) {
	if a.refs == nil {
		return
	}
	if err := a.refs.Invalidate(ctx); err != nil {
		utils.Warnf("Failed to invalidate reference cache: %v", err)
	}
}

// wrap adds user-facing suggestions to API errors
func (a *app) wrap(err error) error {
	if err == nil {
		return nil
	}
	var suggested *utils.ErrorWithSuggestion
	if errors.As(err, &suggested) {
		return err
	}
	if errors.Is(err, gateway.ErrSessionExpired) {
		return utils.ErrSessionExpired(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return utils.ErrServerUnreachable(a.cfg.GetBaseURL(), urlErr.Err.Error())
	}
	return err
}

// resolveSetting maps a name or numeric id to a setting id
func resolveSetting(kind, value string, find func(string) (int64, bool)) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	if id, err := strconv.ParseInt(value, 10, 64); err == nil && id > 0 {
		return backend.Int64(id), nil
	}
	id, ok := find(value)
	if !ok {
		return nil, utils.ErrSettingNotFound(kind, value)
	}
	return backend.Int64(id), nil
}

func statusFinder(s *backend.Settings) func(string) (int64, bool) {
	return func(name string) (int64, bool) {
		if v, ok := s.FindStatus(name); ok {
			return v.ID, true
		}
		return 0, false
	}
}

func priorityFinder(s *backend.Settings) func(string) (int64, bool) {
	return func(name string) (int64, bool) {
		if v, ok := s.FindPriority(name); ok {
			return v.ID, true
		}
		return 0, false
	}
}

func typeFinder(s *backend.Settings) func(string) (int64, bool) {
	return func(name string) (int64, bool) {
		if v, ok := s.FindTaskType(name); ok {
			return v.ID, true
		}
		return 0, false
	}
}

func durationFinder(s *backend.Settings) func(string) (int64, bool) {
	return func(name string) (int64, bool) {
		if v, ok := s.FindDuration(name); ok {
			return v.ID, true
		}
		return 0, false
	}
}
