// Package session is the public surface of the doctrace client runtime.
// It composes the credential store, token manager, request pipeline, and
// trace sync engine behind one facade: login, logout, authenticated calls,
// and trace subscriptions.
package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"doctrace/internal/api"
	"doctrace/internal/auth"
	"doctrace/internal/logging"
	"doctrace/internal/store"
	"doctrace/internal/trace"
)

// Options configures a Session. Zero values get sensible defaults; only
// BaseURL is required.
type Options struct {
	BaseURL       string
	HTTPClient    *http.Client          // injected transport; nil means a default client
	Store         store.CredentialStore // nil means in-memory (no persistence)
	RefreshMargin time.Duration         // treat tokens expiring within this window as expired
	Sync          trace.Options
	Cache         *store.TraceCache // optional snapshot write-through cache
	WatchFile     string            // optional credentials file to watch for external changes
}

// Session composes the client runtime. One Session owns one backend
// connection, one credential state, and one set of subscriptions.
type Session struct {
	tokens  *auth.Manager
	client  *api.Client
	engine  *trace.Engine
	store   store.CredentialStore
	cache   *store.TraceCache
	watcher *auth.Watcher

	expired    chan struct{}
	expireOnce sync.Once
}

// New builds a Session from options.
func New(opts Options) (*Session, error) {
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 30 * time.Second
	}

	tokens, err := auth.NewManager(opts.BaseURL, opts.HTTPClient, st, opts.RefreshMargin)
	if err != nil {
		return nil, err
	}

	client := api.NewClient(opts.BaseURL, opts.HTTPClient, tokens)
	engine := trace.NewEngine(client, opts.Sync)
	if opts.Cache != nil {
		engine.SetSnapshotSink(opts.Cache)
	}

	s := &Session{
		tokens:  tokens,
		client:  client,
		engine:  engine,
		store:   st,
		cache:   opts.Cache,
		expired: make(chan struct{}),
	}

	// Session teardown is an explicit event, not a hidden side effect:
	// the UI layer decides what "session expired" looks like.
	tokens.OnSessionExpired(s.handleExpired)
	client.OnSessionExpired(s.handleExpired)

	if opts.WatchFile != "" {
		w, err := auth.NewWatcher(tokens, opts.WatchFile)
		if err != nil {
			logging.Get(logging.CategorySession).Warn("credential watcher unavailable: %v", err)
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// handleExpired runs once per session lifetime: authenticated work cannot
// continue, so every subscription is cancelled and the event is signalled.
func (s *Session) handleExpired() {
	s.expireOnce.Do(func() {
		logging.Session("session expired, tearing down subscriptions")
		s.tokens.Invalidate()
		s.engine.CancelAll()
		close(s.expired)
	})
}

// Expired is closed when the session becomes unusable (refresh rejected or
// a fresh token still rejected). Callers subscribe to decide how to react.
func (s *Session) Expired() <-chan struct{} { return s.expired }

// IsAuthenticated reports whether the session holds an access token.
func (s *Session) IsAuthenticated() bool { return s.tokens.IsAuthenticated() }

// State exposes the token manager's lifecycle state.
func (s *Session) State() auth.State { return s.tokens.State() }

// Login authenticates with the backend and persists credentials.
func (s *Session) Login(ctx context.Context, email, password string) (*auth.User, error) {
	return s.tokens.Login(ctx, email, password)
}

// Logout cancels every active subscription, notifies the backend, and
// clears in-memory and persisted credentials. Subscriptions go first so
// none of them attempts a call with cleared credentials.
func (s *Session) Logout(ctx context.Context) error {
	s.engine.CancelAll()
	return s.tokens.Logout(ctx)
}

// Call issues an authenticated request through the pipeline. Failures come
// back as classified *api.Error values.
func (s *Session) Call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	return s.client.Do(ctx, method, path, query, body, out)
}

// GetTrace fetches a one-off trace snapshot.
func (s *Session) GetTrace(ctx context.Context, id string) (*trace.Trace, error) {
	var t trace.Trace
	if err := s.client.Get(ctx, "/traces/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CachedTrace returns the locally cached snapshot for id, or nil when the
// session has no cache or the trace was never delivered.
func (s *Session) CachedTrace(id string) (*trace.Trace, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.Get(id)
}

// SubscribeToTrace starts syncing the given trace. The subscription handle
// is owned by the caller; Logout and session expiry cancel it.
func (s *Session) SubscribeToTrace(traceID string, mode trace.Mode) (*trace.Subscription, error) {
	if !s.tokens.IsAuthenticated() {
		return nil, auth.ErrNotAuthenticated
	}
	return s.engine.Subscribe(traceID, mode)
}

// Close releases session resources: subscriptions, the credential watcher,
// the cache, and the store. It does not log out.
func (s *Session) Close() error {
	s.engine.CancelAll()
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	return s.store.Close()
}
