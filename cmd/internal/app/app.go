// Package app wires the session host: config, logging, storage tiers,
// recovery, activity tracking, realtime subscriptions and the local HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/remote"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/session"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/metrics"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/realtime"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// App is the session host runtime. It owns every long-lived resource.
type App struct {
	cfg     Config
	sessCfg session.Config
	log     Logger
	clock   clockwork.Clock

	metrics *metrics.Metrics

	dbPool *pgxpool.Pool
	rdb    *redis.Client
	bdb    *badger.DB

	fast         *storage.RedisTier
	fallbackTier storage.Tier
	store        *storage.Manager

	remote  *remote.Client
	coord   *session.Coordinator
	tracker *session.Tracker

	backend  *socketBackend
	registry *realtime.Registry

	limiter *rate.Limiter

	closeOnce sync.Once
}

// Option configures optional App dependencies (tests).
type Option func(*App)

// WithClock overrides the real clock for the coordinator, tracker and tiers.
func WithClock(clock clockwork.Clock) Option {
	return func(a *App) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithFastTier supplies the fast tier used when no Redis URL is configured.
func WithFastTier(t storage.Tier) Option {
	return func(a *App) {
		a.fallbackTier = t
	}
}

// New constructs a fully wired App. Optional backends (Redis, Postgres, the
// remote auth API, realtime) are only connected when configured.
func New(ctx context.Context, cfg Config, sessCfg session.Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	a := &App{
		cfg:     cfg,
		sessCfg: sessCfg,
		log:     log,
		clock:   clockwork.NewRealClock(),
		metrics: metrics.New(),
		limiter: rate.NewLimiter(rate.Limit(nonZeroFloat(cfg.ActivityRate, 1)), nonZeroInt(cfg.ActivityBurst, 5)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(a)
	}

	if err := a.openTiers(ctx); err != nil {
		a.closeResources()
		return nil, err
	}

	if err := a.openRemote(); err != nil {
		a.closeResources()
		return nil, err
	}

	coordOpts := []session.CoordinatorOption{
		session.WithClock(a.clock),
		session.WithTransitionHook(func(_, to session.State) {
			a.metrics.Transition(string(to))
		}),
	}
	if sessCfg.ProfileSync && cfg.DatabaseURL != "" {
		syncer, err := a.openProfileSyncer(ctx)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		coordOpts = append(coordOpts, session.WithProfileSyncer(syncer))
	}

	// A nil *remote.Client must not reach the coordinator as a non-nil interface.
	var ra session.RemoteAuth
	if a.remote != nil {
		ra = a.remote
	}
	a.coord = session.NewCoordinator(sessCfg, log, a.store, ra, coordOpts...)
	a.tracker = session.NewTracker(log, a.clock, a.store, sessCfg.ActivityInterval)

	a.backend = &socketBackend{}
	a.registry = realtime.NewRegistry(log, a.backend,
		realtime.WithObserver(a.metrics),
		realtime.WithRegistryClock(a.clock),
	)

	return a, nil
}

func (a *App) openTiers(ctx context.Context) error {
	fast := a.fallbackTier
	if a.cfg.RedisURL != "" {
		rdb, err := storage.NewRedisClient(ctx, a.cfg.RedisURL)
		if err != nil {
			// The fast tier is optional: a host without Redis still recovers from the other tiers.
			a.log.Warn("storage.redis.unavailable", "err", err)
			fast = storage.UnavailableTier{TierName: "redis", Reason: err.Error()}
		} else {
			a.rdb = rdb
			a.fast = storage.NewRedisTier(a.log, rdb, storage.WithRedisTTL(a.sessCfg.MaxSessionAge))
			fast = a.fast
		}
	}

	bdb, err := storage.OpenBadger(storage.BadgerConfig{
		Path:     a.cfg.BadgerPath,
		InMemory: a.cfg.BadgerPath == "",
		Logger:   a.log.With("component", "badger"),
	})
	if err != nil {
		return fmt.Errorf("open durable tier: %w", err)
	}
	a.bdb = bdb
	if a.cfg.BadgerPath == "" {
		a.log.Info("storage.badger.inmemory")
	}

	a.store = storage.NewManager(a.log, fast, storage.NewMemoryTier("memory"), storage.NewBadgerTier(bdb, "sessions"),
		storage.WithKeys(a.cfg.StorageKey, a.cfg.LastUserKey),
		storage.WithRecorder(a.metrics),
		storage.WithManagerClock(a.clock),
	)
	return nil
}

func (a *App) openRemote() error {
	if a.cfg.BackendURL == "" {
		a.log.Info("session.remote.disabled")
		return nil
	}
	c, err := remote.New(remote.Config{BaseURL: a.cfg.BackendURL, AnonKey: a.cfg.BackendAnonKey}, remote.WithClock(a.clock))
	if err != nil {
		return err
	}
	a.remote = c
	return nil
}

func (a *App) openProfileSyncer(ctx context.Context) (session.ProfileSyncer, error) {
	pool, err := openProfilePool(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("open profile database: %w", err)
	}
	a.dbPool = pool
	a.log.Info("db.enabled.profile_sync")
	return session.NewPostgresProfileSyncer(pool)
}

// Restore runs session recovery once and, on success, reconnects realtime
// with the restored access token.
func (a *App) Restore(ctx context.Context) session.Outcome {
	out := a.coord.Restore(ctx)
	a.metrics.Restore(string(out.State))
	a.log.Info("session.restore.done", "state", out.State, "err", out.Err)

	if out.OK() {
		a.connectRealtime(ctx, out.Record.Credentials.AccessToken)
	}
	return out
}

// ErrSignInUnavailable is returned by SignIn when no backend is configured.
var ErrSignInUnavailable = errors.New("app: sign-in needs KB_BACKEND_URL")

// SignIn authenticates against the backend, persists the new session to every
// tier and connects realtime with its access token.
func (a *App) SignIn(ctx context.Context, email, password string) (session.Outcome, error) {
	if a.remote == nil {
		return session.Outcome{}, ErrSignInUnavailable
	}
	rs, err := a.remote.SignInWithPassword(ctx, email, password)
	if err != nil {
		a.log.Warn("session.signin.fail", "err", err)
		return session.Outcome{}, err
	}
	out := a.coord.Establish(ctx, *rs)
	a.connectRealtime(ctx, out.Record.Credentials.AccessToken)
	return out, nil
}

// SignOut ends the session and tears down realtime subscriptions.
func (a *App) SignOut(ctx context.Context) {
	a.registry.UnsubscribeAll(ctx)
	a.backend.close()
	a.coord.SignOut(ctx)
}

func (a *App) connectRealtime(ctx context.Context, accessToken string) {
	if a.cfg.RealtimeURL == "" {
		return
	}

	// An open socket only needs the new token.
	if s := a.backend.current(); s != nil {
		if err := s.SetAccessToken(ctx, accessToken); err != nil {
			a.log.Warn("realtime.access_token.fail", "err", err)
		}
		return
	}

	s, err := realtime.Dial(ctx, a.log, realtime.SocketConfig{
		URL:         a.cfg.RealtimeURL,
		APIKey:      a.cfg.BackendAnonKey,
		AccessToken: accessToken,
	})
	if err != nil {
		a.log.Warn("realtime.connect.fail", "err", err)
		return
	}
	a.backend.set(s)

	// Handles left from a previous socket point at dead channels.
	a.registry.UnsubscribeAll(ctx)
	for _, raw := range a.cfg.RealtimeScopes {
		scope, filter := scopeKey(raw)
		key := realtime.Key{Scope: scope, Filter: filter}
		if _, err := a.registry.Subscribe(ctx, key, realtime.EventAll, a.logChange); err != nil {
			a.log.Warn("realtime.scope.subscribe.fail", "key", key.String(), "err", err)
		}
	}
}

func (a *App) logChange(c realtime.Change) {
	a.log.Info("realtime.change", "scope", c.ResourceScope, "event", string(c.EventType), "ts", c.Timestamp)
}

// Run starts the HTTP server, restores the session, runs the activity tracker
// and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "redis", a.fast != nil, "remote", a.remote != nil, "realtime", a.cfg.RealtimeURL != "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.Restore(ctx)

	trackerCtx, stopTracker := context.WithCancel(ctx)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		a.tracker.Run(trackerCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopTracker()
	<-trackerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.Close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// Close releases realtime channels, waits for profile upserts and closes
// every backing store. Safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.registry != nil {
			a.registry.UnsubscribeAll(ctx)
		}
		if a.backend != nil {
			a.backend.close()
		}
		if a.coord != nil {
			a.coord.Drain()
		}
		a.closeResources()
	})
}

func (a *App) closeResources() {
	if a.bdb != nil {
		if err := a.bdb.Close(); err != nil {
			a.log.Error("storage.badger.close.fail", "err", err)
		}
		a.bdb = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroFloat(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
