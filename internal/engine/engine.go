// Package engine wires the sync components together. Every collaborator is
// built once here and handed to its consumers explicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/townsync/internal/cache"
	"github.com/MarcoPoloResearchLab/townsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/townsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/townsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/scheduler"
	"github.com/MarcoPoloResearchLab/townsync/internal/store"
	"github.com/MarcoPoloResearchLab/townsync/internal/views"
)

const (
	// DefaultDebounceWindow is the quiet period before realtime triggers sync.
	DefaultDebounceWindow = 300 * time.Millisecond

	defaultLeaderboardTTL   = time.Minute
	defaultLeaderboardGrace = 5 * time.Minute
	realtimeSyncTimeout     = time.Minute
	channelPrefix           = "townsync:"
)

var (
	errMissingDatabase  = errors.New("engine: database is required")
	errMissingGateway   = errors.New("engine: gateway is required")
	errMissingSession   = errors.New("engine: session is required")
	errMissingTransport = errors.New("engine: realtime transport is required")
	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("engine: closed")
)

// Gateway is the remote surface the engine needs.
type Gateway interface {
	orchestrator.Gateway
	FetchLeaderboard(ctx context.Context, period string) ([]remote.LeaderboardEntry, error)
}

// Session resolves the signed-in user.
type Session interface {
	CurrentUser() (resources.UserID, error)
}

// Config describes the engine's external dependencies and tuning.
type Config struct {
	Database    *gorm.DB
	Gateway     Gateway
	Session     Session
	Transport   realtime.Transport
	Collections []orchestrator.Collection
	PageSize    int

	DebounceWindow   time.Duration
	LeaderboardTTL   time.Duration
	LeaderboardGrace time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Engine owns the store, orchestrator, realtime bus, read model and caches.
type Engine struct {
	store        *store.Store
	profiles     *profiles.Service
	orchestrator *orchestrator.Orchestrator
	bus          *realtime.Bus
	model        *views.Model
	leaderboard  *cache.Cache[[]remote.LeaderboardEntry]
	session      Session
	logger       *zap.Logger

	debounceWindow time.Duration
	leaderboardTTL time.Duration

	mu             sync.Mutex
	started        bool
	closed         bool
	debouncers     map[string]*scheduler.Debouncer
	stopRejoin     func()
	stopBackground context.CancelFunc
	backgroundCtx  context.Context
}

// New builds every component over the given dependencies.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Database == nil:
		return nil, errMissingDatabase
	case cfg.Gateway == nil:
		return nil, errMissingGateway
	case cfg.Session == nil:
		return nil, errMissingSession
	case cfg.Transport == nil:
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	localStore, err := store.Open(store.Config{Database: cfg.Database, Logger: logger.Named("store"), Clock: clock})
	if err != nil {
		return nil, err
	}
	directory, err := profiles.NewService(profiles.ServiceConfig{Database: cfg.Database, Clock: clock})
	if err != nil {
		return nil, err
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = orchestrator.DefaultCollections(cfg.PageSize)
	}
	syncer, err := orchestrator.New(orchestrator.Config{
		Store:       localStore,
		Gateway:     cfg.Gateway,
		Session:     cfg.Session,
		Profiles:    directory,
		Collections: collections,
		Database:    cfg.Database,
		Clock:       clock,
		Logger:      logger.Named("orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	bus, err := realtime.NewBus(realtime.BusConfig{Transport: cfg.Transport, Logger: logger.Named("realtime")})
	if err != nil {
		return nil, err
	}
	model, err := views.NewModel(views.ModelConfig{Store: localStore, Session: cfg.Session, Clock: clock, Logger: logger.Named("views")})
	if err != nil {
		return nil, err
	}

	leaderboardTTL := cfg.LeaderboardTTL
	if leaderboardTTL <= 0 {
		leaderboardTTL = defaultLeaderboardTTL
	}
	leaderboardGrace := cfg.LeaderboardGrace
	if leaderboardGrace <= 0 {
		leaderboardGrace = defaultLeaderboardGrace
	}
	gateway := cfg.Gateway
	leaderboard, err := cache.New(cache.Config[[]remote.LeaderboardEntry]{
		TTL:   leaderboardTTL,
		Grace: leaderboardGrace,
		Loader: func(ctx context.Context, period string) ([]remote.LeaderboardEntry, error) {
			return gateway.FetchLeaderboard(ctx, period)
		},
		Clock:  clock,
		Logger: logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}

	debounceWindow := cfg.DebounceWindow
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounceWindow
	}
	return &Engine{
		store:          localStore,
		profiles:       directory,
		orchestrator:   syncer,
		bus:            bus,
		model:          model,
		leaderboard:    leaderboard,
		session:        cfg.Session,
		logger:         logger,
		debounceWindow: debounceWindow,
		leaderboardTTL: leaderboardTTL,
		debouncers:     make(map[string]*scheduler.Debouncer),
	}, nil
}

// Store returns the local store.
func (e *Engine) Store() *store.Store { return e.store }

// Orchestrator returns the sync orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orchestrator }

// Model returns the consumer read model.
func (e *Engine) Model() *views.Model { return e.model }

// Bus returns the realtime bus.
func (e *Engine) Bus() *realtime.Bus { return e.bus }

// Start subscribes to realtime changes and then runs the initial sync of
// every collection, so a change landing during the initial fetch still
// triggers a reconciliation. Sync failures are recorded on the collection
// state and logged; only a missing user or a failed subscription stops
// Start, and in that case the engine is left as if Start never ran.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	background, stop := context.WithCancel(context.Background())
	e.backgroundCtx = background
	e.stopBackground = stop
	e.mu.Unlock()

	user, err := e.session.CurrentUser()
	if err != nil {
		e.abortStart(context.Background(), nil)
		return err
	}

	joined := make([]string, 0, len(e.orchestrator.Collections()))
	for _, collection := range e.orchestrator.Collections() {
		if err := e.subscribe(ctx, collection, user); err != nil {
			e.abortStart(context.Background(), joined)
			return fmt.Errorf("engine: subscribe %s: %w", collection.Name, err)
		}
		joined = append(joined, collection.Name)
	}
	e.mu.Lock()
	e.stopRejoin = e.bus.OnReconnect(e.reconcileAll)
	e.mu.Unlock()

	e.model.Watch(background)
	if _, err := e.orchestrator.SyncAll(ctx); err != nil {
		e.logger.Warn("initial sync incomplete",
			zap.String("operation", "engine.start"),
			zap.String("reason", "sync_failed"),
			zap.Error(err),
		)
	}
	if err := e.model.Refresh(ctx); err != nil {
		e.logger.Warn("initial read model refresh failed",
			zap.String("operation", "engine.start"),
			zap.String("reason", "refresh_failed"),
			zap.Error(err),
		)
	}
	return nil
}

// abortStart undoes a partial Start: it leaves the joined channels, stops
// their debouncers and cancels the background context.
func (e *Engine) abortStart(ctx context.Context, joined []string) {
	e.mu.Lock()
	debouncers := make([]*scheduler.Debouncer, 0, len(e.debouncers))
	for name, debouncer := range e.debouncers {
		debouncers = append(debouncers, debouncer)
		delete(e.debouncers, name)
	}
	stop := e.stopBackground
	e.started = false
	e.backgroundCtx = nil
	e.stopBackground = nil
	e.mu.Unlock()

	for _, name := range joined {
		e.bus.Unsubscribe(ctx, channelPrefix+name)
	}
	for _, debouncer := range debouncers {
		debouncer.Stop()
	}
	if stop != nil {
		stop()
	}
}

// reconcileAll schedules every collection after the realtime connection was
// restored, since changes made while it was down were never delivered.
func (e *Engine) reconcileAll() {
	e.mu.Lock()
	debouncers := make([]*scheduler.Debouncer, 0, len(e.debouncers))
	for _, debouncer := range e.debouncers {
		debouncers = append(debouncers, debouncer)
	}
	e.mu.Unlock()
	e.logger.Info("realtime reconnected, reconciling collections",
		zap.String("operation", "engine.reconnect"),
		zap.Int("collections", len(debouncers)),
	)
	for _, debouncer := range debouncers {
		debouncer.Schedule()
	}
}

func (e *Engine) subscribe(ctx context.Context, collection orchestrator.Collection, user resources.UserID) error {
	name := collection.Name
	debouncer := scheduler.NewDebouncer(e.debounceWindow, func() {
		e.syncFromRealtime(name)
	}, e.logger.Named("scheduler"))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.debouncers[name] = debouncer
	e.mu.Unlock()

	trigger := func(realtime.ChangeEvent) {
		debouncer.Schedule()
	}
	return e.bus.Subscribe(ctx, realtime.Subscription{
		Channel:  ChannelName(collection),
		Table:    collection.Kind.Table(),
		Filter:   channelFilter(collection, user),
		OnInsert: trigger,
		OnUpdate: trigger,
		OnDelete: func(event realtime.ChangeEvent) {
			e.applyDelete(event)
			debouncer.Schedule()
		},
	})
}

// ChannelName is the realtime channel that carries a collection's changes.
func ChannelName(collection orchestrator.Collection) string {
	return channelPrefix + collection.Name
}

func channelFilter(collection orchestrator.Collection, user resources.UserID) string {
	if collection.Kind == resources.KindNotification {
		return collection.Kind.OwnerColumn() + "=eq." + user.String()
	}
	return ""
}

func (e *Engine) applyDelete(event realtime.ChangeEvent) {
	key, err := event.Key()
	if err != nil {
		e.logger.Warn("ignoring delete without a usable key",
			zap.String("operation", "engine.apply_delete"),
			zap.String("reason", "missing_key"),
			zap.String("table", event.Table),
			zap.Error(err),
		)
		return
	}
	ctx, cancel := context.WithTimeout(e.background(), realtimeSyncTimeout)
	defer cancel()
	if err := e.orchestrator.ApplyDelete(ctx, key); err != nil {
		e.logger.Warn("realtime delete not applied",
			zap.String("operation", "engine.apply_delete"),
			zap.String("reason", "delete_failed"),
			zap.String("record_key", key.String()),
			zap.Error(err),
		)
	}
}

// syncFromRealtime runs a debounced sync. Errors stay on the collection
// state; a sync skipped because another is in flight re-arms the debouncer
// so the triggering change is not lost.
func (e *Engine) syncFromRealtime(name string) {
	ctx, cancel := context.WithTimeout(e.background(), realtimeSyncTimeout)
	defer cancel()
	result, err := e.orchestrator.Sync(ctx, name)
	if err != nil {
		e.logger.Warn("realtime sync failed",
			zap.String("operation", "engine.realtime_sync"),
			zap.String("reason", string(result.Outcome)),
			zap.String("collection", name),
			zap.Error(err),
		)
		return
	}
	if result.Outcome == orchestrator.OutcomeSkipped {
		e.mu.Lock()
		debouncer := e.debouncers[name]
		e.mu.Unlock()
		if debouncer != nil {
			debouncer.Schedule()
		}
	}
}

func (e *Engine) background() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backgroundCtx == nil {
		return context.Background()
	}
	return e.backgroundCtx
}

// Refresh syncs a collection immediately, bypassing the debounce window and
// superseding any sync in flight.
func (e *Engine) Refresh(ctx context.Context, name string) (orchestrator.Result, error) {
	return e.orchestrator.Refresh(ctx, name)
}

// Claim claims a record for the signed-in user.
func (e *Engine) Claim(ctx context.Context, key resources.ResourceKey) (orchestrator.ActionResult, error) {
	return e.orchestrator.Claim(ctx, key)
}

// Unclaim releases the signed-in user's claim.
func (e *Engine) Unclaim(ctx context.Context, key resources.ResourceKey) (orchestrator.ActionResult, error) {
	return e.orchestrator.Unclaim(ctx, key)
}

// Leaderboard returns the ranking for the period through the TTL cache.
func (e *Engine) Leaderboard(ctx context.Context, period string) ([]remote.LeaderboardEntry, error) {
	return e.leaderboard.Fetch(ctx, period, e.leaderboardTTL)
}

// InvalidateLeaderboard drops the cached ranking for the period.
func (e *Engine) InvalidateLeaderboard(period string) {
	e.leaderboard.Invalidate(period)
}

// Close stops the debouncers and leaves every realtime channel. It is safe
// to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	debouncers := e.debouncers
	e.debouncers = make(map[string]*scheduler.Debouncer)
	stop := e.stopBackground
	stopRejoin := e.stopRejoin
	e.stopRejoin = nil
	e.mu.Unlock()

	if stopRejoin != nil {
		stopRejoin()
	}
	for _, debouncer := range debouncers {
		debouncer.Stop()
	}
	err := e.bus.Close(ctx)
	if stop != nil {
		stop()
	}
	return err
}
