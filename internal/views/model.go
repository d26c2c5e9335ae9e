package views

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/store"
)

var (
	errMissingStore   = errors.New("views: local store is required")
	errMissingSession = errors.New("views: session is required")
)

// UserSource resolves the signed-in user.
type UserSource interface {
	CurrentUser() (resources.UserID, error)
}

// Snapshot is an immutable copy of everything the read API serves.
type Snapshot struct {
	Version   uint64
	User      resources.UserID
	Records   map[resources.Kind][]resources.Record
	Summaries map[resources.ResourceKey]Summary
	TakenAt   time.Time
}

// Listener receives each snapshot after it replaces the previous one.
type Listener func(Snapshot)

// ModelConfig describes the dependencies of a Model.
type ModelConfig struct {
	Store   *store.Store
	Session UserSource
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Model is the consumer read API. Reads serve the last snapshot and never
// suspend; Refresh rebuilds the snapshot from the store.
type Model struct {
	store   *store.Store
	session UserSource
	clock   func() time.Time
	logger  *zap.Logger

	refreshMu sync.Mutex

	mu       sync.RWMutex
	snapshot Snapshot

	listenersMu  sync.RWMutex
	listeners    map[int64]Listener
	nextListener int64
}

// NewModel constructs a Model with an empty snapshot.
func NewModel(cfg ModelConfig) (*Model, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{
		store:     cfg.Store,
		session:   cfg.Session,
		clock:     clock,
		logger:    logger,
		snapshot:  emptySnapshot(0, "", clock()),
		listeners: make(map[int64]Listener),
	}, nil
}

func emptySnapshot(version uint64, user resources.UserID, now time.Time) Snapshot {
	return Snapshot{
		Version:   version,
		User:      user,
		Records:   make(map[resources.Kind][]resources.Record),
		Summaries: make(map[resources.ResourceKey]Summary),
		TakenAt:   now,
	}
}

// Refresh rebuilds the snapshot from committed store state. When nobody is
// signed in the snapshot is emptied and the session error is returned.
func (m *Model) Refresh(ctx context.Context) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	version := m.Snapshot().Version + 1
	now := m.clock()
	user, err := m.currentUser()
	if err != nil {
		m.replace(emptySnapshot(version, "", now))
		return err
	}

	records, err := m.store.Fetch(ctx, store.Query{})
	if err != nil {
		m.logger.Error("read model refresh failed",
			zap.String("operation", "views.refresh"),
			zap.String("reason", "fetch_failed"),
			zap.Error(err),
		)
		return err
	}

	next := emptySnapshot(version, user, now)
	var notifications []resources.Record
	for _, record := range records {
		next.Records[record.Kind] = append(next.Records[record.Kind], record)
		if record.Kind == resources.KindNotification && record.OwnerID == user.String() {
			notifications = append(notifications, record)
		}
	}
	next.Summaries = Summarize(notifications)
	m.replace(next)
	return nil
}

func (m *Model) currentUser() (resources.UserID, error) {
	if m.session == nil {
		return "", errMissingSession
	}
	return m.session.CurrentUser()
}

func (m *Model) replace(next Snapshot) {
	m.mu.Lock()
	m.snapshot = next
	m.mu.Unlock()
	m.emit(next)
}

// Snapshot returns the current snapshot.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// FilteredView returns the kind's records for the mode, evaluated now.
func (m *Model) FilteredView(kind resources.Kind, mode Mode) []resources.Record {
	snapshot := m.Snapshot()
	return FilteredView(snapshot.Records[kind], mode, snapshot.User, m.clock())
}

// HistoryView returns the kind's completed and past records for the user.
func (m *Model) HistoryView(kind resources.Kind) []resources.Record {
	snapshot := m.Snapshot()
	return HistoryView(snapshot.Records[kind], snapshot.User, m.clock())
}

// BadgeCounts returns the unread badge per filter mode for the kind.
func (m *Model) BadgeCounts(kind resources.Kind) map[Mode]int {
	snapshot := m.Snapshot()
	return BadgeCounts(snapshot.Records[kind], snapshot.Summaries, snapshot.User, m.clock())
}

// UnreadSummaries returns a copy of the per-resource unread summaries.
func (m *Model) UnreadSummaries() map[resources.ResourceKey]Summary {
	snapshot := m.Snapshot()
	copied := make(map[resources.ResourceKey]Summary, len(snapshot.Summaries))
	for key, summary := range snapshot.Summaries {
		copied[key] = summary
	}
	return copied
}

// Observe registers a listener and returns a function that removes it. The
// returned function is safe to call more than once.
func (m *Model) Observe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	m.listenersMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = listener
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

func (m *Model) emit(snapshot Snapshot) {
	m.listenersMu.RLock()
	ids := make([]int64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

// Watch refreshes the model after every store commit until ctx is done.
// Commits that land while a refresh runs are folded into one more refresh.
func (m *Model) Watch(ctx context.Context) {
	dirty := make(chan struct{}, 1)
	stop := m.store.Observe(func(store.ChangeSet) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
				if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
					m.logger.Debug("read model refresh skipped",
						zap.String("operation", "views.watch"),
						zap.Error(err),
					)
				}
			}
		}
	}()
}
