package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/database"
	"github.com/MarcoPoloResearchLab/townsync/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/townsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/townsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/views"
)

var engineDatabaseCounter atomic.Int64

type staticSession struct {
	user resources.UserID
}

func (s staticSession) CurrentUser() (resources.UserID, error) {
	if s.user == "" {
		return "", auth.ErrNotAuthenticated
	}
	return s.user, nil
}

type memoryGateway struct {
	mu               sync.Mutex
	rows             map[resources.Kind][]resources.Record
	fetches          map[resources.Kind]int
	fetchErr         map[resources.Kind]error
	afterSnapshot    func(ctx context.Context, kind resources.Kind, call int)
	leaderboardCalls atomic.Int32
}

func newMemoryGateway() *memoryGateway {
	return &memoryGateway{
		rows:     make(map[resources.Kind][]resources.Record),
		fetches:  make(map[resources.Kind]int),
		fetchErr: make(map[resources.Kind]error),
	}
}

func (g *memoryGateway) set(kind resources.Kind, records ...resources.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rows[kind] = records
}

func (g *memoryGateway) fetchCount(kind resources.Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches[kind]
}

func (g *memoryGateway) setFetchErr(kind resources.Kind, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchErr[kind] = err
}

func (g *memoryGateway) setAfterSnapshot(hook func(ctx context.Context, kind resources.Kind, call int)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.afterSnapshot = hook
}

// FetchAll reads the rows and then runs the afterSnapshot hook, so the hook
// can change the remote without the change reaching this page.
func (g *memoryGateway) FetchAll(ctx context.Context, kind resources.Kind, filters remote.Filters, _ int) (remote.CollectionPage, error) {
	g.mu.Lock()
	g.fetches[kind]++
	call := g.fetches[kind]
	hook := g.afterSnapshot
	if err := g.fetchErr[kind]; err != nil {
		g.mu.Unlock()
		return remote.CollectionPage{}, err
	}
	var page remote.CollectionPage
	for _, record := range g.rows[kind] {
		if filters.Matches(record) {
			page.Records = append(page.Records, record.Clone())
		}
	}
	page.RowCount = len(page.Records)
	g.mu.Unlock()

	if hook != nil {
		hook(ctx, kind, call)
	}
	return page, nil
}

func (g *memoryGateway) FetchCollection(ctx context.Context, kind resources.Kind, filters remote.Filters, _ remote.Page) (remote.CollectionPage, error) {
	return g.FetchAll(ctx, kind, filters, 0)
}

func (g *memoryGateway) FetchOne(_ context.Context, kind resources.Kind, id resources.RecordID) (resources.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, record := range g.rows[kind] {
		if record.ID == id.String() {
			return record.Clone(), nil
		}
	}
	return resources.Record{}, remote.ErrNotFound
}

func (g *memoryGateway) UpdateRecord(_ context.Context, _ resources.Kind, _ resources.RecordID, _ map[string]any) (resources.Record, error) {
	return resources.Record{}, remote.ErrRejected
}

func (g *memoryGateway) AddParticipants(context.Context, resources.RecordID, []resources.UserID) error {
	return nil
}

func (g *memoryGateway) FetchProfiles(context.Context, []string) ([]profiles.Profile, error) {
	return nil, nil
}

func (g *memoryGateway) FetchLeaderboard(_ context.Context, period string) ([]remote.LeaderboardEntry, error) {
	g.leaderboardCalls.Add(1)
	return []remote.LeaderboardEntry{{UserID: "U1", DisplayName: "Ada", Completed: 3, Rank: 1}}, nil
}

type engineHarness struct {
	engine    *Engine
	gateway   *memoryGateway
	transport *realtime.LocalTransport
}

func newEngineHarness(t *testing.T, user resources.UserID) *engineHarness {
	t.Helper()
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", engineDatabaseCounter.Add(1))
	db, err := database.OpenSQLite(dsn, nil)
	require.NoError(t, err)

	gateway := newMemoryGateway()
	transport := realtime.NewLocalTransport()
	engine, err := New(Config{
		Database:       db,
		Gateway:        gateway,
		Session:        staticSession{user: user},
		Transport:      transport,
		DebounceWindow: 60 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})
	return &engineHarness{engine: engine, gateway: gateway, transport: transport}
}

func rideRecord(id, owner, status, claimer string) resources.Record {
	now := time.Now().UTC()
	return resources.Record{
		Kind:      resources.KindRide,
		ID:        id,
		OwnerID:   owner,
		StatusRaw: status,
		ClaimedBy: claimer,
		EventAt:   now.Add(2 * time.Hour).Truncate(time.Second),
		CreatedAt: now.Add(-time.Hour).Truncate(time.Second),
		UpdatedAt: now.Add(-time.Hour).Truncate(time.Second),
	}
}

func rideChange(eventType, id string, fields map[string]any) map[string]any {
	record := map[string]any{"id": id}
	for key, value := range fields {
		record[key] = value
	}
	change := map[string]any{"type": eventType, "table": "rides"}
	if eventType == "DELETE" {
		change["old_record"] = record
	} else {
		change["record"] = record
	}
	return change
}

func TestRealtimeBurstCoalescesIntoOneSync(t *testing.T) {
	h := newEngineHarness(t, "U1")
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Equal(t, 1, h.gateway.fetchCount(resources.KindRide))

	for range 5 {
		delivered, err := h.transport.Publish(ctx, rideChange("UPDATE", "R1", map[string]any{"status": "open"}))
		require.NoError(t, err)
		require.Equal(t, 1, delivered)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return h.gateway.fetchCount(resources.KindRide) == 2
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 2, h.gateway.fetchCount(resources.KindRide))
	require.Equal(t, 1, h.gateway.fetchCount(resources.KindFavor))
}

func TestRemoteClaimLeavesOpenViewButStaysInMine(t *testing.T) {
	h := newEngineHarness(t, "U1")
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	model := h.engine.Model()
	require.Eventually(t, func() bool {
		return len(model.FilteredView(resources.KindRide, views.ModeOpen)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	claimed := rideRecord("R1", "U1", "claimed", "U2")
	claimed.UpdatedAt = claimed.UpdatedAt.Add(time.Minute)
	h.gateway.set(resources.KindRide, claimed)
	_, err := h.transport.Publish(ctx, rideChange("UPDATE", "R1", map[string]any{"status": "claimed", "claimed_by": "U2"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(model.FilteredView(resources.KindRide, views.ModeOpen)) == 0
	}, 2*time.Second, 5*time.Millisecond)
	mine := model.FilteredView(resources.KindRide, views.ModeMine)
	require.Len(t, mine, 1)
	require.Equal(t, "R1", mine[0].ID)
}

func TestRealtimeDeleteRemovesRecord(t *testing.T) {
	h := newEngineHarness(t, "U1")
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""), rideRecord("R2", "U3", "open", ""))
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	h.gateway.set(resources.KindRide, rideRecord("R2", "U3", "open", ""))
	_, err := h.transport.Publish(ctx, rideChange("DELETE", "R1", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, found, err := h.engine.Store().Get(ctx, resources.ResourceKey{Kind: resources.KindRide, ID: "R1"})
		return err == nil && !found
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNotificationChannelIsFilteredToUser(t *testing.T) {
	h := newEngineHarness(t, "U1")
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	delivered, err := h.transport.Publish(ctx, map[string]any{
		"type":   "INSERT",
		"table":  "notifications",
		"record": map[string]any{"id": "n-1", "user_id": "U9", "type": "message"},
	})
	require.NoError(t, err)
	require.Zero(t, delivered)

	delivered, err = h.transport.Publish(ctx, map[string]any{
		"type":   "INSERT",
		"table":  "notifications",
		"record": map[string]any{"id": "n-2", "user_id": "U1", "type": "message"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
}

func TestLeaderboardIsCached(t *testing.T) {
	h := newEngineHarness(t, "U1")
	ctx := context.Background()

	first, err := h.engine.Leaderboard(ctx, "week")
	require.NoError(t, err)
	second, err := h.engine.Leaderboard(ctx, "week")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), h.gateway.leaderboardCalls.Load())

	h.engine.InvalidateLeaderboard("week")
	_, err = h.engine.Leaderboard(ctx, "week")
	require.NoError(t, err)
	require.Equal(t, int32(2), h.gateway.leaderboardCalls.Load())
}

func TestStartSignedOutMakesNoRequests(t *testing.T) {
	h := newEngineHarness(t, "")
	err := h.engine.Start(context.Background())
	require.ErrorIs(t, err, auth.ErrNotAuthenticated)
	require.Zero(t, h.gateway.fetchCount(resources.KindRide))
	require.Empty(t, h.engine.Bus().Channels())
}

func TestCloseIsIdempotentAndReleasesChannels(t *testing.T) {
	h := newEngineHarness(t, "U1")
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Len(t, h.engine.Bus().Channels(), len(orchestrator.DefaultCollections(0)))

	require.NoError(t, h.engine.Close(ctx))
	require.NoError(t, h.engine.Close(ctx))
	require.Empty(t, h.engine.Bus().Channels())
	require.Eventually(t, func() bool { return h.transport.Channels() == 0 }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, h.engine.Start(ctx), ErrClosed)
}

func (h *engineHarness) hasRide(ctx context.Context, id string) bool {
	_, found, err := h.engine.Store().Get(ctx, resources.ResourceKey{Kind: resources.KindRide, ID: resources.RecordID(id)})
	return err == nil && found
}

func TestChangeDuringInitialSyncIsReconciled(t *testing.T) {
	h := newEngineHarness(t, "U1")
	r1 := rideRecord("R1", "U1", "open", "")
	r2 := rideRecord("R2", "U1", "open", "")
	h.gateway.set(resources.KindRide, r1)

	delivered := make(chan int, 1)
	h.gateway.setAfterSnapshot(func(ctx context.Context, kind resources.Kind, call int) {
		if kind != resources.KindRide || call != 1 {
			return
		}
		h.gateway.set(resources.KindRide, r1, r2)
		count, err := h.transport.Publish(ctx, rideChange("INSERT", "R2", map[string]any{"user_id": "U1", "status": "open"}))
		if err != nil {
			count = -1
		}
		delivered <- count
	})

	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))
	require.Equal(t, 1, <-delivered)

	require.Eventually(t, func() bool {
		return h.hasRide(ctx, "R1") && h.hasRide(ctx, "R2")
	}, 2*time.Second, 5*time.Millisecond)
}

type reconnectingTransport struct {
	*realtime.LocalTransport
	mu    sync.Mutex
	hooks []func()
}

func (r *reconnectingTransport) OnRejoin(hook func()) func() {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	index := len(r.hooks) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.hooks[index] = nil
		r.mu.Unlock()
	}
}

func (r *reconnectingTransport) rejoined() {
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		if hook != nil {
			hook()
		}
	}
}

func TestReconnectSchedulesEveryCollection(t *testing.T) {
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", engineDatabaseCounter.Add(1))
	db, err := database.OpenSQLite(dsn, nil)
	require.NoError(t, err)
	gateway := newMemoryGateway()
	transport := &reconnectingTransport{LocalTransport: realtime.NewLocalTransport()}
	engine, err := New(Config{
		Database:       db,
		Gateway:        gateway,
		Session:        staticSession{user: "U1"},
		Transport:      transport,
		DebounceWindow: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})

	ctx := context.Background()
	gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""))
	require.NoError(t, engine.Start(ctx))
	require.Equal(t, 1, gateway.fetchCount(resources.KindRide))

	gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""), rideRecord("R2", "U1", "open", ""))
	transport.rejoined()

	require.Eventually(t, func() bool {
		return gateway.fetchCount(resources.KindRide) == 2 && gateway.fetchCount(resources.KindNotification) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, found, err := engine.Store().Get(ctx, resources.ResourceKey{Kind: resources.KindRide, ID: "R2"})
		return err == nil && found
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, engine.Close(ctx))
	transport.rejoined()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 2, gateway.fetchCount(resources.KindRide))
}

type flakyJoinTransport struct {
	*realtime.LocalTransport
	mu       sync.Mutex
	failOn   string
	failures int
}

func (f *flakyJoinTransport) Join(ctx context.Context, binding realtime.Binding) (<-chan realtime.Message, error) {
	f.mu.Lock()
	fail := binding.Channel == f.failOn && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("join refused")
	}
	return f.LocalTransport.Join(ctx, binding)
}

func TestFailedSubscribeLeavesEngineRestartable(t *testing.T) {
	dsn := fmt.Sprintf("file:engine_test_%d?mode=memory&cache=shared", engineDatabaseCounter.Add(1))
	db, err := database.OpenSQLite(dsn, nil)
	require.NoError(t, err)
	gateway := newMemoryGateway()
	collections := orchestrator.DefaultCollections(0)
	last := collections[len(collections)-1]
	transport := &flakyJoinTransport{
		LocalTransport: realtime.NewLocalTransport(),
		failOn:         ChannelName(last),
		failures:       1,
	}
	engine, err := New(Config{
		Database:       db,
		Gateway:        gateway,
		Session:        staticSession{user: "U1"},
		Transport:      transport,
		DebounceWindow: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = engine.Close(context.Background())
	})

	ctx := context.Background()
	err = engine.Start(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), last.Name)
	require.Empty(t, engine.Bus().Channels())
	require.Eventually(t, func() bool { return transport.Channels() == 0 }, time.Second, 5*time.Millisecond)
	require.Zero(t, gateway.fetchCount(resources.KindRide))

	require.NoError(t, engine.Start(ctx))
	require.Len(t, engine.Bus().Channels(), len(collections))
	require.Equal(t, 1, gateway.fetchCount(resources.KindRide))
}

func TestStartWithCanceledContextRollsBack(t *testing.T) {
	h := newEngineHarness(t, "U1")
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, h.engine.Start(canceled), context.Canceled)
	require.Empty(t, h.engine.Bus().Channels())

	require.NoError(t, h.engine.Start(context.Background()))
	require.Len(t, h.engine.Bus().Channels(), len(orchestrator.DefaultCollections(0)))
}

func TestFailedRealtimeSyncKeepsSchedulerArmed(t *testing.T) {
	h := newEngineHarness(t, "U1")
	ctx := context.Background()
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""))
	require.NoError(t, h.engine.Start(ctx))

	h.gateway.setFetchErr(resources.KindRide, errors.New("boom"))
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""), rideRecord("R2", "U1", "open", ""))
	_, err := h.transport.Publish(ctx, rideChange("INSERT", "R2", map[string]any{"user_id": "U1"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := h.engine.Orchestrator().State(orchestrator.CollectionRides)
		return err == nil && state.LastOutcome == orchestrator.OutcomeFailed && state.LastError != nil
	}, 2*time.Second, 5*time.Millisecond)
	require.False(t, h.hasRide(ctx, "R2"))

	h.gateway.setFetchErr(resources.KindRide, nil)
	_, err = h.transport.Publish(ctx, rideChange("UPDATE", "R2", map[string]any{"user_id": "U1"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.hasRide(ctx, "R2")
	}, 2*time.Second, 5*time.Millisecond)
	state, err := h.engine.Orchestrator().State(orchestrator.CollectionRides)
	require.NoError(t, err)
	require.NoError(t, state.LastError)
}

func TestSkippedRealtimeSyncIsRetried(t *testing.T) {
	h := newEngineHarness(t, "U1")
	ctx := context.Background()
	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""))
	require.NoError(t, h.engine.Start(ctx))

	release := make(chan struct{})
	h.gateway.setAfterSnapshot(func(hookCtx context.Context, kind resources.Kind, call int) {
		if kind != resources.KindRide || call != 2 {
			return
		}
		select {
		case <-release:
		case <-hookCtx.Done():
		}
	})

	manual := make(chan orchestrator.Result, 1)
	go func() {
		result, _ := h.engine.Orchestrator().Sync(ctx, orchestrator.CollectionRides)
		manual <- result
	}()
	require.Eventually(t, func() bool {
		return h.gateway.fetchCount(resources.KindRide) == 2
	}, 2*time.Second, 5*time.Millisecond)

	h.gateway.set(resources.KindRide, rideRecord("R1", "U1", "open", ""), rideRecord("R2", "U1", "open", ""))
	_, err := h.transport.Publish(ctx, rideChange("INSERT", "R2", map[string]any{"user_id": "U1"}))
	require.NoError(t, err)

	// Several debounce windows pass while the manual sync holds the collection.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 2, h.gateway.fetchCount(resources.KindRide))
	close(release)

	result := <-manual
	require.Equal(t, orchestrator.OutcomeApplied, result.Outcome)
	require.Eventually(t, func() bool {
		return h.hasRide(ctx, "R2")
	}, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, h.gateway.fetchCount(resources.KindRide), 3)
}
