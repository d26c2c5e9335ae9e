// Package orchestrator reconciles remote collections into the local store.
//
// Each collection runs an idle → syncing → idle state machine with at most one
// attempt in flight. A sync fetches the whole scoped collection (or a bounded
// window for partial mirrors), merges it in one store transaction and then
// notifies view hooks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/townsync/internal/auth"
	"github.com/MarcoPoloResearchLab/townsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"github.com/MarcoPoloResearchLab/townsync/internal/store"
)

var (
	errMissingStore    = errors.New("local store is required")
	errMissingGateway  = errors.New("remote gateway is required")
	errMissingSession  = errors.New("session is required")
	errMissingProfiles = errors.New("profile directory is required")
	noOpLogger         = zap.NewNop()
)

const (
	opOrchestratorNew = "orchestrator.new"
	opSync            = "orchestrator.sync"
	opApplyDelete     = "orchestrator.apply_delete"
	opResolveNames    = "orchestrator.resolve_names"
	opAudit           = "orchestrator.audit"
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Gateway is the slice of the remote gateway the orchestrator needs.
type Gateway interface {
	FetchAll(ctx context.Context, kind resources.Kind, filters remote.Filters, pageSize int) (remote.CollectionPage, error)
	FetchCollection(ctx context.Context, kind resources.Kind, filters remote.Filters, page remote.Page) (remote.CollectionPage, error)
	FetchOne(ctx context.Context, kind resources.Kind, id resources.RecordID) (resources.Record, error)
	UpdateRecord(ctx context.Context, kind resources.Kind, id resources.RecordID, fields map[string]any) (resources.Record, error)
	AddParticipants(ctx context.Context, conversationID resources.RecordID, userIDs []resources.UserID) error
	FetchProfiles(ctx context.Context, userIDs []string) ([]profiles.Profile, error)
}

// UserSource resolves the signed-in user.
type UserSource interface {
	CurrentUser() (resources.UserID, error)
}

// Directory resolves and remembers display names.
type Directory interface {
	Remember(ctx context.Context, profiles ...profiles.Profile) error
	DisplayName(ctx context.Context, userID string) (string, error)
	Missing(ctx context.Context, userIDs []string) ([]string, error)
}

// MergeHook is invoked after every applied attempt, whether or not it changed anything.
type MergeHook func(Result)

// Config describes the dependencies of the Orchestrator.
type Config struct {
	Store       *store.Store
	Gateway     Gateway
	Session     UserSource
	Profiles    Directory
	Collections []Collection
	// Database receives SyncRun audit rows; nil disables auditing.
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Orchestrator owns the sync state machine of every registered collection.
type Orchestrator struct {
	store      *store.Store
	gateway    Gateway
	session    UserSource
	profiles   Directory
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	collections map[string]*collectionRunner
	order       []string

	hooksMu sync.RWMutex
	hooks   map[int64]MergeHook
	hookSeq int64
}

type collectionRunner struct {
	collection Collection

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the configuration and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, newServiceError(opOrchestratorNew, "missing_store", errMissingStore)
	case cfg.Gateway == nil:
		return nil, newServiceError(opOrchestratorNew, "missing_gateway", errMissingGateway)
	case cfg.Session == nil:
		return nil, newServiceError(opOrchestratorNew, "missing_session", errMissingSession)
	case cfg.Profiles == nil:
		return nil, newServiceError(opOrchestratorNew, "missing_profiles", errMissingProfiles)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	collections := cfg.Collections
	if len(collections) == 0 {
		collections = DefaultCollections(0)
	}

	orchestrator := &Orchestrator{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		session:     cfg.Session,
		profiles:    cfg.Profiles,
		db:          cfg.Database,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		collections: make(map[string]*collectionRunner, len(collections)),
		hooks:       make(map[int64]MergeHook),
	}
	for _, collection := range collections {
		if err := collection.validate(); err != nil {
			return nil, newServiceError(opOrchestratorNew, "invalid_collection", err)
		}
		if _, exists := orchestrator.collections[collection.Name]; exists {
			return nil, newServiceError(opOrchestratorNew, "duplicate_collection", fmt.Errorf("%w: %q registered twice", ErrUnknownCollection, collection.Name))
		}
		orchestrator.collections[collection.Name] = &collectionRunner{
			collection: collection,
			state:      State{Collection: collection.Name, Phase: PhaseIdle},
		}
		orchestrator.order = append(orchestrator.order, collection.Name)
	}
	return orchestrator, nil
}

// Collections lists registered collections in registration order.
func (o *Orchestrator) Collections() []Collection {
	result := make([]Collection, 0, len(o.order))
	for _, name := range o.order {
		result = append(result, o.collections[name].collection)
	}
	return result
}

// CollectionForKind returns the collection that mirrors the kind.
func (o *Orchestrator) CollectionForKind(kind resources.Kind) (Collection, bool) {
	for _, name := range o.order {
		if runner := o.collections[name]; runner.collection.Kind == kind {
			return runner.collection, true
		}
	}
	return Collection{}, false
}

// State returns a snapshot of the collection's sync state.
func (o *Orchestrator) State(name string) (State, error) {
	runner, ok := o.collections[name]
	if !ok {
		return State{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	return runner.state, nil
}

// OnMerged registers a hook and returns a function that removes it.
func (o *Orchestrator) OnMerged(hook MergeHook) func() {
	if hook == nil {
		return func() {}
	}
	o.hooksMu.Lock()
	o.hookSeq++
	id := o.hookSeq
	o.hooks[id] = hook
	o.hooksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.hooksMu.Lock()
			delete(o.hooks, id)
			o.hooksMu.Unlock()
		})
	}
}

// Sync reconciles the collection unless an attempt is already in flight, in
// which case the request is dropped with OutcomeSkipped. Only failed and
// unauthenticated outcomes return an error.
func (o *Orchestrator) Sync(ctx context.Context, name string) (Result, error) {
	runner, ok := o.collections[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	attemptCtx, finish, started := runner.begin(ctx)
	if !started {
		return Result{Collection: name, Outcome: OutcomeSkipped}, nil
	}
	result := o.run(attemptCtx, runner.collection)
	finish(result, o.clock().UTC())
	return o.complete(result)
}

// Refresh is the manual path: it supersedes any in-flight attempt by
// cancelling it and then runs immediately.
func (o *Orchestrator) Refresh(ctx context.Context, name string) (Result, error) {
	runner, ok := o.collections[name]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	for {
		attemptCtx, finish, started := runner.begin(ctx)
		if started {
			result := o.run(attemptCtx, runner.collection)
			finish(result, o.clock().UTC())
			return o.complete(result)
		}
		done := runner.supersede()
		select {
		case <-done:
		case <-ctx.Done():
			return Result{Collection: name, Outcome: OutcomeCanceled}, nil
		}
	}
}

// SyncAll syncs every collection in registration order and returns the first error.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(o.order))
	var firstErr error
	for _, name := range o.order {
		result, err := o.Sync(ctx, name)
		results = append(results, result)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}

func (o *Orchestrator) complete(result Result) (Result, error) {
	switch result.Outcome {
	case OutcomeApplied:
		o.notify(result)
		return result, nil
	case OutcomeFailed, OutcomeUnauthenticated:
		return result, result.Err
	default:
		return result, nil
	}
}

func (o *Orchestrator) notify(result Result) {
	o.hooksMu.RLock()
	ids := make([]int64, 0, len(o.hooks))
	for id := range o.hooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hooks := make([]MergeHook, 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, o.hooks[id])
	}
	o.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(result)
	}
}

func (r *collectionRunner) begin(ctx context.Context) (context.Context, func(Result, time.Time), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Phase == PhaseSyncing {
		return nil, nil, false
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.state.Phase = PhaseSyncing
	r.cancel = cancel
	r.done = done

	finish := func(result Result, finishedAt time.Time) {
		r.mu.Lock()
		r.state.Phase = PhaseIdle
		r.state.LastOutcome = result.Outcome
		switch result.Outcome {
		case OutcomeApplied:
			r.state.LastError = nil
			r.state.LastSyncedAt = finishedAt
		case OutcomeFailed, OutcomeUnauthenticated:
			r.state.LastError = result.Err
		}
		r.cancel = nil
		r.done = nil
		r.mu.Unlock()
		cancel()
		close(done)
	}
	return attemptCtx, finish, true
}

func (r *collectionRunner) supersede() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) run(ctx context.Context, collection Collection) Result {
	result := Result{Collection: collection.Name}
	user, err := o.session.CurrentUser()
	if err != nil {
		if !errors.Is(err, auth.ErrNotAuthenticated) {
			err = fmt.Errorf("%w: %w", auth.ErrNotAuthenticated, err)
		}
		result.Outcome = OutcomeUnauthenticated
		result.Err = err
		return result
	}

	startedAt := o.clock().UTC()
	defer func() {
		o.audit(collection, result, startedAt)
	}()

	filters := collection.filters(user)
	var page remote.CollectionPage
	if collection.Mirror == MirrorFull {
		page, err = o.gateway.FetchAll(ctx, collection.Kind, filters, collection.PageSize)
	} else {
		page, err = o.gateway.FetchCollection(ctx, collection.Kind, filters, remote.Page{Limit: collection.PageSize, Order: collection.Order})
	}
	if err != nil {
		if isCancellation(ctx, err) {
			result.Outcome = OutcomeCanceled
			return result
		}
		o.logError(opSync, "fetch_failed", err, zap.String("collection", collection.Name))
		result.Outcome = OutcomeFailed
		result.Err = newServiceError(opSync, "fetch_failed", err)
		return result
	}
	result.Fetched = len(page.Records)
	if ctx.Err() != nil {
		result.Outcome = OutcomeCanceled
		return result
	}

	o.rememberEmbeddedNames(ctx, page.Records)
	names := o.lookupNames(ctx, page.Records)
	if ctx.Err() != nil {
		result.Outcome = OutcomeCanceled
		return result
	}

	changes, err := o.store.Update(ctx, func(txn *store.Txn) error {
		upserted, deleted, mergeErr := o.merge(txn, collection, filters, page, names)
		result.Upserted = upserted
		result.Deleted = deleted
		return mergeErr
	})
	if err != nil {
		result.Upserted, result.Deleted = 0, 0
		if isCancellation(ctx, err) {
			result.Outcome = OutcomeCanceled
			return result
		}
		o.logError(opSync, "merge_failed", err, zap.String("collection", collection.Name))
		result.Outcome = OutcomeFailed
		result.Err = newServiceError(opSync, "merge_failed", err)
		return result
	}
	result.Outcome = OutcomeApplied

	if len(changes.Changes) > 0 {
		o.fillMissingNames(ctx, changes)
	}
	return result
}

func (o *Orchestrator) merge(txn *store.Txn, collection Collection, filters remote.Filters, page remote.CollectionPage, names map[string]string) (int, int, error) {
	syncedAt := o.clock().UTC()
	seen := make(map[string]struct{}, len(page.Records)+len(page.Undecodable))
	upserted := 0
	for _, incoming := range page.Records {
		seen[incoming.ID] = struct{}{}
		existing, found, err := txn.Get(incoming.Key())
		if err != nil {
			return 0, 0, err
		}
		merged := mergeRecord(existing, found, incoming, names, syncedAt)
		if found {
			if !resources.CanTransition(existing.Status(), merged.Status()) {
				o.logger.Warn("remote reported an unexpected status transition",
					zap.String("operation", opSync),
					zap.String("reason", "unexpected_transition"),
					zap.String("collection", collection.Name),
					zap.String("record_id", incoming.ID),
					zap.String("from", existing.Status().String()),
					zap.String("to", merged.Status().String()),
				)
			}
			if unchanged(existing, merged) {
				continue
			}
		}
		if err := txn.Upsert(merged); err != nil {
			return 0, 0, err
		}
		upserted++
	}
	for _, id := range page.Undecodable {
		seen[id.String()] = struct{}{}
	}

	if collection.Mirror != MirrorFull {
		return upserted, 0, nil
	}
	local, err := txn.Fetch(store.Query{
		Kinds:     []resources.Kind{collection.Kind},
		Predicate: filters.Matches,
	})
	if err != nil {
		return 0, 0, err
	}
	deleted := 0
	for _, record := range local {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		if err := txn.Delete(record.Key()); err != nil {
			return 0, 0, err
		}
		deleted++
	}
	return upserted, deleted, nil
}

// mergeRecord overwrites every server-owned field from the remote value and
// keeps denormalized names unless the referenced user changed.
func mergeRecord(existing resources.Record, found bool, incoming resources.Record, names map[string]string, syncedAt time.Time) resources.Record {
	merged := incoming.Clone()
	merged.SyncedAt = syncedAt
	merged.OwnerDisplayName = resolveName(incoming.OwnerDisplayName, incoming.OwnerID, found, existing.OwnerID, existing.OwnerDisplayName, names)
	merged.ClaimerDisplayName = resolveName(incoming.ClaimerDisplayName, incoming.ClaimedBy, found, existing.ClaimedBy, existing.ClaimerDisplayName, names)
	return merged
}

func resolveName(embedded, userID string, found bool, previousUserID, previousName string, names map[string]string) string {
	if embedded != "" {
		return embedded
	}
	if userID == "" {
		return ""
	}
	if found && previousUserID == userID && previousName != "" {
		return previousName
	}
	return names[userID]
}

func unchanged(existing, merged resources.Record) bool {
	return existing.SameServerFields(merged) &&
		existing.OwnerDisplayName == merged.OwnerDisplayName &&
		existing.ClaimerDisplayName == merged.ClaimerDisplayName
}

func (o *Orchestrator) rememberEmbeddedNames(ctx context.Context, records []resources.Record) {
	var embedded []profiles.Profile
	for _, record := range records {
		if record.OwnerID != "" && record.OwnerDisplayName != "" {
			embedded = append(embedded, profiles.Profile{UserID: record.OwnerID, DisplayName: record.OwnerDisplayName})
		}
		if record.ClaimedBy != "" && record.ClaimerDisplayName != "" {
			embedded = append(embedded, profiles.Profile{UserID: record.ClaimedBy, DisplayName: record.ClaimerDisplayName})
		}
	}
	if len(embedded) == 0 {
		return
	}
	if err := o.profiles.Remember(ctx, embedded...); err != nil && !isCancellation(ctx, err) {
		o.logWarn(opResolveNames, "remember_failed", err)
	}
}

func (o *Orchestrator) lookupNames(ctx context.Context, records []resources.Record) map[string]string {
	names := make(map[string]string)
	for _, record := range records {
		for _, pair := range [][2]string{
			{record.OwnerID, record.OwnerDisplayName},
			{record.ClaimedBy, record.ClaimerDisplayName},
		} {
			userID, embedded := pair[0], pair[1]
			if userID == "" || embedded != "" {
				continue
			}
			if _, ok := names[userID]; ok {
				continue
			}
			displayName, err := o.profiles.DisplayName(ctx, userID)
			if err != nil {
				if !isCancellation(ctx, err) {
					o.logWarn(opResolveNames, "lookup_failed", err, zap.String("user_id", userID))
				}
				continue
			}
			names[userID] = displayName
		}
	}
	return names
}

// fillMissingNames fetches profiles for users the merge could not name and
// patches the denormalized fields. Failures are logged only.
func (o *Orchestrator) fillMissingNames(ctx context.Context, changes store.ChangeSet) {
	var candidates []string
	for _, change := range changes.Changes {
		if change.Op != store.ChangeUpserted {
			continue
		}
		if change.Record.OwnerID != "" && change.Record.OwnerDisplayName == "" {
			candidates = append(candidates, change.Record.OwnerID)
		}
		if change.Record.ClaimedBy != "" && change.Record.ClaimerDisplayName == "" {
			candidates = append(candidates, change.Record.ClaimedBy)
		}
	}
	if len(candidates) == 0 {
		return
	}
	missing, err := o.profiles.Missing(ctx, candidates)
	if err != nil || len(missing) == 0 {
		if err != nil && !isCancellation(ctx, err) {
			o.logWarn(opResolveNames, "missing_lookup_failed", err)
		}
		return
	}
	fetched, err := o.gateway.FetchProfiles(ctx, missing)
	if err != nil {
		if !isCancellation(ctx, err) {
			o.logWarn(opResolveNames, "profile_fetch_failed", err, zap.Int("requested", len(missing)))
		}
		return
	}
	if err := o.profiles.Remember(ctx, fetched...); err != nil {
		if !isCancellation(ctx, err) {
			o.logWarn(opResolveNames, "remember_failed", err)
		}
		return
	}
	names := make(map[string]string, len(fetched))
	for _, profile := range fetched {
		if profile.DisplayName != "" {
			names[profile.UserID] = profile.DisplayName
		}
	}
	if len(names) == 0 {
		return
	}

	_, err = o.store.Update(ctx, func(txn *store.Txn) error {
		for _, change := range changes.Changes {
			if change.Op != store.ChangeUpserted {
				continue
			}
			current, found, err := txn.Get(change.Key)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			patched := current.Clone()
			if patched.OwnerDisplayName == "" {
				patched.OwnerDisplayName = names[patched.OwnerID]
			}
			if patched.ClaimedBy != "" && patched.ClaimerDisplayName == "" {
				patched.ClaimerDisplayName = names[patched.ClaimedBy]
			}
			if patched.OwnerDisplayName == current.OwnerDisplayName && patched.ClaimerDisplayName == current.ClaimerDisplayName {
				continue
			}
			if err := txn.Upsert(patched); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !isCancellation(ctx, err) {
		o.logWarn(opResolveNames, "patch_failed", err)
	}
}

// ApplyDelete removes a record the backend reported as deleted.
func (o *Orchestrator) ApplyDelete(ctx context.Context, key resources.ResourceKey) error {
	if key.Kind.Table() == "" || key.ID == "" {
		return newServiceError(opApplyDelete, "invalid_key", fmt.Errorf("%w: %q", store.ErrInvalidRecord, key.String()))
	}
	_, err := o.store.Update(ctx, func(txn *store.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		if isCancellation(ctx, err) {
			return nil
		}
		o.logError(opApplyDelete, "delete_failed", err, zap.String("record_key", key.String()))
		return newServiceError(opApplyDelete, "delete_failed", err)
	}
	return nil
}

// RecentRuns returns the latest audit rows for the collection, newest first.
func (o *Orchestrator) RecentRuns(ctx context.Context, name string, limit int) ([]SyncRun, error) {
	if _, ok := o.collections[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
	if o.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var runs []SyncRun
	err := o.db.WithContext(ctx).
		Where("collection = ?", name).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (o *Orchestrator) audit(collection Collection, result Result, startedAt time.Time) {
	if o.db == nil {
		return
	}
	id, err := o.idProvider.NewID()
	if err != nil {
		o.logWarn(opAudit, "id_generation_failed", err)
		return
	}
	run := SyncRun{
		ID:         id,
		Collection: collection.Name,
		Outcome:    string(result.Outcome),
		Fetched:    result.Fetched,
		Upserted:   result.Upserted,
		Deleted:    result.Deleted,
		StartedAt:  startedAt,
		FinishedAt: o.clock().UTC(),
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	if err := o.db.Create(&run).Error; err != nil {
		o.logWarn(opAudit, "insert_failed", err, zap.String("collection", collection.Name))
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	o.logger.Error("sync orchestrator error", o.fields(operation, reason, err, fields...)...)
}

func (o *Orchestrator) logWarn(operation, reason string, err error, fields ...zap.Field) {
	o.logger.Warn("sync orchestrator partial failure", o.fields(operation, reason, err, fields...)...)
}

func (o *Orchestrator) fields(operation, reason string, err error, fields ...zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}
