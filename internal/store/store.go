// Package store is the durable on-device mirror of backend records.
//
// All writes go through a single writer lock and commit inside one database
// transaction, so readers only ever observe fully merged records. Observers
// are notified after each commit with the set of changes it contained.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidRecord indicates that a record lacks a kind or identifier.
	ErrInvalidRecord = errors.New("store: invalid record")
)

const (
	opStoreOpen   = "store.open"
	opStoreFetch  = "store.fetch"
	opStoreGet    = "store.get"
	opStoreUpdate = "store.update"
	opStoreSave   = "store.save"

	queryKindID     = "kind = ? AND id = ?"
	orderEventAndID = "event_at ASC, id ASC"
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

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ChangeOp describes what happened to a record in a commit.
type ChangeOp string

const (
	ChangeUpserted ChangeOp = "upserted"
	ChangeDeleted  ChangeOp = "deleted"
)

// Change is one committed mutation.
type Change struct {
	Op     ChangeOp
	Key    resources.ResourceKey
	Record resources.Record
}

// ChangeSet groups the mutations of a single commit.
type ChangeSet struct {
	Changes     []Change
	CommittedAt time.Time
}

// Kinds lists the distinct kinds touched by the change set.
func (set ChangeSet) Kinds() []resources.Kind {
	seen := make(map[resources.Kind]struct{}, len(set.Changes))
	kinds := make([]resources.Kind, 0, len(set.Changes))
	for _, change := range set.Changes {
		if _, ok := seen[change.Key.Kind]; ok {
			continue
		}
		seen[change.Key.Kind] = struct{}{}
		kinds = append(kinds, change.Key.Kind)
	}
	return kinds
}

// Observer receives committed change sets. Observers run on the committing
// goroutine after the writer lock is released.
type Observer func(ChangeSet)

// Config describes the dependencies of the Store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Store persists resource records and serializes writers.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []pendingChange

	observersMu    sync.RWMutex
	observers      map[int64]Observer
	nextObserverID int64
}

type pendingChange struct {
	op     ChangeOp
	key    resources.ResourceKey
	record resources.Record
}

// Open constructs a Store over an already migrated database.
func Open(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreOpen, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		db:        cfg.Database,
		logger:    logger,
		clock:     clock,
		observers: make(map[int64]Observer),
	}, nil
}

// Predicate filters records in memory after the SQL narrowing.
type Predicate func(resources.Record) bool

// Query narrows a fetch. Empty fields do not constrain the result.
type Query struct {
	Kinds     []resources.Kind
	OwnerID   string
	ClaimedBy string
	Status    string
	Predicate Predicate
}

// Fetch returns committed records matching the query ordered by event time then id.
func (s *Store) Fetch(ctx context.Context, query Query) ([]resources.Record, error) {
	records, err := fetchRecords(s.db.WithContext(ctx), query)
	if err != nil {
		s.logError(opStoreFetch, "query_failed", err)
		return nil, newServiceError(opStoreFetch, "query_failed", err)
	}
	return records, nil
}

// Get loads a single committed record.
func (s *Store) Get(ctx context.Context, key resources.ResourceKey) (resources.Record, bool, error) {
	record, found, err := getRecord(s.db.WithContext(ctx), key)
	if err != nil {
		s.logError(opStoreGet, "query_failed", err, zap.String("record_key", key.String()))
		return resources.Record{}, false, newServiceError(opStoreGet, "query_failed", err)
	}
	return record, found, nil
}

// Upsert stages a record for the next Save.
func (s *Store) Upsert(record resources.Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, pendingChange{op: ChangeUpserted, key: record.Key(), record: record.Clone()})
	s.pendingMu.Unlock()
	return nil
}

// Delete stages a removal for the next Save.
func (s *Store) Delete(key resources.ResourceKey) error {
	if key.Kind == "" || key.ID == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, pendingChange{op: ChangeDeleted, key: key})
	s.pendingMu.Unlock()
	return nil
}

// Save commits every staged change in one transaction. On failure the staged
// changes are kept so the caller may retry.
func (s *Store) Save(ctx context.Context) (ChangeSet, error) {
	s.pendingMu.Lock()
	staged := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(staged) == 0 {
		return ChangeSet{}, nil
	}

	changes, err := s.Update(ctx, func(txn *Txn) error {
		for _, change := range staged {
			switch change.op {
			case ChangeUpserted:
				if err := txn.Upsert(change.record); err != nil {
					return err
				}
			case ChangeDeleted:
				if err := txn.Delete(change.key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		s.pendingMu.Lock()
		s.pending = append(staged, s.pending...)
		s.pendingMu.Unlock()
		s.logError(opStoreSave, "commit_failed", err, zap.Int("staged", len(staged)))
		return ChangeSet{}, err
	}
	return changes, nil
}

// Update runs fn inside a transaction while holding the writer lock. Nothing is
// committed when fn fails or ctx is cancelled before commit.
func (s *Store) Update(ctx context.Context, fn func(txn *Txn) error) (ChangeSet, error) {
	if err := ctx.Err(); err != nil {
		return ChangeSet{}, err
	}

	s.writeMu.Lock()
	txn := &Txn{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn.tx = tx
		if err := fn(txn); err != nil {
			return err
		}
		return ctx.Err()
	})
	committedAt := s.clock().UTC()
	s.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChangeSet{}, err
		}
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return ChangeSet{}, err
		}
		s.logError(opStoreUpdate, "transaction_failed", err)
		return ChangeSet{}, newServiceError(opStoreUpdate, "transaction_failed", err)
	}

	changeSet := ChangeSet{Changes: txn.changes, CommittedAt: committedAt}
	if len(changeSet.Changes) > 0 {
		s.publish(changeSet)
	}
	return changeSet, nil
}

// Observe registers an observer and returns a function that removes it. The
// returned function is safe to call more than once.
func (s *Store) Observe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}
	s.observersMu.Lock()
	s.nextObserverID++
	id := s.nextObserverID
	s.observers[id] = observer
	s.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.observersMu.Lock()
			delete(s.observers, id)
			s.observersMu.Unlock()
		})
	}
}

func (s *Store) publish(changeSet ChangeSet) {
	s.observersMu.RLock()
	observers := make([]Observer, 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	s.observersMu.RUnlock()
	for _, observer := range observers {
		observer(changeSet)
	}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}

// Txn is the write handle passed to Update.
type Txn struct {
	tx      *gorm.DB
	changes []Change
}

// Get reads a record inside the transaction.
func (t *Txn) Get(key resources.ResourceKey) (resources.Record, bool, error) {
	return getRecord(t.tx, key)
}

// Fetch reads records inside the transaction.
func (t *Txn) Fetch(query Query) ([]resources.Record, error) {
	return fetchRecords(t.tx, query)
}

// Upsert inserts or fully replaces a record.
func (t *Txn) Upsert(record resources.Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	stored := record.Clone()
	if err := t.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&stored).Error; err != nil {
		return err
	}
	t.changes = append(t.changes, Change{Op: ChangeUpserted, Key: stored.Key(), Record: stored})
	return nil
}

// Delete removes a record. Deleting a missing record is not an error and
// produces no change entry.
func (t *Txn) Delete(key resources.ResourceKey) error {
	result := t.tx.Where(queryKindID, key.Kind, key.ID.String()).Delete(&resources.Record{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		t.changes = append(t.changes, Change{Op: ChangeDeleted, Key: key})
	}
	return nil
}

func getRecord(db *gorm.DB, key resources.ResourceKey) (resources.Record, bool, error) {
	var record resources.Record
	err := db.Where(queryKindID, key.Kind, key.ID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return resources.Record{}, false, nil
	}
	if err != nil {
		return resources.Record{}, false, err
	}
	return record, true, nil
}

func fetchRecords(db *gorm.DB, query Query) ([]resources.Record, error) {
	statement := db.Model(&resources.Record{})
	if len(query.Kinds) > 0 {
		statement = statement.Where("kind IN ?", query.Kinds)
	}
	if query.OwnerID != "" {
		statement = statement.Where("owner_id = ?", query.OwnerID)
	}
	if query.ClaimedBy != "" {
		statement = statement.Where("claimed_by = ?", query.ClaimedBy)
	}
	if query.Status != "" {
		statement = statement.Where("status = ?", query.Status)
	}

	var records []resources.Record
	if err := statement.Order(orderEventAndID).Find(&records).Error; err != nil {
		return nil, err
	}
	if query.Predicate == nil {
		return records, nil
	}
	filtered := records[:0]
	for _, record := range records {
		if query.Predicate(record) {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

func validateRecord(record resources.Record) error {
	if record.Kind.Table() == "" {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, record.Kind)
	}
	if _, err := resources.NewRecordID(record.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}
