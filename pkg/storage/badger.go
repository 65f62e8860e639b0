package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// Store is the BadgerDB-backed versioned fact store.
//
// Features:
//   - ACID transactions for all operations
//   - Persistent storage to disk, or in-memory for tests
//   - Materialised partition heads and secondary indexes
//   - Thread-safe concurrent access, one Tx per goroutine
//   - Commit notifications with the exact scopes each commit touched
//
// Key Structure:
//   - CIs:         0x10 + ciID -> JSON(CI)
//   - Layers:      0x11 + id8 -> JSON(Layer), 0x12 + name -> id8
//   - Changesets:  0x13 + id8 -> JSON(Changeset), 0x14 + ts8 + id8,
//     0x15 + layer8 + ts8 + id8 + ciID
//   - Predicates:  0x16 + id -> JSON(Predicate)
//   - Attributes:  0x20 versions, 0x21 heads, 0x22 per-layer heads
//   - Relations:   0x30 versions, 0x31 heads, 0x32 incoming, 0x33 per-layer
//
// Every append writes a version row and overwrites the partition head. The
// head is read before it is written, so two transactions appending to the
// same partition conflict at commit time.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool

	inMemory bool
	logger   *slog.Logger

	// seq counts committed write transactions.
	seq atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []CommitListener

	layerSeq     *badger.Sequence
	changesetSeq *badger.Sequence
}

// Options configures the store.
type Options struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// LowMemory shrinks memtables and caches for constrained hosts.
	LowMemory bool

	// Logger receives BadgerDB's internal log output and store events.
	// If nil, both are discarded.
	Logger *slog.Logger
}

// Open opens (or creates) a store with the given options.
//
// Example:
//
//	store, err := storage.Open(storage.Options{DataDir: "./data/stratadb"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.DataDir == "" {
		return nil, errors.Wrap(ErrInvalidData, "data directory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(&badgerLogger{logger: logger.With(slog.String("component", "badger"))})

	if opts.LowMemory || opts.InMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	layerSeq, err := db.GetSequence([]byte("seq:layer"), 16)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "layer sequence")
	}
	changesetSeq, err := db.GetSequence([]byte("seq:changeset"), 256)
	if err != nil {
		_ = layerSeq.Release()
		_ = db.Close()
		return nil, errors.Wrap(err, "changeset sequence")
	}

	return &Store{
		db:           db,
		inMemory:     opts.InMemory,
		logger:       logger,
		layerSeq:     layerSeq,
		changesetSeq: changesetSeq,
	}, nil
}

// OpenInMemory creates an in-memory store for testing.
//
// Example:
//
//	store, err := storage.OpenInMemory()
//	if err != nil {
//		t.Fatal(err)
//	}
//	defer store.Close()
func OpenInMemory() (*Store, error) {
	return Open(Options{InMemory: true})
}

// IsInMemory reports whether the store keeps data in memory only.
func (s *Store) IsInMemory() bool {
	return s.inMemory
}

// Begin starts a transaction. Read-only transactions reject appends.
//
// The caller must end the transaction with Commit or Rollback. Discard is
// safe to defer after Commit.
func (s *Store) Begin(update bool) (*Tx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	// The sequence is read before the snapshot is taken: every commit counted
	// in startSeq is visible to the transaction.
	start := s.seq.Load()
	return &Tx{
		store:    s,
		txn:      s.db.NewTransaction(update),
		update:   update,
		startSeq: start,
		status:   TxStatusActive,
		touched:  make(map[Touch]struct{}),
	}, nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Discard()
	return fn(tx)
}

// Update runs fn inside a read-write transaction and commits it when fn
// returns nil. A commit conflict is returned as ErrConflict; retrying is left
// to the caller.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.Commit()
}

// AddCommitListener registers a listener notified after every successful
// write commit. Listeners run synchronously on the committing goroutine.
func (s *Store) AddCommitListener(l CommitListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// CommitSeq returns the sequence number of the most recent commit.
func (s *Store) CommitSeq() uint64 {
	return s.seq.Load()
}

func (s *Store) notify(event CommitEvent) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnCommit(event)
	}
}

// NextLayerID allocates a new layer id. IDs start at 1.
func (s *Store) NextLayerID() (LayerID, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.layerSeq.Next()
	if err != nil {
		return 0, errors.Wrap(err, "next layer id")
	}
	return LayerID(n + 1), nil
}

// NextChangesetID allocates a new changeset id. IDs start at 1.
func (s *Store) NextChangesetID() (ChangesetID, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n, err := s.changesetSeq.Next()
	if err != nil {
		return 0, errors.Wrap(err, "next changeset id")
	}
	return ChangesetID(n + 1), nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close releases the id sequences and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.layerSeq.Release(); err != nil {
		firstErr = errors.Wrap(err, "release layer sequence")
	}
	if err := s.changesetSeq.Release(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "release changeset sequence")
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close badger")
	}
	return firstErr
}

// Sync forces a sync of all data to disk.
func (s *Store) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// RunGC runs one pass of value-log garbage collection. badger.ErrNoRewrite
// means there was nothing to collect and is not reported.
func (s *Store) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.inMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// RunGCLoop runs RunGC every interval until ctx is done.
func (s *Store) RunGCLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunGC(); err != nil {
				if errors.Is(err, ErrStorageClosed) {
					return
				}
				s.logger.Warn("value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Size returns the approximate size of the database in bytes.
func (s *Store) Size() (lsm, vlog int64) {
	if s.checkOpen() != nil {
		return 0, 0
	}
	return s.db.Size()
}

// Stats reports record counts per key family.
type Stats struct {
	CIs        int64 `json:"cis"`
	Layers     int64 `json:"layers"`
	Changesets int64 `json:"changesets"`
	Predicates int64 `json:"predicates"`
	Attributes int64 `json:"attributeVersions"`
	Relations  int64 `json:"relationVersions"`
}

// Stats counts records by scanning key prefixes without fetching values.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.View(ctx, func(tx *Tx) error {
		counts := []struct {
			prefix byte
			dst    *int64
		}{
			{prefixCI, &st.CIs},
			{prefixLayer, &st.Layers},
			{prefixChangeset, &st.Changesets},
			{prefixPredicate, &st.Predicates},
			{prefixAttrVersion, &st.Attributes},
			{prefixRelVersion, &st.Relations},
		}
		for _, c := range counts {
			n, err := tx.countPrefix(ctx, []byte{c.prefix})
			if err != nil {
				return err
			}
			*c.dst = n
		}
		return nil
	})
	return st, err
}

// JSON helpers for catalog records.

func encodeJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrMalformedValue, err.Error())
	}
	return nil
}

// badgerLogger routes BadgerDB's printf-style logging onto slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(trimLog(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(trimLog(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(trimLog(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(trimLog(format, args...))
}

func trimLog(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
