// Package stratadb provides the main API for embedded StrataDB usage.
//
// StrataDB is a configuration-management database. Configuration items (CIs)
// carry attributes and are linked by typed relations; every fact is
// versioned and lives in one of several layers. Readers ask for a merged
// view over an ordered layer set, at the latest state or at any past
// instant, and the highest-precedence layer holding a live version wins.
//
// Architecture:
//   - Storage: append-only versioned facts on BadgerDB (pkg/storage)
//   - Layers: named overlays with precedence chosen per query (pkg/layer)
//   - Changesets: monotonic (timestamp, author) groups (pkg/changeset)
//   - Merge: temporal multi-layer overlay (pkg/merge)
//   - Mutation: idempotent single and bulk writes (pkg/mutation)
//   - Cache: token-validated merged-view cache (pkg/cache)
//   - Auth: layer-scoped permissions (pkg/auth)
//   - Audit: JSON-lines commit trail (pkg/audit)
//
// Example Usage:
//
//	cfg := stratadb.DefaultConfig()
//	cfg.DataDir = "./data"
//	cfg.DefaultLayers = []string{"manual", "discovery"}
//
//	db, err := stratadb.Open(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	_, err = db.Update(ctx, "importer", func(w *stratadb.Writer) error {
//		if err := w.CreateCI("host-1"); err != nil {
//			return err
//		}
//		_, _, err := w.SetAttribute("host-1", "hostname", storage.Text("h123"), "discovery")
//		return err
//	})
//
//	ci, err := db.MergedCI(ctx, "host-1", stratadb.ReadOptions{})
//	fmt.Println(ci.Attributes["hostname"].Value)
package stratadb

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/stratadb/pkg/audit"
	"github.com/orneryd/stratadb/pkg/auth"
	"github.com/orneryd/stratadb/pkg/cache"
	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/config"
	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/mutation"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
)

// Errors returned by DB operations.
var (
	ErrClosed = errors.New("database is closed")
)

// Config holds database configuration.
type Config struct {
	// Storage
	DataDir    string
	InMemory   bool
	SyncWrites bool
	LowMemory  bool
	GCInterval time.Duration

	// Merged-view cache
	CacheEnabled    bool
	CacheMaxEntries int
	CacheTTL        time.Duration

	// DefaultLayers is the read layer set used when a call names none,
	// highest precedence first. Empty means every layer, newest first.
	DefaultLayers []string
	// DefaultAuthor is recorded on changesets when neither the call nor
	// the context principal names one.
	DefaultAuthor string

	Audit  audit.Config
	Policy auth.PolicyConfig

	// Logger receives component logs. Nil discards them.
	Logger *slog.Logger
	// Clock stamps changesets and layers. Nil uses the system clock.
	Clock temporal.Clock
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./data",
		GCInterval:      10 * time.Minute,
		CacheEnabled:    true,
		CacheMaxEntries: 10000,
		CacheTTL:        5 * time.Minute,
		DefaultAuthor:   "stratadb",
		Policy:          auth.PolicyConfig{DefaultRole: auth.RoleViewer},
	}
}

// ConfigFrom converts a loaded configuration file into a database Config.
func ConfigFrom(c *config.Config) *Config {
	return &Config{
		DataDir:         c.Database.DataDir,
		InMemory:        c.Database.InMemory,
		SyncWrites:      c.Database.SyncWrites,
		LowMemory:       c.Database.LowMemory,
		GCInterval:      c.Database.GCInterval,
		CacheEnabled:    c.Cache.Enabled,
		CacheMaxEntries: c.Cache.MaxEntries,
		CacheTTL:        c.Cache.TTL,
		DefaultLayers:   c.Database.Layers,
		DefaultAuthor:   c.Database.Author,
		Audit: audit.Config{
			Enabled:    c.Audit.Enabled,
			LogPath:    c.Audit.LogPath,
			SyncWrites: c.Audit.SyncWrites,
		},
		Policy: c.Auth.Policy(),
	}
}

// DB is the main StrataDB database instance.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Each call runs in its own
//	storage transaction.
type DB struct {
	config *Config
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger

	store    *storage.Store
	registry *layer.Registry
	ledger   *changeset.Ledger
	engine   *merge.Engine
	cache    *cache.Cache
	reader   merge.Reader
	policy   *auth.Policy
	protocol *mutation.Protocol
	audit    *audit.Logger

	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

// Open opens or creates a database.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	store, err := storage.Open(storage.Options{
		DataDir:    cfg.DataDir,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		LowMemory:  cfg.LowMemory,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}

	db := &DB{
		config: cfg,
		logger: logger.With(slog.String("component", "db")),
		store:  store,
		engine: merge.NewEngine(logger),
		policy: auth.NewPolicy(cfg.Policy),
	}
	db.registry = layer.NewRegistry(store, logger)
	if cfg.Clock != nil {
		db.registry.WithClock(cfg.Clock)
	}
	db.ledger = changeset.NewLedger(store, cfg.Clock, logger)
	if err := db.ledger.Prime(context.Background()); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "prime changeset clock")
	}

	// Read chain: auth -> cache -> engine. Authorization runs first so a
	// denied query never populates the cache.
	var reader merge.Reader = db.engine
	if cfg.CacheEnabled {
		tokens := cache.NewTokens()
		store.AddCommitListener(cache.NewInvalidator(tokens, logger))
		db.cache = cache.NewCache(cfg.CacheMaxEntries, cfg.CacheTTL, tokens)
		reader = cache.NewMergeCache(reader, db.cache, logger)
	}
	db.reader = auth.NewAuthorizedReader(reader, db.policy)
	db.protocol = mutation.NewProtocol(db.engine, db.registry, logger)

	auditLog, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "open audit log")
	}
	auditLog.SetLogger(logger)
	db.audit = auditLog
	store.AddCommitListener(auditLog)
	db.policy.SetAuditLogger(func(e auth.DenialEvent) {
		if err := auditLog.LogAccessDenied(e.Principal, string(e.Permission), e.Layer, e.Timestamp); err != nil {
			db.logger.Error("audit write failed",
				slog.String("type", string(audit.EventAccessDenied)),
				slog.String("principal", e.Principal),
				slog.String("layer", e.Layer),
				slog.String("error", err.Error()))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	db.bgCancel = cancel
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.bgWg.Add(1)
		go func() {
			defer db.bgWg.Done()
			store.RunGCLoop(ctx, cfg.GCInterval)
		}()
	}

	db.logger.Info("database opened",
		slog.String("data_dir", cfg.DataDir),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Bool("cache", cfg.CacheEnabled),
		slog.Bool("auth", db.policy.Enabled()),
	)
	return db, nil
}

// Close stops background work and closes the audit log and the store.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.bgCancel()
	db.bgWg.Wait()

	var firstErr error
	if err := db.audit.Close(); err != nil {
		firstErr = err
	}
	if err := db.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// acquire takes the read lock for the duration of an operation.
func (db *DB) acquire() (func(), error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	return db.mu.RUnlock, nil
}

// Store returns the underlying store.
func (db *DB) Store() *storage.Store { return db.store }

// Registry returns the layer registry.
func (db *DB) Registry() *layer.Registry { return db.registry }

// Reader returns the authorized, cached merged-view reader.
func (db *DB) Reader() merge.Reader { return db.reader }

// Policy returns the authorization policy.
func (db *DB) Policy() *auth.Policy { return db.policy }

// Cache returns the merged-view cache, or nil when caching is disabled.
func (db *DB) Cache() *cache.Cache { return db.cache }

// View runs fn in a read-only transaction.
func (db *DB) View(ctx context.Context, fn func(tx *storage.Tx) error) error {
	release, err := db.acquire()
	if err != nil {
		return err
	}
	defer release()
	return db.store.View(ctx, fn)
}

// Update runs fn in a read-write transaction. Every fact written through the
// Writer shares one changeset, which is returned; nil means nothing changed.
//
// An empty author falls back to the context principal, then to the
// configured default author.
func (db *DB) Update(ctx context.Context, author string, fn func(w *Writer) error) (*storage.Changeset, error) {
	release, err := db.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	proxy := changeset.NewProxy(db.ledger, db.author(ctx, author))
	err = db.store.Update(ctx, func(tx *storage.Tx) error {
		return fn(&Writer{db: db, ctx: ctx, tx: tx, proxy: proxy, layers: make(map[string]storage.LayerID)})
	})
	if err != nil {
		return nil, err
	}
	return proxy.Current(), nil
}

func (db *DB) now() time.Time {
	if db.config.Clock != nil {
		return db.config.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (db *DB) author(ctx context.Context, author string) string {
	if author != "" {
		return author
	}
	if p := auth.PrincipalFrom(ctx); p != auth.Anonymous {
		return p.Name
	}
	return db.config.DefaultAuthor
}

// ============================================================================
// Layers, predicates and CIs
// ============================================================================

// CreateLayer creates an enabled layer. Requires the schema permission.
func (db *DB) CreateLayer(ctx context.Context, name, description string) (*storage.Layer, error) {
	var created *storage.Layer
	_, err := db.Update(ctx, "", func(w *Writer) error {
		var err error
		created, err = w.CreateLayer(name, description)
		return err
	})
	return created, err
}

// SetLayerEnabled enables or disables writes into a layer. Requires the
// schema permission.
func (db *DB) SetLayerEnabled(ctx context.Context, name string, enabled bool) (*storage.Layer, error) {
	var updated *storage.Layer
	_, err := db.Update(ctx, "", func(w *Writer) error {
		if err := db.policy.Check(ctx, auth.PermSchema); err != nil {
			return err
		}
		l, err := w.tx.GetLayerByName(name)
		if err != nil {
			return err
		}
		updated, err = db.registry.SetEnabled(w.tx, l.ID, enabled)
		return err
	})
	return updated, err
}

// SetLayerDescription replaces a layer's description. Requires the schema
// permission.
func (db *DB) SetLayerDescription(ctx context.Context, name, description string) (*storage.Layer, error) {
	var updated *storage.Layer
	_, err := db.Update(ctx, "", func(w *Writer) error {
		if err := db.policy.Check(ctx, auth.PermSchema); err != nil {
			return err
		}
		l, err := w.tx.GetLayerByName(name)
		if err != nil {
			return err
		}
		updated, err = db.registry.SetDescription(w.tx, l.ID, description)
		return err
	})
	return updated, err
}

// Layers returns every layer ordered by id.
func (db *DB) Layers(ctx context.Context) ([]*storage.Layer, error) {
	var out []*storage.Layer
	err := db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = db.registry.ListLayers(ctx, tx)
		return err
	})
	return out, err
}

// PutPredicate creates or updates a relation predicate. Requires the schema
// permission.
func (db *DB) PutPredicate(ctx context.Context, p *storage.Predicate) error {
	_, err := db.Update(ctx, "", func(w *Writer) error {
		return w.PutPredicate(p)
	})
	return err
}

// Predicates returns every predicate ordered by id.
func (db *DB) Predicates(ctx context.Context) ([]*storage.Predicate, error) {
	var out []*storage.Predicate
	err := db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.ListPredicates(ctx)
		return err
	})
	return out, err
}

// CreateCI registers a configuration item.
func (db *DB) CreateCI(ctx context.Context, id storage.CIID) error {
	_, err := db.Update(ctx, "", func(w *Writer) error {
		return w.CreateCI(id)
	})
	return err
}

// NewCI registers a configuration item under a generated id.
func (db *DB) NewCI(ctx context.Context) (storage.CIID, error) {
	var id storage.CIID
	_, err := db.Update(ctx, "", func(w *Writer) error {
		var err error
		id, err = w.NewCI()
		return err
	})
	return id, err
}

// CIs returns the catalog of configuration items ordered by id.
func (db *DB) CIs(ctx context.Context) ([]*storage.CI, error) {
	var out []*storage.CI
	err := db.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.ListCIs(ctx)
		return err
	})
	return out, err
}

// ============================================================================
// Single-operation writes
// ============================================================================

// SetAttribute writes one attribute value into a layer. It returns the
// appended version and true, or the current version and false when the
// layer already held the value.
func (db *DB) SetAttribute(ctx context.Context, author string, ci storage.CIID, name string, value storage.Value, layerName string) (*storage.AttributeVersion, bool, error) {
	var v *storage.AttributeVersion
	var changed bool
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		v, changed, err = w.SetAttribute(ci, name, value, layerName)
		return err
	})
	return v, changed, err
}

// RemoveAttribute removes one attribute from a layer.
func (db *DB) RemoveAttribute(ctx context.Context, author string, ci storage.CIID, name, layerName string) (*storage.AttributeVersion, bool, error) {
	var v *storage.AttributeVersion
	var changed bool
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		v, changed, err = w.RemoveAttribute(ci, name, layerName)
		return err
	})
	return v, changed, err
}

// ReplaceAttributes makes a layer's attributes within scope equal desired.
func (db *DB) ReplaceAttributes(ctx context.Context, author string, scope mutation.AttributeScope, desired []mutation.AttributeFact, layerName string) (*mutation.BulkResult, error) {
	var res *mutation.BulkResult
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		res, err = w.ReplaceAttributes(scope, desired, layerName)
		return err
	})
	return res, err
}

// AddRelation writes one relation into a layer.
func (db *DB) AddRelation(ctx context.Context, author string, from storage.CIID, predicate string, to storage.CIID, layerName string) (*storage.RelationVersion, bool, error) {
	var v *storage.RelationVersion
	var changed bool
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		v, changed, err = w.AddRelation(from, predicate, to, layerName)
		return err
	})
	return v, changed, err
}

// RemoveRelation removes one relation from a layer.
func (db *DB) RemoveRelation(ctx context.Context, author string, key storage.RelationKey, layerName string) (*storage.RelationVersion, bool, error) {
	var v *storage.RelationVersion
	var changed bool
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		v, changed, err = w.RemoveRelation(key, layerName)
		return err
	})
	return v, changed, err
}

// ReplaceRelations makes a layer's relations within scope equal desired.
func (db *DB) ReplaceRelations(ctx context.Context, author string, scope mutation.RelationScope, desired []storage.RelationKey, layerName string) (*mutation.BulkResult, error) {
	var res *mutation.BulkResult
	_, err := db.Update(ctx, author, func(w *Writer) error {
		var err error
		res, err = w.ReplaceRelations(scope, desired, layerName)
		return err
	})
	return res, err
}

// ============================================================================
// Merged reads
// ============================================================================

// ReadOptions selects the layer set and point in time of a merged read.
type ReadOptions struct {
	// Layers by name, highest precedence first. Empty uses the configured
	// default set.
	Layers []string
	// At is the time threshold. The zero value reads the latest state.
	At time.Time
	// IncludeRemoved surfaces Removed winners instead of skipping them.
	IncludeRemoved bool
}

// Query resolves opts into a merge query inside tx.
func (db *DB) Query(ctx context.Context, tx *storage.Tx, opts ReadOptions) (merge.Query, error) {
	names := opts.Layers
	if len(names) == 0 {
		names = db.config.DefaultLayers
	}
	var set layer.Set
	var err error
	if len(names) > 0 {
		set, err = db.registry.BuildLayerSet(tx, names...)
	} else {
		set, err = db.allLayers(ctx, tx)
	}
	if err != nil {
		return merge.Query{}, err
	}
	q := merge.Query{Layers: set, At: temporal.Latest(), IncludeRemoved: opts.IncludeRemoved}
	if !opts.At.IsZero() {
		q.At = temporal.At(opts.At)
	}
	return q, nil
}

// allLayers orders every layer newest first.
func (db *DB) allLayers(ctx context.Context, tx *storage.Tx) (layer.Set, error) {
	layers, err := db.registry.ListLayers(ctx, tx)
	if err != nil {
		return layer.Set{}, err
	}
	ids := make([]storage.LayerID, 0, len(layers))
	for _, l := range layers {
		ids = append(ids, l.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return layer.NewSet(ids...)
}

func read[T any](ctx context.Context, db *DB, opts ReadOptions, fn func(tx *storage.Tx, q merge.Query) (T, error)) (T, error) {
	var out T
	err := db.View(ctx, func(tx *storage.Tx) error {
		q, err := db.Query(ctx, tx, opts)
		if err != nil {
			return err
		}
		out, err = fn(tx, q)
		return err
	})
	return out, err
}

// MergedCI returns the merged view of one CI. A CI with no live attribute
// in the set yields an empty view.
func (db *DB) MergedCI(ctx context.Context, id storage.CIID, opts ReadOptions) (*merge.MergedCI, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.MergedCI, error) {
		return db.reader.GetMergedCI(ctx, tx, id, q)
	})
}

// MergedCIs returns merged views of the given CIs, or of every CI when ids
// is nil.
func (db *DB) MergedCIs(ctx context.Context, ids []storage.CIID, opts ReadOptions) (*merge.CIResult, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.CIResult, error) {
		return db.reader.GetMergedCIs(ctx, tx, ids, q)
	})
}

// MergedAttribute returns the authoritative version of one attribute, or nil
// when no layer of the set holds it.
func (db *DB) MergedAttribute(ctx context.Context, ci storage.CIID, name string, opts ReadOptions) (*merge.MergedAttribute, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.MergedAttribute, error) {
		return db.reader.GetMergedAttribute(ctx, tx, ci, name, q)
	})
}

// MergedAttributes returns the merged attributes matching sel.
func (db *DB) MergedAttributes(ctx context.Context, sel merge.AttributeSelection, opts ReadOptions) (*merge.AttributeResult, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.AttributeResult, error) {
		return db.reader.GetMergedAttributes(ctx, tx, sel, q)
	})
}

// MergedRelation returns the authoritative version of one relation, or nil.
func (db *DB) MergedRelation(ctx context.Context, key storage.RelationKey, opts ReadOptions) (*merge.MergedRelation, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.MergedRelation, error) {
		return db.reader.GetMergedRelation(ctx, tx, key, q)
	})
}

// MergedRelations returns the merged relations matching sel.
func (db *DB) MergedRelations(ctx context.Context, sel merge.RelationSelection, opts ReadOptions) (*merge.RelationResult, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) (*merge.RelationResult, error) {
		return db.reader.GetMergedRelations(ctx, tx, sel, q)
	})
}

// AttributeHistory returns every version of an attribute in the layers of
// opts, ordered by activation time. Requires read permission on those
// layers.
func (db *DB) AttributeHistory(ctx context.Context, ci storage.CIID, name string, opts ReadOptions) ([]*storage.AttributeVersion, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) ([]*storage.AttributeVersion, error) {
		if err := db.policy.CheckRead(ctx, tx, q.Layers.IDs()); err != nil {
			return nil, err
		}
		return tx.AttributeHistory(ctx, ci, name, q.Layers.IDs())
	})
}

// ============================================================================
// Changesets and statistics
// ============================================================================

// Changesets returns the changesets created in [from, to] that wrote into
// the layers of opts, optionally restricted to one CI.
func (db *DB) Changesets(ctx context.Context, from, to time.Time, ci *storage.CIID, opts ReadOptions) ([]*storage.Changeset, error) {
	return read(ctx, db, opts, func(tx *storage.Tx, q merge.Query) ([]*storage.Changeset, error) {
		if err := db.policy.CheckRead(ctx, tx, q.Layers.IDs()); err != nil {
			return nil, err
		}
		return db.ledger.GetChangesetsInTimespan(ctx, tx, from, to, q.Layers, ci)
	})
}

// Changeset returns one changeset by id.
func (db *DB) Changeset(ctx context.Context, id storage.ChangesetID) (*storage.Changeset, error) {
	var cs *storage.Changeset
	err := db.View(ctx, func(tx *storage.Tx) error {
		var err error
		cs, err = db.ledger.GetChangeset(tx, id)
		return err
	})
	return cs, err
}

// DBStats holds database statistics.
type DBStats struct {
	storage.Stats
	LSMSize   int64        `json:"lsmSize"`
	VLogSize  int64        `json:"vlogSize"`
	CommitSeq uint64       `json:"commitSeq"`
	Cache     *cache.Stats `json:"cache,omitempty"`
}

// Stats returns record counts, on-disk sizes and cache statistics.
func (db *DB) Stats(ctx context.Context) (DBStats, error) {
	release, err := db.acquire()
	if err != nil {
		return DBStats{}, err
	}
	defer release()

	st, err := db.store.Stats(ctx)
	if err != nil {
		return DBStats{}, err
	}
	out := DBStats{Stats: st, CommitSeq: db.store.CommitSeq()}
	out.LSMSize, out.VLogSize = db.store.Size()
	if db.cache != nil {
		cs := db.cache.Stats()
		out.Cache = &cs
	}
	return out, nil
}
