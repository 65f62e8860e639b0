package cache

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// MergeCache is a merge.Reader that memoises Latest queries of the reader
// it wraps.
//
// Historical queries and transactions holding uncommitted writes always go
// to the wrapped reader. A computed result is stored only when none of the
// scopes it depends on was touched by a commit newer than the reading
// transaction's snapshot, and only when the computation succeeded without
// being cancelled. Concurrent misses for one key from transactions sharing a
// snapshot are collapsed into one computation.
//
// Cached results are shared between callers and must not be modified.
type MergeCache struct {
	next   merge.Reader
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

var _ merge.Reader = (*MergeCache)(nil)

// NewMergeCache wraps next with cache.
func NewMergeCache(next merge.Reader, cache *Cache, logger *slog.Logger) *MergeCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MergeCache{
		next:   next,
		cache:  cache,
		logger: logger.With(slog.String("component", "cache")),
	}
}

// Cache returns the underlying cache.
func (m *MergeCache) Cache() *Cache {
	return m.cache
}

// GetMergedAttribute implements merge.Reader.
func (m *MergeCache) GetMergedAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, q merge.Query) (*merge.MergedAttribute, error) {
	key := newKey("attribute", q).ids(ci).str(name).String()
	deps := perCI(TokenAttributes, []storage.CIID{ci}, q)
	v, err := m.load(ctx, tx, q, "attribute", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedAttribute(ctx, tx, ci, name, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.MergedAttribute), nil
}

// GetMergedAttributes implements merge.Reader.
func (m *MergeCache) GetMergedAttributes(ctx context.Context, tx *storage.Tx, sel merge.AttributeSelection, q merge.Query) (*merge.AttributeResult, error) {
	key := newKey("attributes", q).ids(sel.CIs...).strs(sel.Names).str(sel.NamePrefix).String()
	var deps []Token
	if sel.CIs != nil {
		deps = perCI(TokenAttributes, sel.CIs, q)
	} else {
		deps = perLayer(TokenAttributesLayer, q)
	}
	v, err := m.load(ctx, tx, q, "attributes", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedAttributes(ctx, tx, sel, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.AttributeResult), nil
}

// GetMergedCI implements merge.Reader. A composed view depends on the
// tokens of every layer that can contribute one of its attributes.
func (m *MergeCache) GetMergedCI(ctx context.Context, tx *storage.Tx, ci storage.CIID, q merge.Query) (*merge.MergedCI, error) {
	key := newKey("ci", q).ids(ci).String()
	deps := perCI(TokenAttributes, []storage.CIID{ci}, q)
	v, err := m.load(ctx, tx, q, "ci", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedCI(ctx, tx, ci, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.MergedCI), nil
}

// GetMergedCIs implements merge.Reader. The unrestricted form also depends
// on the CI catalog.
func (m *MergeCache) GetMergedCIs(ctx context.Context, tx *storage.Tx, cis []storage.CIID, q merge.Query) (*merge.CIResult, error) {
	var deps []Token
	if cis == nil {
		deps = append(perLayer(TokenAttributesLayer, q), Token{Kind: TokenCatalog})
	} else {
		deps = perCI(TokenAttributes, cis, q)
	}
	key := newKey("cis", q).flag(cis == nil).ids(cis...).String()
	v, err := m.load(ctx, tx, q, "cis", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedCIs(ctx, tx, cis, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.CIResult), nil
}

// GetMergedRelation implements merge.Reader. Relation commits touch both
// endpoints, so the source CI's token covers the key.
func (m *MergeCache) GetMergedRelation(ctx context.Context, tx *storage.Tx, rk storage.RelationKey, q merge.Query) (*merge.MergedRelation, error) {
	key := newKey("relation", q).ids(rk.From, rk.To).str(rk.Predicate).String()
	deps := perCI(TokenRelations, []storage.CIID{rk.From}, q)
	v, err := m.load(ctx, tx, q, "relation", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedRelation(ctx, tx, rk, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.MergedRelation), nil
}

// GetMergedRelations implements merge.Reader.
func (m *MergeCache) GetMergedRelations(ctx context.Context, tx *storage.Tx, sel merge.RelationSelection, q merge.Query) (*merge.RelationResult, error) {
	key := newKey("relations", q).
		flag(sel.From == nil).ids(sel.From...).
		flag(sel.To == nil).ids(sel.To...).
		strs(sel.Predicates).String()
	var deps []Token
	switch {
	case sel.From != nil:
		deps = perCI(TokenRelations, sel.From, q)
	case sel.To != nil:
		deps = perCI(TokenRelations, sel.To, q)
	default:
		deps = perLayer(TokenRelationsLayer, q)
	}
	v, err := m.load(ctx, tx, q, "relations", key, deps, func(ctx context.Context) (any, error) {
		return m.next.GetMergedRelations(ctx, tx, sel, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*merge.RelationResult), nil
}

// load serves key from the cache or computes it.
func (m *MergeCache) load(ctx context.Context, tx *storage.Tx, q merge.Query, op, key string, deps []Token, compute func(context.Context) (any, error)) (any, error) {
	if !q.At.IsLatest() || tx.HasWrites() {
		lookupsTotal.WithLabelValues(op, "bypass").Inc()
		return compute(ctx)
	}
	if v, ok := m.cache.Get(key); ok {
		lookupsTotal.WithLabelValues(op, "hit").Inc()
		return v, nil
	}
	lookupsTotal.WithLabelValues(op, "miss").Inc()

	startSeq := tx.StartSeq()
	flight := key + "@" + strconv.FormatUint(startSeq, 10)
	v, err, _ := m.group.Do(flight, func() (any, error) {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return v, nil
		}
		stamps := m.cache.Tokens().Snapshot(deps)
		if !NotAfter(stamps, startSeq) {
			skippedTotal.Inc()
			m.logger.Debug("result outdated before caching", slog.String("op", op), slog.Uint64("start_seq", startSeq))
			return v, nil
		}
		m.cache.Put(key, v, stamps)
		return v, nil
	})
	if err != nil && isCancellation(err) && ctx.Err() == nil {
		// The shared computation was cancelled by another caller's context.
		return compute(ctx)
	}
	return v, err
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func perCI(kind TokenKind, cis []storage.CIID, q merge.Query) []Token {
	layers := q.Layers.IDs()
	out := make([]Token, 0, len(cis)*len(layers))
	for _, ci := range cis {
		for _, l := range layers {
			out = append(out, Token{Kind: kind, CI: ci, Layer: l})
		}
	}
	return out
}

func perLayer(kind TokenKind, q merge.Query) []Token {
	layers := q.Layers.IDs()
	out := make([]Token, 0, len(layers)+1)
	for _, l := range layers {
		out = append(out, Token{Kind: kind, Layer: l})
	}
	return out
}

// keyBuilder builds cache keys. Fields are NUL-separated; identifiers never
// contain NUL.
type keyBuilder struct {
	b strings.Builder
}

func newKey(op string, q merge.Query) *keyBuilder {
	k := &keyBuilder{}
	k.b.WriteString(op)
	k.b.WriteByte(0)
	k.b.WriteString(q.Layers.Key())
	return k.flag(q.IncludeRemoved)
}

func (k *keyBuilder) str(s string) *keyBuilder {
	k.b.WriteByte(0)
	k.b.WriteString(s)
	return k
}

func (k *keyBuilder) strs(ss []string) *keyBuilder {
	k.flag(ss == nil)
	k.b.WriteByte(0)
	k.b.WriteString(strconv.Itoa(len(ss)))
	for _, s := range ss {
		k.str(s)
	}
	return k
}

func (k *keyBuilder) ids(ids ...storage.CIID) *keyBuilder {
	k.b.WriteByte(0)
	k.b.WriteString(strconv.Itoa(len(ids)))
	for _, id := range ids {
		k.str(string(id))
	}
	return k
}

func (k *keyBuilder) flag(v bool) *keyBuilder {
	if v {
		return k.str("1")
	}
	return k.str("0")
}

func (k *keyBuilder) String() string {
	return k.b.String()
}
