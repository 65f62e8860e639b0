package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/mutation"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cacheEnv struct {
	t      *testing.T
	ctx    context.Context
	store  *storage.Store
	ledger *changeset.Ledger
	proto  *mutation.Protocol
	reader *MergeCache
	base   storage.LayerID
	over   storage.LayerID
}

func newCacheEnv(t *testing.T) *cacheEnv {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tokens := NewTokens()
	store.AddCommitListener(NewInvalidator(tokens, nil))

	engine := merge.NewEngine(nil)
	registry := layer.NewRegistry(store, nil)
	e := &cacheEnv{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		ledger: changeset.NewLedger(store, nil, nil),
		proto:  mutation.NewProtocol(engine, registry, nil),
		reader: NewMergeCache(engine, NewCache(100, time.Hour, tokens), nil),
	}
	require.NoError(t, store.Update(e.ctx, func(tx *storage.Tx) error {
		if err := tx.PutCI(&storage.CI{ID: "h1"}); err != nil {
			return err
		}
		base, err := registry.CreateLayer(e.ctx, tx, "base", "")
		if err != nil {
			return err
		}
		over, err := registry.CreateLayer(e.ctx, tx, "override", "")
		if err != nil {
			return err
		}
		e.base, e.over = base.ID, over.ID
		return nil
	}))
	return e
}

func (e *cacheEnv) set(ci storage.CIID, name string, v storage.Value, l storage.LayerID) *storage.AttributeVersion {
	e.t.Helper()
	var out *storage.AttributeVersion
	proxy := changeset.NewProxy(e.ledger, "tester")
	require.NoError(e.t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		var err error
		out, _, err = e.proto.InsertAttribute(e.ctx, tx, ci, name, v, l, proxy)
		return err
	}))
	return out
}

func (e *cacheEnv) remove(ci storage.CIID, name string, l storage.LayerID) {
	e.t.Helper()
	proxy := changeset.NewProxy(e.ledger, "tester")
	require.NoError(e.t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		_, _, err := e.proto.RemoveAttribute(e.ctx, tx, ci, name, l, proxy)
		return err
	}))
}

func (e *cacheEnv) get(ci storage.CIID, name string, q merge.Query) *merge.MergedAttribute {
	e.t.Helper()
	var out *merge.MergedAttribute
	require.NoError(e.t, e.store.View(e.ctx, func(tx *storage.Tx) error {
		var err error
		out, err = e.reader.GetMergedAttribute(e.ctx, tx, ci, name, q)
		return err
	}))
	return out
}

func (e *cacheEnv) query() merge.Query {
	return merge.Query{Layers: layer.MustSet(e.over, e.base)}
}

func TestMergeCache_ReadYourWrites(t *testing.T) {
	e := newCacheEnv(t)
	q := e.query()

	first := e.set("h1", "os", storage.Text("linux"), e.base)
	assert.Equal(t, storage.Text("linux"), e.get("h1", "os", q).Value)
	assert.Equal(t, storage.Text("linux"), e.get("h1", "os", q).Value)
	assert.Equal(t, uint64(1), e.reader.Cache().Stats().Hits)

	e.set("h1", "os", storage.Text("bsd"), e.over)
	got := e.get("h1", "os", q)
	assert.Equal(t, storage.Text("bsd"), got.Value)
	assert.Equal(t, e.over, got.Layer)

	e.remove("h1", "os", e.over)
	assert.Equal(t, storage.Text("linux"), e.get("h1", "os", q).Value)

	e.remove("h1", "os", e.base)
	assert.Nil(t, e.get("h1", "os", q))

	// Historical reads bypass the cache and still see the past.
	past := merge.Query{Layers: q.Layers, At: temporal.At(first.ActivationTime)}
	assert.Equal(t, storage.Text("linux"), e.get("h1", "os", past).Value)
}

func TestMergeCache_ComposedViews(t *testing.T) {
	e := newCacheEnv(t)
	q := e.query()
	e.set("h1", merge.NameAttribute, storage.Text("alpha"), e.base)

	view := func() *merge.MergedCI {
		var out *merge.MergedCI
		require.NoError(t, e.store.View(e.ctx, func(tx *storage.Tx) error {
			var err error
			out, err = e.reader.GetMergedCI(e.ctx, tx, "h1", q)
			return err
		}))
		return out
	}
	assert.Equal(t, "alpha", view().Name())
	e.set("h1", merge.NameAttribute, storage.Text("beta"), e.over)
	assert.Equal(t, "beta", view().Name())

	all := func() []storage.CIID {
		var ids []storage.CIID
		require.NoError(t, e.store.View(e.ctx, func(tx *storage.Tx) error {
			res, err := e.reader.GetMergedCIs(e.ctx, tx, nil, q)
			if err != nil {
				return err
			}
			for _, c := range res.CIs {
				ids = append(ids, c.ID)
			}
			return nil
		}))
		return ids
	}
	assert.Equal(t, []storage.CIID{"h1"}, all())
	require.NoError(t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		return tx.PutCI(&storage.CI{ID: "h2"})
	}))
	assert.Equal(t, []storage.CIID{"h1", "h2"}, all(), "new CIs invalidate the unrestricted view")
}

func TestMergeCache_Relations(t *testing.T) {
	e := newCacheEnv(t)
	q := e.query()
	require.NoError(t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		if err := tx.PutCI(&storage.CI{ID: "sw"}); err != nil {
			return err
		}
		return tx.PutPredicate(&storage.Predicate{ID: "connects"})
	}))

	list := func(sel merge.RelationSelection) int {
		var n int
		require.NoError(t, e.store.View(e.ctx, func(tx *storage.Tx) error {
			res, err := e.reader.GetMergedRelations(e.ctx, tx, sel, q)
			if err != nil {
				return err
			}
			n = len(res.Relations)
			return nil
		}))
		return n
	}
	bySwitch := merge.RelationSelection{To: []storage.CIID{"sw"}}
	assert.Zero(t, list(bySwitch))
	assert.Zero(t, list(merge.RelationSelection{}))

	proxy := changeset.NewProxy(e.ledger, "tester")
	require.NoError(t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		_, _, err := e.proto.InsertRelation(e.ctx, tx, "h1", "sw", "connects", e.base, proxy)
		return err
	}))
	assert.Equal(t, 1, list(bySwitch))
	assert.Equal(t, 1, list(merge.RelationSelection{}))
}

func TestMergeCache_BypassesUncommittedWrites(t *testing.T) {
	e := newCacheEnv(t)
	q := e.query()
	e.set("h1", "os", storage.Text("linux"), e.base)

	proxy := changeset.NewProxy(e.ledger, "tester")
	tx, err := e.store.Begin(true)
	require.NoError(t, err)
	_, _, err = e.proto.InsertAttribute(e.ctx, tx, "h1", "os", storage.Text("bsd"), e.base, proxy)
	require.NoError(t, err)
	got, err := e.reader.GetMergedAttribute(e.ctx, tx, "h1", "os", q)
	require.NoError(t, err)
	assert.Equal(t, storage.Text("bsd"), got.Value)
	require.NoError(t, tx.Rollback())

	assert.Zero(t, e.reader.Cache().Len())
	assert.Equal(t, storage.Text("linux"), e.get("h1", "os", q).Value)
}

func TestMergeCache_OutdatedSnapshotNotCached(t *testing.T) {
	e := newCacheEnv(t)
	q := e.query()
	e.set("h1", "os", storage.Text("linux"), e.base)

	old, err := e.store.Begin(false)
	require.NoError(t, err)
	defer old.Discard()

	e.set("h1", "os", storage.Text("bsd"), e.base)

	got, err := e.reader.GetMergedAttribute(e.ctx, old, "h1", "os", q)
	require.NoError(t, err)
	assert.Equal(t, storage.Text("linux"), got.Value, "the old snapshot still reads its own past")
	assert.Zero(t, e.reader.Cache().Len())

	assert.Equal(t, storage.Text("bsd"), e.get("h1", "os", q).Value)
}

// stubReader serves GetMergedAttributes from a function.
type stubReader struct {
	merge.Reader
	attributes func(ctx context.Context) (*merge.AttributeResult, error)
}

func (s *stubReader) GetMergedAttributes(ctx context.Context, _ *storage.Tx, _ merge.AttributeSelection, _ merge.Query) (*merge.AttributeResult, error) {
	return s.attributes(ctx)
}

func TestMergeCache_CancelledNotCached(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	tx, err := store.Begin(false)
	require.NoError(t, err)
	defer tx.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	stub := &stubReader{attributes: func(context.Context) (*merge.AttributeResult, error) {
		// The computation finishes but the caller gave up meanwhile.
		cancel()
		return &merge.AttributeResult{}, nil
	}}
	reader := NewMergeCache(stub, NewCache(10, 0, nil), nil)
	q := merge.Query{Layers: layer.MustSet(1)}

	_, err = reader.GetMergedAttributes(ctx, tx, merge.AttributeSelection{}, q)
	require.NoError(t, err)
	assert.Zero(t, reader.Cache().Len())

	stub.attributes = func(ctx context.Context) (*merge.AttributeResult, error) {
		return nil, ctx.Err()
	}
	_, err = reader.GetMergedAttributes(ctx, tx, merge.AttributeSelection{}, q)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, reader.Cache().Len())
}

func TestMergeCache_CollapsesConcurrentMisses(t *testing.T) {
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	defer store.Close()
	tx, err := store.Begin(false)
	require.NoError(t, err)
	defer tx.Discard()

	var calls atomic.Int32
	release := make(chan struct{})
	stub := &stubReader{attributes: func(context.Context) (*merge.AttributeResult, error) {
		calls.Add(1)
		<-release
		return &merge.AttributeResult{}, nil
	}}
	reader := NewMergeCache(stub, NewCache(10, 0, nil), nil)
	q := merge.Query{Layers: layer.MustSet(1)}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*merge.AttributeResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reader.GetMergedAttributes(context.Background(), tx, merge.AttributeSelection{}, q)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestCacheKey_DistinguishesScopes(t *testing.T) {
	q := merge.Query{Layers: layer.MustSet(1, 2)}
	a := newKey("attributes", q).ids("a", "b").strs(nil).str("").String()
	b := newKey("attributes", q).ids("a").strs([]string{"b"}).str("").String()
	c := newKey("attributes", merge.Query{Layers: layer.MustSet(2, 1)}).ids("a", "b").strs(nil).str("").String()
	d := newKey("attributes", merge.Query{Layers: q.Layers, IncludeRemoved: true}).ids("a", "b").strs(nil).str("").String()
	e := newKey("attributes", q).ids("a", "b").strs([]string{}).str("").String()
	keys := map[string]bool{a: true, b: true, c: true, d: true, e: true}
	assert.Len(t, keys, 5)
}
