package mutation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	t        *testing.T
	ctx      context.Context
	store    *storage.Store
	registry *layer.Registry
	ledger   *changeset.Ledger
	engine   *merge.Engine
	proto    *Protocol
}

func newEnv(t *testing.T, cis ...storage.CIID) *env {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := merge.NewEngine(nil)
	registry := layer.NewRegistry(store, nil)
	e := &env{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		registry: registry,
		ledger:   changeset.NewLedger(store, nil, nil),
		engine:   engine,
		proto:    NewProtocol(engine, registry, nil),
	}
	require.NoError(t, store.Update(e.ctx, func(tx *storage.Tx) error {
		for _, id := range cis {
			if err := tx.PutCI(&storage.CI{ID: id}); err != nil {
				return err
			}
		}
		return tx.PutPredicate(&storage.Predicate{ID: "connects", WordingFrom: "connects to", WordingTo: "connected from"})
	}))
	return e
}

func (e *env) layer(name string) storage.LayerID {
	e.t.Helper()
	var id storage.LayerID
	require.NoError(e.t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		l, err := e.registry.CreateLayer(e.ctx, tx, name, "")
		if err != nil {
			return err
		}
		id = l.ID
		return nil
	}))
	return id
}

// write runs fn in its own transaction with a fresh changeset proxy.
func (e *env) write(fn func(tx *storage.Tx, proxy *changeset.Proxy) error) error {
	proxy := changeset.NewProxy(e.ledger, "tester")
	return e.store.Update(e.ctx, func(tx *storage.Tx) error {
		return fn(tx, proxy)
	})
}

func (e *env) insert(ci storage.CIID, name string, v storage.Value, l storage.LayerID) (*storage.AttributeVersion, bool) {
	e.t.Helper()
	var (
		out     *storage.AttributeVersion
		changed bool
	)
	require.NoError(e.t, e.write(func(tx *storage.Tx, proxy *changeset.Proxy) error {
		var err error
		out, changed, err = e.proto.InsertAttribute(e.ctx, tx, ci, name, v, l, proxy)
		return err
	}))
	return out, changed
}

func (e *env) remove(ci storage.CIID, name string, l storage.LayerID) (*storage.AttributeVersion, bool) {
	e.t.Helper()
	var (
		out     *storage.AttributeVersion
		changed bool
	)
	require.NoError(e.t, e.write(func(tx *storage.Tx, proxy *changeset.Proxy) error {
		var err error
		out, changed, err = e.proto.RemoveAttribute(e.ctx, tx, ci, name, l, proxy)
		return err
	}))
	return out, changed
}

func (e *env) merged(ci storage.CIID, name string, q merge.Query) *merge.MergedAttribute {
	e.t.Helper()
	var out *merge.MergedAttribute
	require.NoError(e.t, e.store.View(e.ctx, func(tx *storage.Tx) error {
		var err error
		out, err = e.engine.GetMergedAttribute(e.ctx, tx, ci, name, q)
		return err
	}))
	return out
}

func (e *env) history(ci storage.CIID, name string) []*storage.AttributeVersion {
	e.t.Helper()
	var out []*storage.AttributeVersion
	require.NoError(e.t, e.store.View(e.ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.AttributeHistory(e.ctx, ci, name, nil)
		return err
	}))
	return out
}

func (e *env) changesets() int64 {
	e.t.Helper()
	st, err := e.store.Stats(e.ctx)
	require.NoError(e.t, err)
	return st.Changesets
}

func TestProtocol_EndToEndLifecycle(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")

	v, changed := e.insert("host", "name", storage.Text("H123"), l1)
	assert.True(t, changed)
	assert.Equal(t, storage.StateNew, v.State)

	v, changed = e.insert("host", "name", storage.Text("H124"), l1)
	assert.True(t, changed)
	assert.Equal(t, storage.StateChanged, v.State)

	v, changed = e.remove("host", "name", l1)
	assert.True(t, changed)
	assert.Equal(t, storage.StateRemoved, v.State)
	assert.Equal(t, storage.Text("H124"), v.Value)

	v, changed = e.insert("host", "name", storage.Text("H125"), l1)
	assert.True(t, changed)
	assert.Equal(t, storage.StateRenewed, v.State)

	got := e.merged("host", "name", merge.Query{Layers: layer.MustSet(l1)})
	require.NotNil(t, got)
	assert.Equal(t, storage.Text("H125"), got.Value)
	assert.Equal(t, storage.StateRenewed, got.State)

	assert.Len(t, e.history("host", "name"), 4)
	assert.Equal(t, int64(4), e.changesets())
}

func TestProtocol_IdempotentInsert(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")

	first, changed := e.insert("host", "os", storage.Text("linux"), l1)
	require.True(t, changed)
	second, changed := e.insert("host", "os", storage.Text("linux"), l1)
	assert.False(t, changed)
	assert.Equal(t, first.ChangesetID, second.ChangesetID)
	assert.Equal(t, storage.StateNew, second.State)

	assert.Len(t, e.history("host", "os"), 1)
	assert.Equal(t, int64(1), e.changesets(), "a no-op must not leave a changeset behind")

	// Same text, different type is a change.
	v, changed := e.insert("host", "os", storage.JSON(`"linux"`), l1)
	assert.True(t, changed)
	assert.Equal(t, storage.StateChanged, v.State)
}

func TestProtocol_IdempotentInsertDistantDateTime(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")

	for _, ts := range []time.Time{
		time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(3000, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
	} {
		name := "eol-" + ts.Format("2006")
		_, changed := e.insert("host", name, storage.DateTime{Time: ts}, l1)
		require.True(t, changed)
		_, changed = e.insert("host", name, storage.DateTime{Time: ts}, l1)
		assert.False(t, changed, "repeated insert of %s", ts)
		assert.Len(t, e.history("host", name), 1)

		got := e.merged("host", name, merge.Query{Layers: layer.MustSet(l1)})
		require.NotNil(t, got)
		assert.True(t, got.Value.(storage.DateTime).Time.Equal(ts))
	}
}

func TestProtocol_RemovalShineThroughAndRenew(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")
	l2 := e.layer("override")
	q := merge.Query{Layers: layer.MustSet(l2, l1)}

	e.insert("host", "k", storage.Text("a"), l1)
	e.insert("host", "k", storage.Text("b"), l2)
	assert.Equal(t, storage.Text("b"), e.merged("host", "k", q).Value)

	e.remove("host", "k", l2)
	got := e.merged("host", "k", q)
	require.NotNil(t, got)
	assert.Equal(t, storage.Text("a"), got.Value)
	assert.Equal(t, l1, got.Layer)

	e.insert("host", "k", storage.Text("b"), l2)
	got = e.merged("host", "k", q)
	assert.Equal(t, storage.Text("b"), got.Value)
	assert.Equal(t, storage.StateRenewed, got.State)
	assert.Equal(t, []storage.LayerID{l2, l1}, got.LayerStack)
}

func TestProtocol_HistoricalConsistency(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")
	q := merge.Query{Layers: layer.MustSet(l1)}

	v1, _ := e.insert("host", "k", storage.Integer(1), l1)
	v2, _ := e.insert("host", "k", storage.Integer(2), l1)
	v3, _ := e.remove("host", "k", l1)

	at := func(ts temporal.Threshold) merge.Query { return merge.Query{Layers: q.Layers, At: ts} }
	assert.Equal(t, storage.Integer(1), e.merged("host", "k", at(temporal.At(v1.ActivationTime))).Value)
	assert.Equal(t, storage.Integer(2), e.merged("host", "k", at(temporal.At(v2.ActivationTime))).Value)
	assert.Nil(t, e.merged("host", "k", at(temporal.At(v3.ActivationTime))))
	assert.Nil(t, e.merged("host", "k", q))

	removed := e.merged("host", "k", merge.Query{Layers: q.Layers, IncludeRemoved: true})
	require.NotNil(t, removed)
	assert.Equal(t, storage.StateRemoved, removed.State)
}

func TestProtocol_Remove(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")

	err := e.write(func(tx *storage.Tx, proxy *changeset.Proxy) error {
		_, _, err := e.proto.RemoveAttribute(e.ctx, tx, "host", "ghost", l1, proxy)
		return err
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidOperation))

	e.insert("host", "k", storage.Boolean(true), l1)
	first, changed := e.remove("host", "k", l1)
	require.True(t, changed)
	again, changed := e.remove("host", "k", l1)
	assert.False(t, changed)
	assert.Equal(t, first.ChangesetID, again.ChangesetID)
	assert.Len(t, e.history("host", "k"), 2)
}

func TestProtocol_Preconditions(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")
	disabled := e.layer("frozen")
	require.NoError(t, e.store.Update(e.ctx, func(tx *storage.Tx) error {
		_, err := e.registry.SetEnabled(tx, disabled, false)
		return err
	}))

	cases := []struct {
		name string
		op   func(tx *storage.Tx, proxy *changeset.Proxy) error
		want error
	}{
		{"unknown layer", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertAttribute(e.ctx, tx, "host", "k", storage.Text("v"), 99, p)
			return err
		}, storage.ErrNotFound},
		{"disabled layer", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertAttribute(e.ctx, tx, "host", "k", storage.Text("v"), disabled, p)
			return err
		}, storage.ErrInvalidOperation},
		{"unknown ci", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertAttribute(e.ctx, tx, "nope", "k", storage.Text("v"), l1, p)
			return err
		}, storage.ErrNotFound},
		{"empty name", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertAttribute(e.ctx, tx, "host", "", storage.Text("v"), l1, p)
			return err
		}, storage.ErrInvalidData},
		{"nil value", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertAttribute(e.ctx, tx, "host", "k", nil, l1, p)
			return err
		}, storage.ErrInvalidData},
		{"unknown predicate", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertRelation(e.ctx, tx, "host", "host", "owns", l1, p)
			return err
		}, storage.ErrNotFound},
		{"unknown relation endpoint", func(tx *storage.Tx, p *changeset.Proxy) error {
			_, _, err := e.proto.InsertRelation(e.ctx, tx, "host", "nope", "connects", l1, p)
			return err
		}, storage.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.write(tc.op)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
	assert.Zero(t, e.changesets())
}

func TestProtocol_ConcurrentInsertsConflict(t *testing.T) {
	e := newEnv(t, "host")
	l1 := e.layer("base")

	tx1, err := e.store.Begin(true)
	require.NoError(t, err)
	defer tx1.Discard()
	tx2, err := e.store.Begin(true)
	require.NoError(t, err)
	defer tx2.Discard()

	v1, changed, err := e.proto.InsertAttribute(e.ctx, tx1, "host", "k", storage.Text("a"), l1, changeset.NewProxy(e.ledger, "one"))
	require.NoError(t, err)
	require.True(t, changed)
	v2, changed, err := e.proto.InsertAttribute(e.ctx, tx2, "host", "k", storage.Text("b"), l1, changeset.NewProxy(e.ledger, "two"))
	require.NoError(t, err)
	require.True(t, changed)

	// Both decided New from an empty partition; only one may commit.
	assert.Equal(t, storage.StateNew, v1.State)
	assert.Equal(t, storage.StateNew, v2.State)
	require.NoError(t, tx1.Commit())
	assert.True(t, errors.Is(tx2.Commit(), storage.ErrConflict))

	h := e.history("host", "k")
	require.Len(t, h, 1)
	assert.Equal(t, storage.Text("a"), h[0].Value)
}

func TestProtocol_Relations(t *testing.T) {
	e := newEnv(t, "h1", "sw")
	l1 := e.layer("base")
	key := storage.RelationKey{From: "h1", Predicate: "connects", To: "sw"}

	var first *storage.RelationVersion
	require.NoError(t, e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		var changed bool
		var err error
		first, changed, err = e.proto.InsertRelation(e.ctx, tx, "h1", "sw", "connects", l1, p)
		require.True(t, changed)
		return err
	}))
	_, err := uuid.Parse(first.ID)
	assert.NoError(t, err)
	assert.Equal(t, storage.StateNew, first.State)

	require.NoError(t, e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		again, changed, err := e.proto.InsertRelation(e.ctx, tx, "h1", "sw", "connects", l1, p)
		assert.False(t, changed)
		assert.Equal(t, first.ID, again.ID)
		return err
	}))

	require.NoError(t, e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		removed, changed, err := e.proto.RemoveRelation(e.ctx, tx, key, l1, p)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, storage.StateRemoved, removed.State)
		assert.NotEqual(t, first.ID, removed.ID)
		return nil
	}))

	require.NoError(t, e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		_, changed, err := e.proto.RemoveRelation(e.ctx, tx, key, l1, p)
		assert.False(t, changed)
		return err
	}))

	require.NoError(t, e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		renewed, _, err := e.proto.InsertRelation(e.ctx, tx, "h1", "sw", "connects", l1, p)
		require.NoError(t, err)
		assert.Equal(t, storage.StateRenewed, renewed.State)
		return nil
	}))

	err = e.write(func(tx *storage.Tx, p *changeset.Proxy) error {
		_, _, err := e.proto.RemoveRelation(e.ctx, tx, storage.RelationKey{From: "sw", Predicate: "connects", To: "h1"}, l1, p)
		return err
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidOperation))
}
