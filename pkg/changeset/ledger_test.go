package changeset

import (
	"context"
	"testing"
	"time"

	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var frozen = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*storage.Store, *Ledger) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clock := temporal.ClockFunc(func() time.Time { return frozen })
	return store, NewLedger(store, clock, nil)
}

func TestLedger_CreateChangesetMonotonic(t *testing.T) {
	store, ledger := newLedger(t)
	ctx := context.Background()

	var a, b *storage.Changeset
	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		if a, err = ledger.CreateChangeset(ctx, tx, "alice"); err != nil {
			return err
		}
		b, err = ledger.CreateChangeset(ctx, tx, "bob")
		return err
	}))

	assert.True(t, b.Timestamp.After(a.Timestamp), "frozen clock must still produce increasing timestamps")
	assert.Greater(t, b.ID, a.ID)

	require.NoError(t, store.View(ctx, func(tx *storage.Tx) error {
		got, err := ledger.GetChangeset(tx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Author)
		assert.True(t, got.Timestamp.Equal(a.Timestamp))
		return nil
	}))
}

func TestLedger_RejectsEmptyAuthor(t *testing.T) {
	store, ledger := newLedger(t)
	ctx := context.Background()
	err := store.Update(ctx, func(tx *storage.Tx) error {
		_, err := ledger.CreateChangeset(ctx, tx, "  ")
		return err
	})
	assert.True(t, errors.Is(err, storage.ErrInvalidData))
}

func TestLedger_Prime(t *testing.T) {
	store, ledger := newLedger(t)
	ctx := context.Background()

	var first *storage.Changeset
	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		var err error
		first, err = ledger.CreateChangeset(ctx, tx, "alice")
		return err
	}))

	// A fresh ledger whose clock is behind the persisted changesets.
	past := temporal.ClockFunc(func() time.Time { return frozen.Add(-time.Hour) })
	reopened := NewLedger(store, past, nil)
	require.NoError(t, reopened.Prime(ctx))

	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		cs, err := reopened.CreateChangeset(ctx, tx, "bob")
		require.NoError(t, err)
		assert.True(t, cs.Timestamp.After(first.Timestamp))
		return nil
	}))
}

func TestLedger_GetChangesetsInTimespan(t *testing.T) {
	store, ledger := newLedger(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		for _, id := range []storage.CIID{"a", "b"} {
			if err := tx.PutCI(&storage.CI{ID: id, CreatedAt: frozen}); err != nil {
				return err
			}
		}
		for _, l := range []storage.LayerID{1, 2} {
			if err := tx.CreateLayer(&storage.Layer{ID: l, Name: string(rune('k' + l)), Enabled: true, CreatedAt: frozen}); err != nil {
				return err
			}
		}
		return nil
	}))

	write := func(ci storage.CIID, layerID storage.LayerID) *storage.Changeset {
		var cs *storage.Changeset
		require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
			var err error
			if cs, err = ledger.CreateChangeset(ctx, tx, "writer"); err != nil {
				return err
			}
			return tx.AppendAttribute(&storage.AttributeVersion{
				CI: ci, Name: "n", Layer: layerID, Value: storage.Text(string(ci)),
				State: storage.StateNew, ChangesetID: cs.ID, ActivationTime: cs.Timestamp,
			})
		}))
		return cs
	}
	cs1 := write("a", 1)
	cs2 := write("b", 2)
	cs3 := write("b", 1)

	ids := func(css []*storage.Changeset) []storage.ChangesetID {
		var out []storage.ChangesetID
		for _, cs := range css {
			out = append(out, cs.ID)
		}
		return out
	}

	require.NoError(t, store.View(ctx, func(tx *storage.Tx) error {
		from, to := cs1.Timestamp, cs3.Timestamp

		all, err := ledger.GetChangesetsInTimespan(ctx, tx, from, to, layer.MustSet(2, 1), nil)
		require.NoError(t, err)
		assert.Equal(t, []storage.ChangesetID{cs1.ID, cs2.ID, cs3.ID}, ids(all))

		onlyL1, err := ledger.GetChangesetsInTimespan(ctx, tx, from, to, layer.MustSet(1), nil)
		require.NoError(t, err)
		assert.Equal(t, []storage.ChangesetID{cs1.ID, cs3.ID}, ids(onlyL1))

		b := storage.CIID("b")
		forB, err := ledger.GetChangesetsInTimespan(ctx, tx, from, to, layer.MustSet(1, 2), &b)
		require.NoError(t, err)
		assert.Equal(t, []storage.ChangesetID{cs2.ID, cs3.ID}, ids(forB))

		narrow, err := ledger.GetChangesetsInTimespan(ctx, tx, cs2.Timestamp, cs2.Timestamp, layer.MustSet(1, 2), nil)
		require.NoError(t, err)
		assert.Equal(t, []storage.ChangesetID{cs2.ID}, ids(narrow))

		none, err := ledger.GetChangesetsInTimespan(ctx, tx, from, to, layer.Set{}, nil)
		require.NoError(t, err)
		assert.Empty(t, none)

		_, err = ledger.GetChangesetsInTimespan(ctx, tx, to, from, layer.MustSet(1), nil)
		assert.True(t, errors.Is(err, storage.ErrInvalidOperation))
		return nil
	}))
}

func TestProxy_Lazy(t *testing.T) {
	store, ledger := newLedger(t)
	ctx := context.Background()
	proxy := NewProxy(ledger, "importer")

	// No write asked for a changeset: nothing is created.
	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error { return nil }))
	assert.Nil(t, proxy.Current())

	require.NoError(t, store.Update(ctx, func(tx *storage.Tx) error {
		first, err := proxy.Get(ctx, tx)
		require.NoError(t, err)
		second, err := proxy.Get(ctx, tx)
		require.NoError(t, err)
		assert.Same(t, first, second)
		assert.Equal(t, "importer", first.Author)
		return nil
	}))

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Changesets)
	assert.Equal(t, "importer", proxy.Author())
}
