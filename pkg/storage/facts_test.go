package storage

import (
	"context"
	"testing"
	"time"

	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// factWriter appends versions with one changeset per call, spaced one
// second apart.
type factWriter struct {
	t     *testing.T
	store *Store
	next  ChangesetID
}

func newFactWriter(t *testing.T, store *Store) *factWriter {
	return &factWriter{t: t, store: store, next: 1}
}

func (w *factWriter) at(cs ChangesetID) time.Time {
	return baseTime.Add(time.Duration(cs) * time.Second)
}

func (w *factWriter) attr(ci CIID, name string, layer LayerID, state State, v Value) *AttributeVersion {
	w.t.Helper()
	cs := w.next
	w.next++
	version := &AttributeVersion{
		CI: ci, Name: name, Layer: layer, Value: v, State: state,
		ChangesetID: cs, ActivationTime: w.at(cs),
	}
	err := w.store.Update(context.Background(), func(tx *Tx) error {
		if err := tx.PutChangeset(&Changeset{ID: cs, Timestamp: w.at(cs), Author: "test"}); err != nil {
			return err
		}
		return tx.AppendAttribute(version)
	})
	require.NoError(w.t, err)
	return version
}

func (w *factWriter) rel(from CIID, pred string, to CIID, layer LayerID, state State) *RelationVersion {
	w.t.Helper()
	cs := w.next
	w.next++
	version := &RelationVersion{
		ID: "rel-" + time.Duration(cs).String(), From: from, To: to, Predicate: pred,
		Layer: layer, State: state, ChangesetID: cs, ActivationTime: w.at(cs),
	}
	err := w.store.Update(context.Background(), func(tx *Tx) error {
		if err := tx.PutChangeset(&Changeset{ID: cs, Timestamp: w.at(cs), Author: "test"}); err != nil {
			return err
		}
		return tx.AppendRelation(version)
	})
	require.NoError(w.t, err)
	return version
}

func view(t *testing.T, store *Store, fn func(tx *Tx)) {
	t.Helper()
	require.NoError(t, store.View(context.Background(), func(tx *Tx) error {
		fn(tx)
		return nil
	}))
}

func TestAttributeAt_LatestAndHistorical(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})
	w := newFactWriter(t, store)

	v1 := w.attr("a", "hostname", 1, StateNew, Text("h123"))
	v2 := w.attr("a", "hostname", 1, StateChanged, Text("h124"))
	v3 := w.attr("a", "hostname", 1, StateRemoved, Text("h124"))

	view(t, store, func(tx *Tx) {
		ctx := context.Background()

		latest, err := tx.AttributeAt(ctx, "a", "hostname", 1, temporal.Latest())
		require.NoError(t, err)
		assert.Equal(t, StateRemoved, latest.State)
		assert.Equal(t, v3.ChangesetID, latest.ChangesetID)
		assert.Equal(t, Text("h124"), latest.Value)

		mid, err := tx.AttributeAt(ctx, "a", "hostname", 1, temporal.At(v2.ActivationTime))
		require.NoError(t, err)
		assert.Equal(t, Text("h124"), mid.Value)
		assert.Equal(t, StateChanged, mid.State)

		early, err := tx.AttributeAt(ctx, "a", "hostname", 1, temporal.At(v1.ActivationTime.Add(time.Millisecond)))
		require.NoError(t, err)
		assert.Equal(t, Text("h123"), early.Value)

		before, err := tx.AttributeAt(ctx, "a", "hostname", 1, temporal.At(baseTime))
		require.NoError(t, err)
		assert.Nil(t, before)

		missing, err := tx.AttributeAt(ctx, "a", "other", 1, temporal.Latest())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestAppendAttribute_RejectsOutOfOrder(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})
	w := newFactWriter(t, store)
	w.attr("a", "other", 1, StateNew, Integer(0))
	v := w.attr("a", "n", 1, StateNew, Integer(1))

	tests := []struct {
		name string
		cs   ChangesetID
		at   time.Time
		want error
	}{
		{"same changeset", v.ChangesetID, v.ActivationTime, ErrDuplicateWrite},
		{"earlier activation", v.ChangesetID + 1, v.ActivationTime.Add(-time.Second), ErrInvalidOperation},
		{"same instant lower changeset", v.ChangesetID - 1, v.ActivationTime, ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(context.Background(), func(tx *Tx) error {
				return tx.AppendAttribute(&AttributeVersion{
					CI: "a", Name: "n", Layer: 1, Value: Integer(2), State: StateChanged,
					ChangesetID: tt.cs, ActivationTime: tt.at,
				})
			})
			if !errors.Is(err, tt.want) {
				t.Errorf("AppendAttribute() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAppendAttribute_Validation(t *testing.T) {
	store := newTestStore(t)
	tests := []struct {
		name string
		v    AttributeVersion
		want error
	}{
		{"empty ci", AttributeVersion{Name: "n", Layer: 1, Value: Text("x"), ChangesetID: 1, ActivationTime: baseTime}, ErrInvalidID},
		{"nul in name", AttributeVersion{CI: "a", Name: "a\x00b", Layer: 1, Value: Text("x"), ChangesetID: 1, ActivationTime: baseTime}, ErrInvalidData},
		{"zero layer", AttributeVersion{CI: "a", Name: "n", Value: Text("x"), ChangesetID: 1, ActivationTime: baseTime}, ErrInvalidID},
		{"zero changeset", AttributeVersion{CI: "a", Name: "n", Layer: 1, Value: Text("x"), ActivationTime: baseTime}, ErrInvalidID},
		{"nil value", AttributeVersion{CI: "a", Name: "n", Layer: 1, ChangesetID: 1, ActivationTime: baseTime}, ErrInvalidData},
		{"zero time", AttributeVersion{CI: "a", Name: "n", Layer: 1, Value: Text("x"), ChangesetID: 1}, ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.v
			err := store.Update(context.Background(), func(tx *Tx) error {
				return tx.AppendAttribute(&v)
			})
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestLatestAttributes_Filters(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a", "b", "ab"}, []LayerID{1, 2})
	w := newFactWriter(t, store)

	w.attr("a", "hostname", 1, StateNew, Text("a1"))
	w.attr("a", "hostname", 2, StateNew, Text("a2"))
	w.attr("a", "os.name", 1, StateNew, Text("linux"))
	w.attr("b", "hostname", 1, StateNew, Text("b1"))
	w.attr("ab", "hostname", 2, StateNew, Text("ab2"))

	ctx := context.Background()
	count := func(f AttributeFilter) int {
		var n int
		view(t, store, func(tx *Tx) {
			out, err := tx.LatestAttributes(ctx, f, temporal.Latest())
			require.NoError(t, err)
			n = len(out)
		})
		return n
	}

	assert.Equal(t, 5, count(AttributeFilter{}))
	assert.Equal(t, 3, count(AttributeFilter{CIs: []CIID{"a"}}))
	assert.Equal(t, 1, count(AttributeFilter{CIs: []CIID{"a"}, NamePrefix: "os."}))
	assert.Equal(t, 2, count(AttributeFilter{CIs: []CIID{"a", "a"}, Layers: []LayerID{1}}))
	assert.Equal(t, 2, count(AttributeFilter{Layers: []LayerID{2}}))
	assert.Equal(t, 4, count(AttributeFilter{Names: []string{"hostname"}}))
	assert.Equal(t, 1, count(AttributeFilter{Layers: []LayerID{2}, NamePrefix: "host", CIs: []CIID{"ab"}}))
	assert.Equal(t, 0, count(AttributeFilter{CIs: []CIID{}}))
}

func TestLatestAttributes_Historical(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1, 2})
	w := newFactWriter(t, store)

	first := w.attr("a", "n", 1, StateNew, Integer(1))
	w.attr("a", "n", 1, StateChanged, Integer(2))
	w.attr("a", "n", 2, StateNew, Integer(10))

	view(t, store, func(tx *Tx) {
		out, err := tx.LatestAttributes(context.Background(), AttributeFilter{CIs: []CIID{"a"}}, temporal.At(first.ActivationTime))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, Integer(1), out[0].Value)
		assert.Equal(t, LayerID(1), out[0].Layer)
	})
}

func TestLatestAttributes_WithinWriteTransaction(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})

	err := store.Update(context.Background(), func(tx *Tx) error {
		require.NoError(t, tx.PutChangeset(&Changeset{ID: 1, Timestamp: baseTime, Author: "t"}))
		require.NoError(t, tx.AppendAttribute(&AttributeVersion{
			CI: "a", Name: "n", Layer: 1, Value: Boolean(true), State: StateNew,
			ChangesetID: 1, ActivationTime: baseTime,
		}))
		assert.True(t, tx.HasWrites())

		out, err := tx.LatestAttributes(context.Background(), AttributeFilter{Layers: []LayerID{1}}, temporal.Latest())
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, Boolean(true), out[0].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestLatestAttributes_MalformedValueIsolated(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})
	w := newFactWriter(t, store)
	w.attr("a", "good", 1, StateNew, Text("ok"))

	// Corrupt the stored payload of a second attribute.
	err := store.Update(context.Background(), func(tx *Tx) error {
		rec := encodeRecord(StateNew, 99, baseTime.Add(time.Hour), []byte{0xEE, 0x01})
		if err := tx.set(attrVersionKey("a", "bad", 1, baseTime.Add(time.Hour), 99), rec); err != nil {
			return err
		}
		if err := tx.set(attrHeadKey("a", "bad", 1), rec); err != nil {
			return err
		}
		return tx.set(attrByLayerKey(1, "a", "bad"), rec)
	})
	require.NoError(t, err)

	view(t, store, func(tx *Tx) {
		out, err := tx.LatestAttributes(context.Background(), AttributeFilter{CIs: []CIID{"a"}}, temporal.Latest())
		require.NoError(t, err)
		require.Len(t, out, 2)
		byName := map[string]*AttributeVersion{}
		for _, v := range out {
			byName[v.Name] = v
		}
		assert.NoError(t, byName["good"].Err)
		assert.Equal(t, Text("ok"), byName["good"].Value)
		assert.True(t, errors.Is(byName["bad"].Err, ErrMalformedValue))
		assert.Nil(t, byName["bad"].Value)
	})
}

func TestLatestAttributes_MalformedHeaderIsolated(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})
	w := newFactWriter(t, store)
	w.attr("a", "good", 1, StateNew, Text("ok"))

	err := store.Update(context.Background(), func(tx *Tx) error {
		rec := encodeRecord(StateNew, 99, baseTime.Add(time.Hour), []byte{byte(TypeText), 'x'})
		rec[0] = 0x7f
		if err := tx.set(attrHeadKey("a", "bad", 1), rec); err != nil {
			return err
		}
		return tx.set(attrByLayerKey(1, "a", "bad"), rec)
	})
	require.NoError(t, err)

	view(t, store, func(tx *Tx) {
		for _, at := range []temporal.Threshold{temporal.Latest(), temporal.At(baseTime.Add(time.Minute))} {
			out, err := tx.LatestAttributes(context.Background(), AttributeFilter{CIs: []CIID{"a"}}, at)
			require.NoError(t, err, "threshold %s", at)
			byName := map[string]*AttributeVersion{}
			for _, v := range out {
				byName[v.Name] = v
			}
			require.Contains(t, byName, "good")
			assert.Equal(t, Text("ok"), byName["good"].Value)
			require.Contains(t, byName, "bad")
			assert.True(t, errors.Is(byName["bad"].Err, ErrMalformedValue))
		}

		v, err := tx.AttributeAt(context.Background(), "a", "bad", 1, temporal.Latest())
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.True(t, errors.Is(v.Err, ErrMalformedValue))
	})
}

func TestLatestAttributes_CancelledContext(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1})
	newFactWriter(t, store).attr("a", "n", 1, StateNew, Text("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	view(t, store, func(tx *Tx) {
		_, err := tx.LatestAttributes(ctx, AttributeFilter{}, temporal.Latest())
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestAttributeHistory(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a"}, []LayerID{1, 2})
	w := newFactWriter(t, store)
	w.attr("a", "n", 2, StateNew, Integer(1))
	w.attr("a", "n", 1, StateNew, Integer(2))
	w.attr("a", "n", 2, StateChanged, Integer(3))
	w.attr("a", "nn", 1, StateNew, Integer(4))

	view(t, store, func(tx *Tx) {
		all, err := tx.AttributeHistory(context.Background(), "a", "n", nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, Integer(1), all[0].Value)
		assert.Equal(t, Integer(2), all[1].Value)
		assert.Equal(t, Integer(3), all[2].Value)

		layer2, err := tx.AttributeHistory(context.Background(), "a", "n", []LayerID{2})
		require.NoError(t, err)
		assert.Len(t, layer2, 2)
	})
}

func TestRelations_ScanPaths(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"app", "host1", "host2"}, []LayerID{1, 2})
	w := newFactWriter(t, store)

	w.rel("app", "runs_on", "host1", 1, StateNew)
	w.rel("app", "runs_on", "host2", 2, StateNew)
	w.rel("host1", "member_of", "host2", 1, StateNew)
	removed := w.rel("app", "runs_on", "host1", 1, StateRemoved)

	ctx := context.Background()
	count := func(f RelationFilter) int {
		var n int
		view(t, store, func(tx *Tx) {
			out, err := tx.LatestRelations(ctx, f, temporal.Latest())
			require.NoError(t, err)
			n = len(out)
		})
		return n
	}

	assert.Equal(t, 3, count(RelationFilter{}))
	assert.Equal(t, 2, count(RelationFilter{From: []CIID{"app"}}))
	assert.Equal(t, 2, count(RelationFilter{To: []CIID{"host2"}}))
	assert.Equal(t, 1, count(RelationFilter{To: []CIID{"host2"}, Predicates: []string{"member_of"}}))
	assert.Equal(t, 2, count(RelationFilter{Layers: []LayerID{1}}))
	assert.Equal(t, 1, count(RelationFilter{Layers: []LayerID{1}, From: []CIID{"host1"}}))

	view(t, store, func(tx *Tx) {
		key := RelationKey{From: "app", Predicate: "runs_on", To: "host1"}
		latest, err := tx.RelationAt(ctx, key, 1, temporal.Latest())
		require.NoError(t, err)
		assert.Equal(t, StateRemoved, latest.State)
		assert.Equal(t, removed.ID, latest.ID)

		past, err := tx.RelationAt(ctx, key, 1, temporal.At(removed.ActivationTime.Add(-time.Nanosecond)))
		require.NoError(t, err)
		assert.Equal(t, StateNew, past.State)

		history, err := tx.RelationHistory(ctx, key, nil)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})
}

func TestAppendRelation_TouchesBothEndpoints(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, []CIID{"a", "b"}, []LayerID{1})

	var touched []Touch
	store.AddCommitListener(CommitListenerFunc(func(e CommitEvent) { touched = e.Touched }))
	newFactWriter(t, store).rel("a", "p", "b", 1, StateNew)

	assert.ElementsMatch(t, []Touch{
		{Kind: TouchRelation, CI: "a", Layer: 1},
		{Kind: TouchRelation, CI: "b", Layer: 1},
	}, touched)
}
