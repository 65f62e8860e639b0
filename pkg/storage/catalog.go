package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// ============================================================================
// Configuration items
// ============================================================================

// PutCI records a new configuration item. Returns ErrAlreadyExists if the id
// is taken.
func (tx *Tx) PutCI(ci *CI) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := ci.ID.Validate(); err != nil {
		return err
	}
	key := ciKey(ci.ID)
	existing, err := tx.get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Wrapf(ErrAlreadyExists, "ci %s", ci.ID)
	}
	data, err := encodeJSON(ci)
	if err != nil {
		return err
	}
	if err := tx.set(key, data); err != nil {
		return err
	}
	tx.touch(TouchCI, ci.ID, 0)
	return nil
}

// GetCI returns a CI record or ErrNotFound.
func (tx *Tx) GetCI(id CIID) (*CI, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	data, err := tx.get(ciKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "ci %s", id)
	}
	var ci CI
	if err := decodeJSON(data, &ci); err != nil {
		return nil, err
	}
	return &ci, nil
}

// HasCI reports whether a CI exists.
func (tx *Tx) HasCI(id CIID) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return false, err
	}
	data, err := tx.get(ciKey(id))
	return data != nil, err
}

// ListCIs returns every CI ordered by id.
func (tx *Tx) ListCIs(ctx context.Context) ([]*CI, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	var out []*CI
	err := tx.scan(ctx, []byte{prefixCI}, true, func(_, val []byte) error {
		var ci CI
		if err := decodeJSON(val, &ci); err != nil {
			return err
		}
		out = append(out, &ci)
		return nil
	})
	return out, err
}

// ============================================================================
// Layers
// ============================================================================

// CreateLayer records a new layer. The unique-name index is read and written
// in the same transaction, so two concurrent creations of one name conflict
// at commit even when neither sees the other's record.
func (tx *Tx) CreateLayer(l *Layer) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if l.ID == 0 {
		return errors.Wrap(ErrInvalidID, "layer id is zero")
	}
	if l.Name == "" {
		return errors.Wrap(ErrInvalidData, "layer name is empty")
	}
	nameKey := layerNameKey(l.Name)
	existing, err := tx.get(nameKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Wrapf(ErrAlreadyExists, "layer %q", l.Name)
	}
	if rec, err := tx.get(layerKey(l.ID)); err != nil {
		return err
	} else if rec != nil {
		return errors.Wrapf(ErrAlreadyExists, "layer id %d", l.ID)
	}
	if err := tx.putLayer(l, true); err != nil {
		return err
	}
	return tx.set(nameKey, binary.BigEndian.AppendUint64(nil, uint64(l.ID)))
}

// UpdateLayer rewrites a layer's mutable fields. The name cannot change.
func (tx *Tx) UpdateLayer(l *Layer) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	current, err := tx.getLayer(l.ID)
	if err != nil {
		return err
	}
	if current.Name != l.Name {
		return errors.Wrapf(ErrInvalidOperation, "layer %d cannot be renamed", l.ID)
	}
	return tx.putLayer(l, false)
}

func (tx *Tx) putLayer(l *Layer, created bool) error {
	data, err := encodeJSON(l)
	if err != nil {
		return err
	}
	if err := tx.set(layerKey(l.ID), data); err != nil {
		return err
	}
	cp := *l
	if created {
		tx.layers = append(tx.layers, &cp)
	} else {
		tx.layerUpdates = append(tx.layerUpdates, &cp)
	}
	return nil
}

// GetLayer returns a layer or ErrNotFound.
func (tx *Tx) GetLayer(id LayerID) (*Layer, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	return tx.getLayer(id)
}

func (tx *Tx) getLayer(id LayerID) (*Layer, error) {
	data, err := tx.get(layerKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "layer %d", id)
	}
	var l Layer
	if err := decodeJSON(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLayerByName resolves a layer through the unique-name index.
func (tx *Tx) GetLayerByName(name string) (*Layer, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	data, err := tx.get(layerNameKey(name))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "layer %q", name)
	}
	if len(data) != 8 {
		return nil, errors.Wrapf(ErrMalformedValue, "layer name index %q", name)
	}
	return tx.getLayer(LayerID(binary.BigEndian.Uint64(data)))
}

// ListLayers returns every layer ordered by id.
func (tx *Tx) ListLayers(ctx context.Context) ([]*Layer, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	var out []*Layer
	err := tx.scan(ctx, []byte{prefixLayer}, true, func(_, val []byte) error {
		var l Layer
		if err := decodeJSON(val, &l); err != nil {
			return err
		}
		out = append(out, &l)
		return nil
	})
	return out, err
}

// ============================================================================
// Changesets
// ============================================================================

// PutChangeset records a changeset. Changesets are immutable: writing an
// existing id returns ErrAlreadyExists.
func (tx *Tx) PutChangeset(cs *Changeset) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if cs.ID == 0 {
		return errors.Wrap(ErrInvalidID, "changeset id is zero")
	}
	if cs.Timestamp.IsZero() {
		return errors.Wrap(ErrInvalidData, "changeset timestamp is zero")
	}
	key := changesetKey(cs.ID)
	existing, err := tx.get(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Wrapf(ErrAlreadyExists, "changeset %d", cs.ID)
	}
	data, err := encodeJSON(cs)
	if err != nil {
		return err
	}
	if err := tx.set(key, data); err != nil {
		return err
	}
	if err := tx.set(changesetTimeKey(cs.Timestamp, cs.ID), nil); err != nil {
		return err
	}
	cp := *cs
	tx.changesets = append(tx.changesets, &cp)
	return nil
}

// GetChangeset returns a changeset or ErrNotFound.
func (tx *Tx) GetChangeset(id ChangesetID) (*Changeset, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	return tx.getChangeset(id)
}

func (tx *Tx) getChangeset(id ChangesetID) (*Changeset, error) {
	data, err := tx.get(changesetKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "changeset %d", id)
	}
	var cs Changeset
	if err := decodeJSON(data, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// LastChangesetTime returns the timestamp of the newest recorded changeset,
// or the zero time when there is none.
func (tx *Tx) LastChangesetTime(ctx context.Context) (time.Time, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return time.Time{}, err
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = []byte{prefixChangesetTS}
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	seek := append([]byte{prefixChangesetTS}, bytes.Repeat([]byte{0xff}, 17)...)
	it.Seek(seek)
	if !it.ValidForPrefix(opts.Prefix) {
		return time.Time{}, nil
	}
	key := it.Item().Key()
	if len(key) != 17 {
		return time.Time{}, errors.Wrap(ErrInvalidData, "bad changeset time key")
	}
	return decodeTime(binary.BigEndian.Uint64(key[1:9])), nil
}

// ChangesetsBetween returns changesets with from <= timestamp <= to in
// ascending timestamp order.
func (tx *Tx) ChangesetsBetween(ctx context.Context, from, to time.Time) ([]*Changeset, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}

	var ids []ChangesetID
	start := appendU64([]byte{prefixChangesetTS}, encodeTime(from))
	err := tx.scanFrom(ctx, []byte{prefixChangesetTS}, start, false, func(key, _ []byte) error {
		if len(key) != 17 {
			return nil
		}
		if decodeTime(binary.BigEndian.Uint64(key[1:9])).After(to) {
			return errStopScan
		}
		ids = append(ids, ChangesetID(binary.BigEndian.Uint64(key[9:17])))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx.loadChangesets(ids)
}

// ChangesetsTouching returns changesets with from <= timestamp <= to that
// wrote into any of the given layers and, when ci is non-nil, touched that
// CI. Results are deduplicated and ordered by (timestamp, id).
func (tx *Tx) ChangesetsTouching(ctx context.Context, layers []LayerID, ci *CIID, from, to time.Time) ([]*Changeset, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}

	seen := make(map[ChangesetID]struct{})
	var ids []ChangesetID
	for _, layer := range layers {
		prefix := changesetTouchPrefix(layer)
		start := appendU64(changesetTouchPrefix(layer), encodeTime(from))
		err := tx.scanFrom(ctx, prefix, start, false, func(key, _ []byte) error {
			ts, id, touched, err := parseChangesetTouchKey(key)
			if err != nil {
				return err
			}
			if ts.After(to) {
				return errStopScan
			}
			if ci != nil && touched != *ci {
				return nil
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return tx.loadChangesets(ids)
}

func (tx *Tx) loadChangesets(ids []ChangesetID) ([]*Changeset, error) {
	out := make([]*Changeset, 0, len(ids))
	for _, id := range ids {
		cs, err := tx.getChangeset(id)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// ============================================================================
// Predicates
// ============================================================================

// PutPredicate creates or updates a predicate.
func (tx *Tx) PutPredicate(p *Predicate) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := encodeJSON(p)
	if err != nil {
		return err
	}
	return tx.set(predicateKey(p.ID), data)
}

// GetPredicate returns a predicate or ErrNotFound.
func (tx *Tx) GetPredicate(id string) (*Predicate, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	data, err := tx.get(predicateKey(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.Wrapf(ErrNotFound, "predicate %q", id)
	}
	var p Predicate
	if err := decodeJSON(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPredicates returns every predicate ordered by id.
func (tx *Tx) ListPredicates(ctx context.Context) ([]*Predicate, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	var out []*Predicate
	err := tx.scan(ctx, []byte{prefixPredicate}, true, func(_, val []byte) error {
		var p Predicate
		if err := decodeJSON(val, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}
