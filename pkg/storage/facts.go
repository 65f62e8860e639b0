package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"strings"
	"time"

	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
)

// AttributeFilter restricts attribute partition scans. Nil slices are
// unrestricted; an empty non-nil slice matches nothing.
type AttributeFilter struct {
	CIs        []CIID
	Names      []string
	NamePrefix string
	Layers     []LayerID
}

// RelationFilter restricts relation partition scans. All restrictions are
// conjunctive. Nil slices are unrestricted; an empty non-nil slice matches
// nothing.
type RelationFilter struct {
	From       []CIID
	To         []CIID
	Predicates []string
	Layers     []LayerID
}

// AppendAttribute appends a version to its (CI, Name, Layer) partition.
//
// The version must order strictly after the partition's current head by
// (ActivationTime, ChangesetID). The head is read before it is rewritten, so
// concurrent appends to one partition conflict at commit.
func (tx *Tx) AppendAttribute(v *AttributeVersion) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := v.CI.Validate(); err != nil {
		return err
	}
	if err := ValidateAttributeName(v.Name); err != nil {
		return err
	}
	if err := checkVersionHeader(v.Layer, v.ChangesetID, v.State, v.ActivationTime); err != nil {
		return err
	}
	payload, err := EncodeValue(v.Value)
	if err != nil {
		return err
	}

	headKey := attrHeadKey(v.CI, v.Name, v.Layer)
	if err := tx.checkOrder(headKey, v.ActivationTime, v.ChangesetID); err != nil {
		return errors.Wrapf(err, "attribute %s in layer %d", v.Key(), v.Layer)
	}

	rec := encodeRecord(v.State, v.ChangesetID, v.ActivationTime, payload)
	if err := tx.set(attrVersionKey(v.CI, v.Name, v.Layer, v.ActivationTime, v.ChangesetID), rec); err != nil {
		return err
	}
	if err := tx.set(headKey, rec); err != nil {
		return err
	}
	if err := tx.set(attrByLayerKey(v.Layer, v.CI, v.Name), rec); err != nil {
		return err
	}
	if err := tx.set(changesetTouchKey(v.Layer, v.ActivationTime, v.ChangesetID, v.CI), nil); err != nil {
		return err
	}
	tx.touch(TouchAttribute, v.CI, v.Layer)
	return nil
}

// AppendRelation appends a version to its (From, Predicate, To, Layer)
// partition. Ordering rules match AppendAttribute.
func (tx *Tx) AppendRelation(v *RelationVersion) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkWrite(); err != nil {
		return err
	}
	key := v.Key()
	if err := key.Validate(); err != nil {
		return err
	}
	if v.ID == "" {
		return errors.Wrap(ErrInvalidID, "empty relation version id")
	}
	if err := checkVersionHeader(v.Layer, v.ChangesetID, v.State, v.ActivationTime); err != nil {
		return err
	}

	headKey := relHeadKey(key, v.Layer)
	if err := tx.checkOrder(headKey, v.ActivationTime, v.ChangesetID); err != nil {
		return errors.Wrapf(err, "relation %s in layer %d", key, v.Layer)
	}

	rec := encodeRecord(v.State, v.ChangesetID, v.ActivationTime, []byte(v.ID))
	if err := tx.set(relVersionKey(key, v.Layer, v.ActivationTime, v.ChangesetID), rec); err != nil {
		return err
	}
	if err := tx.set(headKey, rec); err != nil {
		return err
	}
	if err := tx.set(relIncomingKey(key, v.Layer), nil); err != nil {
		return err
	}
	if err := tx.set(relByLayerKey(v.Layer, key), nil); err != nil {
		return err
	}
	// A relation change is visible from both endpoints.
	if err := tx.set(changesetTouchKey(v.Layer, v.ActivationTime, v.ChangesetID, v.From), nil); err != nil {
		return err
	}
	if err := tx.set(changesetTouchKey(v.Layer, v.ActivationTime, v.ChangesetID, v.To), nil); err != nil {
		return err
	}
	tx.touch(TouchRelation, v.From, v.Layer)
	tx.touch(TouchRelation, v.To, v.Layer)
	return nil
}

func checkVersionHeader(layer LayerID, cs ChangesetID, state State, at time.Time) error {
	if layer == 0 {
		return errors.Wrap(ErrInvalidID, "layer id is zero")
	}
	if cs == 0 {
		return errors.Wrap(ErrInvalidID, "changeset id is zero")
	}
	if state > StateRenewed {
		return errors.Wrapf(ErrInvalidData, "unknown state %d", uint8(state))
	}
	if at.IsZero() {
		return errors.Wrap(ErrInvalidData, "activation time is zero")
	}
	return nil
}

func (tx *Tx) checkOrder(headKey []byte, at time.Time, cs ChangesetID) error {
	head, err := tx.get(headKey)
	if err != nil || head == nil {
		return err
	}
	meta, _, err := decodeRecord(head)
	if err != nil {
		return err
	}
	if meta.cs == cs {
		return errors.Wrapf(ErrDuplicateWrite, "changeset %d", cs)
	}
	next := versionMeta{ts: at, cs: cs}
	if !next.after(meta) {
		return errors.Wrapf(ErrInvalidOperation, "version (%s, %d) does not follow head (%s, %d)",
			at.Format(time.RFC3339Nano), cs, meta.ts.Format(time.RFC3339Nano), meta.cs)
	}
	return nil
}

// AttributeAt returns the version of one (CI, Name, Layer) partition that
// was authoritative at the threshold, or nil when the partition had no
// version by then.
func (tx *Tx) AttributeAt(ctx context.Context, ci CIID, name string, layer LayerID, at temporal.Threshold) (*AttributeVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	head, err := tx.get(attrHeadKey(ci, name, layer))
	if err != nil || head == nil {
		return nil, err
	}
	return tx.resolveAttribute(ctx, attrPart{ci: ci, name: name, layer: layer, head: head}, at)
}

// RelationAt returns the version of one relation partition that was
// authoritative at the threshold, or nil.
func (tx *Tx) RelationAt(ctx context.Context, key RelationKey, layer LayerID, at temporal.Threshold) (*RelationVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	head, err := tx.get(relHeadKey(key, layer))
	if err != nil || head == nil {
		return nil, err
	}
	return tx.resolveRelation(ctx, relPart{key: key, layer: layer, head: head}, at)
}

// LatestAttributes performs the per-partition reduction: for every
// (CI, Name, Layer) partition matching the filter it returns the newest
// version activated at or before the threshold. Partitions with no such
// version are omitted. Removed versions are included.
func (tx *Tx) LatestAttributes(ctx context.Context, f AttributeFilter, at temporal.Threshold) ([]*AttributeVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}

	parts, err := tx.collectAttributeHeads(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*AttributeVersion, 0, len(parts))
	for _, p := range parts {
		v, err := tx.resolveAttribute(ctx, p, at)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// LatestRelations is the relation counterpart of LatestAttributes.
func (tx *Tx) LatestRelations(ctx context.Context, f RelationFilter, at temporal.Threshold) ([]*RelationVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}

	parts, err := tx.collectRelationHeads(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]*RelationVersion, 0, len(parts))
	for _, p := range parts {
		v, err := tx.resolveRelation(ctx, p, at)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// AttributeHistory returns every version of an attribute across the given
// layers (nil = all), ordered by (ActivationTime, ChangesetID).
func (tx *Tx) AttributeHistory(ctx context.Context, ci CIID, name string, layers []LayerID) ([]*AttributeVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	if err := ValidateAttributeName(name); err != nil {
		return nil, err
	}

	allow := layerFilter(layers)
	prefix := appendStr(appendStr([]byte{prefixAttrVersion}, string(ci)), name)
	var out []*AttributeVersion
	err := tx.scan(ctx, prefix, true, func(key, val []byte) error {
		if len(key) != len(prefix)+24 {
			return nil
		}
		layer := LayerID(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8]))
		if !allow(layer) {
			return nil
		}
		meta, payload, err := decodeRecord(val)
		if err != nil {
			return err
		}
		out = append(out, buildAttribute(ci, name, layer, meta, payload))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return versionMeta{ts: out[j].ActivationTime, cs: out[j].ChangesetID}.
			after(versionMeta{ts: out[i].ActivationTime, cs: out[i].ChangesetID})
	})
	return out, nil
}

// RelationHistory returns every version of a relation across the given
// layers (nil = all), ordered by (ActivationTime, ChangesetID).
func (tx *Tx) RelationHistory(ctx context.Context, key RelationKey, layers []LayerID) ([]*RelationVersion, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err := tx.checkRead(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	allow := layerFilter(layers)
	prefix := appendStr(appendStr(appendStr([]byte{prefixRelVersion}, string(key.From)), key.Predicate), string(key.To))
	var out []*RelationVersion
	err := tx.scan(ctx, prefix, true, func(k, val []byte) error {
		if len(k) != len(prefix)+24 {
			return nil
		}
		layer := LayerID(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
		if !allow(layer) {
			return nil
		}
		meta, payload, err := decodeRecord(val)
		if err != nil {
			return err
		}
		out = append(out, buildRelation(key, layer, meta, payload))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return versionMeta{ts: out[j].ActivationTime, cs: out[j].ChangesetID}.
			after(versionMeta{ts: out[i].ActivationTime, cs: out[i].ChangesetID})
	})
	return out, nil
}

// Partition reduction internals.

type attrPart struct {
	ci    CIID
	name  string
	layer LayerID
	head  []byte
}

type relPart struct {
	key   RelationKey
	layer LayerID
	head  []byte
}

func (tx *Tx) collectAttributeHeads(ctx context.Context, f AttributeFilter) ([]attrPart, error) {
	allowLayer := layerFilter(f.Layers)
	var names map[string]struct{}
	if f.Names != nil {
		names = make(map[string]struct{}, len(f.Names))
		for _, n := range f.Names {
			names[n] = struct{}{}
		}
	}
	allowName := func(name string) bool {
		if !strings.HasPrefix(name, f.NamePrefix) {
			return false
		}
		if names != nil {
			_, ok := names[name]
			return ok
		}
		return true
	}

	var parts []attrPart
	fromHead := func(key, val []byte) error {
		ci, name, layer, err := parseAttrHeadKey(key)
		if err != nil {
			return err
		}
		if allowLayer(layer) && allowName(name) {
			parts = append(parts, attrPart{ci: ci, name: name, layer: layer, head: val})
		}
		return nil
	}

	switch {
	case f.CIs != nil:
		for _, ci := range dedupeCIs(f.CIs) {
			if err := tx.scan(ctx, attrHeadScanPrefix(ci, f.NamePrefix), true, fromHead); err != nil {
				return nil, err
			}
		}
	case f.Layers != nil:
		for _, layer := range f.Layers {
			err := tx.scan(ctx, attrByLayerPrefix(layer), true, func(key, val []byte) error {
				l, ci, name, err := parseAttrByLayerKey(key)
				if err != nil {
					return err
				}
				if allowName(name) {
					parts = append(parts, attrPart{ci: ci, name: name, layer: l, head: val})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	default:
		if err := tx.scan(ctx, []byte{prefixAttrHead}, true, fromHead); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

func (tx *Tx) collectRelationHeads(ctx context.Context, f RelationFilter) ([]relPart, error) {
	allowLayer := layerFilter(f.Layers)
	allowFrom := ciFilter(f.From)
	allowTo := ciFilter(f.To)
	allowPred := stringFilter(f.Predicates)
	allow := func(k RelationKey, layer LayerID) bool {
		return allowLayer(layer) && allowFrom(k.From) && allowTo(k.To) && allowPred(k.Predicate)
	}

	var parts []relPart
	fromHead := func(key, val []byte) error {
		from, pred, to, layer, err := parseRelPartitionKey(key, prefixRelHead)
		if err != nil {
			return err
		}
		k := RelationKey{From: CIID(from), Predicate: pred, To: CIID(to)}
		if allow(k, layer) {
			parts = append(parts, relPart{key: k, layer: layer, head: val})
		}
		return nil
	}

	// Index scans yield partitions without head records; heads are fetched
	// once the iterator is closed.
	var pending []relPart
	switch {
	case f.From != nil:
		for _, ci := range dedupeCIs(f.From) {
			if err := tx.scan(ctx, relEndpointPrefix(prefixRelHead, ci), true, fromHead); err != nil {
				return nil, err
			}
		}
	case f.To != nil:
		for _, ci := range dedupeCIs(f.To) {
			err := tx.scan(ctx, relEndpointPrefix(prefixRelIncoming, ci), false, func(key, _ []byte) error {
				to, pred, from, layer, err := parseRelPartitionKey(key, prefixRelIncoming)
				if err != nil {
					return err
				}
				k := RelationKey{From: CIID(from), Predicate: pred, To: CIID(to)}
				if allow(k, layer) {
					pending = append(pending, relPart{key: k, layer: layer})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	case f.Layers != nil:
		for _, layer := range f.Layers {
			err := tx.scan(ctx, relByLayerPrefix(layer), false, func(key, _ []byte) error {
				l, k, err := parseRelByLayerKey(key)
				if err != nil {
					return err
				}
				if allow(k, l) {
					pending = append(pending, relPart{key: k, layer: l})
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	default:
		if err := tx.scan(ctx, []byte{prefixRelHead}, true, fromHead); err != nil {
			return nil, err
		}
	}

	for _, p := range pending {
		head, err := tx.get(relHeadKey(p.key, p.layer))
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, errors.Wrapf(ErrInvalidData, "relation index without head: %s", p.key)
		}
		p.head = head
		parts = append(parts, p)
	}
	return parts, nil
}

// resolveAttribute picks the partition's version at the threshold. A record
// that cannot be decoded becomes a version carrying Err, so only this key
// fails.
func (tx *Tx) resolveAttribute(ctx context.Context, p attrPart, at temporal.Threshold) (*AttributeVersion, error) {
	meta, payload, err := decodeRecord(p.head)
	if err != nil {
		return malformedAttribute(p, err), nil
	}
	if !at.Includes(meta.ts) {
		found := false
		var bad error
		err := tx.scan(ctx, attrVersionPrefix(p.ci, p.name, p.layer), true, func(_, val []byte) error {
			m, pl, err := decodeRecord(val)
			if err != nil {
				bad = err
				return errStopScan
			}
			if !at.Includes(m.ts) {
				return errStopScan
			}
			meta, payload, found = m, pl, true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if bad != nil {
			return malformedAttribute(p, bad), nil
		}
		if !found {
			return nil, nil
		}
	}
	return buildAttribute(p.ci, p.name, p.layer, meta, payload), nil
}

func malformedAttribute(p attrPart, err error) *AttributeVersion {
	return &AttributeVersion{
		CI:    p.ci,
		Name:  p.name,
		Layer: p.layer,
		Err:   errors.Wrapf(err, "attribute %s/%s in layer %d", p.ci, p.name, p.layer),
	}
}

func (tx *Tx) resolveRelation(ctx context.Context, p relPart, at temporal.Threshold) (*RelationVersion, error) {
	meta, payload, err := decodeRecord(p.head)
	if err != nil {
		return nil, errors.Wrapf(err, "relation head %s", p.key)
	}
	if !at.Includes(meta.ts) {
		found := false
		err := tx.scan(ctx, relVersionPrefix(p.key, p.layer), true, func(_, val []byte) error {
			m, pl, err := decodeRecord(val)
			if err != nil {
				return err
			}
			if !at.Includes(m.ts) {
				return errStopScan
			}
			meta, payload, found = m, pl, true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
	}
	return buildRelation(p.key, p.layer, meta, payload), nil
}

func buildAttribute(ci CIID, name string, layer LayerID, meta versionMeta, payload []byte) *AttributeVersion {
	v := &AttributeVersion{
		CI:             ci,
		Name:           name,
		Layer:          layer,
		State:          meta.state,
		ChangesetID:    meta.cs,
		ActivationTime: meta.ts,
	}
	value, err := DecodeValue(payload)
	if err != nil {
		v.Err = errors.Wrapf(err, "attribute %s/%s in layer %d", ci, name, layer)
	} else {
		v.Value = value
	}
	return v
}

func buildRelation(key RelationKey, layer LayerID, meta versionMeta, payload []byte) *RelationVersion {
	return &RelationVersion{
		ID:             string(bytes.Clone(payload)),
		From:           key.From,
		To:             key.To,
		Predicate:      key.Predicate,
		Layer:          layer,
		State:          meta.state,
		ChangesetID:    meta.cs,
		ActivationTime: meta.ts,
	}
}

func layerFilter(layers []LayerID) func(LayerID) bool {
	if layers == nil {
		return func(LayerID) bool { return true }
	}
	set := make(map[LayerID]struct{}, len(layers))
	for _, l := range layers {
		set[l] = struct{}{}
	}
	return func(l LayerID) bool {
		_, ok := set[l]
		return ok
	}
}

func ciFilter(ids []CIID) func(CIID) bool {
	if ids == nil {
		return func(CIID) bool { return true }
	}
	set := make(map[CIID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id CIID) bool {
		_, ok := set[id]
		return ok
	}
}

func stringFilter(values []string) func(string) bool {
	if values == nil {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return func(v string) bool {
		_, ok := set[v]
		return ok
	}
}

func dedupeCIs(ids []CIID) []CIID {
	seen := make(map[CIID]struct{}, len(ids))
	out := make([]CIID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
