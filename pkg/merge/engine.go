package merge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
)

// Engine computes merged views directly from the store.
type Engine struct {
	logger *slog.Logger
}

var _ Reader = (*Engine)(nil)

// NewEngine creates an engine. A nil logger discards output.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{logger: logger.With(slog.String("component", "merge"))}
}

// ============================================================================
// Phase 1: per-layer reduction
// ============================================================================

// LayerAttribute returns the current version of one attribute partition in
// a single layer, Removed versions included, or nil.
func (e *Engine) LayerAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, l storage.LayerID) (*storage.AttributeVersion, error) {
	return tx.AttributeAt(ctx, ci, name, l, temporal.Latest())
}

// LayerRelation returns the current version of one relation partition in a
// single layer, or nil.
func (e *Engine) LayerRelation(ctx context.Context, tx *storage.Tx, key storage.RelationKey, l storage.LayerID) (*storage.RelationVersion, error) {
	return tx.RelationAt(ctx, key, l, temporal.Latest())
}

// LayerAttributes returns the current version of every attribute partition
// of one layer within the selection.
func (e *Engine) LayerAttributes(ctx context.Context, tx *storage.Tx, l storage.LayerID, sel AttributeSelection) ([]*storage.AttributeVersion, error) {
	return tx.LatestAttributes(ctx, storage.AttributeFilter{
		CIs:        sel.CIs,
		Names:      sel.Names,
		NamePrefix: sel.NamePrefix,
		Layers:     []storage.LayerID{l},
	}, temporal.Latest())
}

// LayerRelations returns the current version of every relation partition of
// one layer within the selection.
func (e *Engine) LayerRelations(ctx context.Context, tx *storage.Tx, l storage.LayerID, sel RelationSelection) ([]*storage.RelationVersion, error) {
	return tx.LatestRelations(ctx, storage.RelationFilter{
		From:       sel.From,
		To:         sel.To,
		Predicates: sel.Predicates,
		Layers:     []storage.LayerID{l},
	}, temporal.Latest())
}

// ============================================================================
// Attributes
// ============================================================================

// GetMergedAttribute returns the merged view of one attribute, or nil when no
// layer of the set defines it. A malformed winning value is returned as an
// ErrMalformedValue error.
func (e *Engine) GetMergedAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, q Query) (_ *MergedAttribute, err error) {
	ctx, finish := startSpan(ctx, "attribute", q)
	defer func() { finish(err) }()

	versions := make([]*storage.AttributeVersion, 0, q.Layers.Len())
	for _, l := range q.Layers.IDs() {
		v, err := tx.AttributeAt(ctx, ci, name, l, q.At)
		if err != nil {
			return nil, err
		}
		if v != nil {
			versions = append(versions, v)
		}
	}
	w, stack := pickAttribute(versions, q)
	if w == nil {
		return nil, nil
	}
	if w.Err != nil {
		malformedKeys.Inc()
		return nil, w.Err
	}
	return newMergedAttribute(w, stack), nil
}

// GetMergedAttributes returns the merged view of every attribute within the
// selection. Keys whose winning value is malformed are reported in Failures
// and do not fail the batch.
func (e *Engine) GetMergedAttributes(ctx context.Context, tx *storage.Tx, sel AttributeSelection, q Query) (_ *AttributeResult, err error) {
	ctx, finish := startSpan(ctx, "attributes", q)
	defer func() { finish(err) }()
	return e.mergeAttributes(ctx, tx, sel, q)
}

func (e *Engine) mergeAttributes(ctx context.Context, tx *storage.Tx, sel AttributeSelection, q Query) (*AttributeResult, error) {
	if q.Layers.IsEmpty() {
		return &AttributeResult{Attributes: make(map[storage.CIID]map[string]*MergedAttribute)}, nil
	}

	versions, err := tx.LatestAttributes(ctx, storage.AttributeFilter{
		CIs:        sel.CIs,
		Names:      sel.Names,
		NamePrefix: sel.NamePrefix,
		Layers:     q.Layers.IDs(),
	}, q.At)
	if err != nil {
		return nil, err
	}

	return overlayAttributes(versions, q, e.logger), nil
}

// ============================================================================
// Composed CI views
// ============================================================================

// GetMergedCI returns every merged attribute of one CI. It fails with
// ErrNotFound when the CI does not exist; a CI without visible attributes
// yields an empty view.
func (e *Engine) GetMergedCI(ctx context.Context, tx *storage.Tx, ci storage.CIID, q Query) (_ *MergedCI, err error) {
	ctx, finish := startSpan(ctx, "ci", q)
	defer func() { finish(err) }()

	ok, err := tx.HasCI(ci)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(storage.ErrNotFound, "ci %s", ci)
	}
	res, err := e.mergeAttributes(ctx, tx, AttributeSelection{CIs: []storage.CIID{ci}}, q)
	if err != nil {
		return nil, err
	}
	return composeCI(ci, res), nil
}

// GetMergedCIs returns composed views for the given CIs, or for every CI
// when cis is nil, ordered by id.
func (e *Engine) GetMergedCIs(ctx context.Context, tx *storage.Tx, cis []storage.CIID, q Query) (_ *CIResult, err error) {
	ctx, finish := startSpan(ctx, "cis", q)
	defer func() { finish(err) }()

	var ids []storage.CIID
	if cis == nil {
		all, err := tx.ListCIs(ctx)
		if err != nil {
			return nil, err
		}
		ids = make([]storage.CIID, 0, len(all))
		for _, c := range all {
			ids = append(ids, c.ID)
		}
	} else {
		ids = dedupe(cis)
		for _, id := range ids {
			ok, err := tx.HasCI(id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, errors.Wrapf(storage.ErrNotFound, "ci %s", id)
			}
		}
	}

	// A nil selection scans every partition once instead of seeking per CI.
	sel := AttributeSelection{CIs: cis}
	res, err := e.mergeAttributes(ctx, tx, sel, q)
	if err != nil {
		return nil, err
	}
	out := &CIResult{CIs: make([]*MergedCI, 0, len(ids))}
	for _, id := range ids {
		out.CIs = append(out.CIs, composeCI(id, res))
	}
	return out, nil
}

func composeCI(id storage.CIID, res *AttributeResult) *MergedCI {
	c := &MergedCI{ID: id, Attributes: res.Attributes[id]}
	if c.Attributes == nil {
		c.Attributes = make(map[string]*MergedAttribute)
	}
	for _, f := range res.Failures {
		if f.CI == id {
			c.Failures = append(c.Failures, f)
		}
	}
	return c
}

func dedupe(ids []storage.CIID) []storage.CIID {
	out := make([]storage.CIID, 0, len(ids))
	seen := make(map[storage.CIID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// Relations
// ============================================================================

// GetMergedRelation returns the merged view of one relation, or nil.
func (e *Engine) GetMergedRelation(ctx context.Context, tx *storage.Tx, key storage.RelationKey, q Query) (_ *MergedRelation, err error) {
	ctx, finish := startSpan(ctx, "relation", q)
	defer func() { finish(err) }()

	versions := make([]*storage.RelationVersion, 0, q.Layers.Len())
	for _, l := range q.Layers.IDs() {
		v, err := tx.RelationAt(ctx, key, l, q.At)
		if err != nil {
			return nil, err
		}
		if v != nil {
			versions = append(versions, v)
		}
	}
	w, stack := pickRelation(versions, q)
	if w == nil {
		return nil, nil
	}
	return newMergedRelation(w, stack), nil
}

// GetMergedRelations returns the merged view of every relation within the
// selection, ordered by (From, Predicate, To).
func (e *Engine) GetMergedRelations(ctx context.Context, tx *storage.Tx, sel RelationSelection, q Query) (_ *RelationResult, err error) {
	ctx, finish := startSpan(ctx, "relations", q)
	defer func() { finish(err) }()

	res := &RelationResult{}
	if q.Layers.IsEmpty() {
		return res, nil
	}
	versions, err := tx.LatestRelations(ctx, storage.RelationFilter{
		From:       sel.From,
		To:         sel.To,
		Predicates: sel.Predicates,
		Layers:     q.Layers.IDs(),
	}, q.At)
	if err != nil {
		return nil, err
	}

	res.Relations = overlayRelations(versions, q)
	return res, nil
}

func lessRelation(a, b storage.RelationKey) bool {
	if a.From != b.From {
		return a.From < b.From
	}
	if a.Predicate != b.Predicate {
		return a.Predicate < b.Predicate
	}
	return a.To < b.To
}
