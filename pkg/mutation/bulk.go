package mutation

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// AttributeFact is one desired attribute value.
type AttributeFact struct {
	CI    storage.CIID
	Name  string
	Value storage.Value
}

// Key returns the fact's natural identity.
func (f AttributeFact) Key() storage.AttributeKey {
	return storage.AttributeKey{CI: f.CI, Name: f.Name}
}

// AttributeScope bounds a bulk attribute replacement. An empty CIs list
// covers every CI of the layer; NamePrefix restricts attribute names.
type AttributeScope struct {
	CIs        []storage.CIID
	NamePrefix string
}

func (s AttributeScope) contains(k storage.AttributeKey) bool {
	if len(s.CIs) > 0 && !containsCI(s.CIs, k.CI) {
		return false
	}
	return strings.HasPrefix(k.Name, s.NamePrefix)
}

// RelationScope bounds a bulk relation replacement. The filters are
// conjunctive; an empty filter is unrestricted.
type RelationScope struct {
	Predicates []string
	FromCIs    []storage.CIID
	ToCIs      []storage.CIID
}

func (s RelationScope) contains(k storage.RelationKey) bool {
	if len(s.Predicates) > 0 {
		found := false
		for _, p := range s.Predicates {
			if p == k.Predicate {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.FromCIs) > 0 && !containsCI(s.FromCIs, k.From) {
		return false
	}
	return len(s.ToCIs) == 0 || containsCI(s.ToCIs, k.To)
}

// BulkResult summarises a bulk replacement.
type BulkResult struct {
	// Changeset shared by every append, nil when nothing changed.
	Changeset  *storage.Changeset
	Attributes []*storage.AttributeVersion
	Relations  []*storage.RelationVersion

	Created   int
	Changed   int
	Renewed   int
	Removed   int
	Unchanged int
}

// Modified reports whether anything was appended.
func (r *BulkResult) Modified() bool {
	return len(r.Attributes) > 0 || len(r.Relations) > 0
}

// Merge adds the counts and versions of o into r.
func (r *BulkResult) Merge(o *BulkResult) {
	if r.Changeset == nil {
		r.Changeset = o.Changeset
	}
	r.Attributes = append(r.Attributes, o.Attributes...)
	r.Relations = append(r.Relations, o.Relations...)
	r.Created += o.Created
	r.Changed += o.Changed
	r.Renewed += o.Renewed
	r.Removed += o.Removed
	r.Unchanged += o.Unchanged
}

func (r *BulkResult) count(s storage.State) {
	switch s {
	case storage.StateNew:
		r.Created++
	case storage.StateChanged:
		r.Changed++
	case storage.StateRenewed:
		r.Renewed++
	case storage.StateRemoved:
		r.Removed++
	}
}

// BulkReplaceAttributes makes the layer's live attributes within scope equal
// to desired: missing or removed facts are inserted, differing ones changed,
// and live facts absent from desired are removed. Validation, including
// scope membership and duplicate detection, completes before the first
// append. All appends share one changeset.
func (p *Protocol) BulkReplaceAttributes(ctx context.Context, tx *storage.Tx, scope AttributeScope, desired []AttributeFact, layerID storage.LayerID, proxy *changeset.Proxy) (_ *BulkResult, err error) {
	ctx, finish := startSpan(ctx, "BulkReplaceAttributes", layerID)
	defer func() { finish(err) }()

	if _, err := p.registry.WritableLayer(tx, layerID); err != nil {
		return nil, err
	}
	if err := requireCIs(tx, scope.CIs...); err != nil {
		return nil, err
	}

	want := make(map[storage.AttributeKey]storage.Value, len(desired))
	cis := make(map[storage.CIID]struct{})
	for _, f := range desired {
		if err := validateAttribute(f.CI, f.Name, f.Value); err != nil {
			return nil, err
		}
		k := f.Key()
		if !scope.contains(k) {
			return nil, errors.Wrapf(storage.ErrInvalidOperation, "attribute %s outside replacement scope", k)
		}
		if prev, ok := want[k]; ok {
			if !storage.ValuesEqual(prev, f.Value) {
				return nil, errors.Wrapf(ErrDuplicateFact, "attribute %s", k)
			}
			continue
		}
		want[k] = f.Value
		cis[f.CI] = struct{}{}
	}
	for ci := range cis {
		if err := requireCIs(tx, ci); err != nil {
			return nil, err
		}
	}

	sel := merge.AttributeSelection{NamePrefix: scope.NamePrefix}
	if len(scope.CIs) > 0 {
		sel.CIs = scope.CIs
	}
	current, err := p.engine.LayerAttributes(ctx, tx, layerID, sel)
	if err != nil {
		return nil, err
	}
	have := make(map[storage.AttributeKey]*storage.AttributeVersion, len(current))
	for _, v := range current {
		have[v.Key()] = v
	}

	type step struct {
		key   storage.AttributeKey
		value storage.Value
		state storage.State
	}
	var plan []step
	res := &BulkResult{}
	for k, value := range want {
		state, changed := insertState(have[k], value)
		if !changed {
			res.Unchanged++
			continue
		}
		plan = append(plan, step{key: k, value: value, state: state})
	}
	for k, v := range have {
		if _, ok := want[k]; ok || !v.State.IsLive() {
			continue
		}
		if v.Err != nil {
			return nil, v.Err
		}
		plan = append(plan, step{key: k, value: v.Value, state: storage.StateRemoved})
	}
	sort.Slice(plan, func(i, j int) bool {
		a, b := plan[i].key, plan[j].key
		if a.CI != b.CI {
			return a.CI < b.CI
		}
		return a.Name < b.Name
	})

	for _, s := range plan {
		v, err := p.appendAttribute(ctx, tx, proxy, s.key.CI, s.key.Name, layerID, s.value, s.state)
		if err != nil {
			return nil, err
		}
		res.Attributes = append(res.Attributes, v)
		res.count(s.state)
	}
	if len(plan) > 0 {
		res.Changeset = proxy.Current()
	}
	noopsTotal.WithLabelValues(kindAttribute).Add(float64(res.Unchanged))
	p.logger.Info("attributes replaced",
		slog.Uint64("layer", uint64(layerID)),
		slog.Int("created", res.Created),
		slog.Int("changed", res.Changed),
		slog.Int("renewed", res.Renewed),
		slog.Int("removed", res.Removed),
		slog.Int("unchanged", res.Unchanged))
	return res, nil
}

// BulkReplaceRelations makes the layer's live relations within scope equal
// to desired. Identical duplicates in desired collapse.
func (p *Protocol) BulkReplaceRelations(ctx context.Context, tx *storage.Tx, scope RelationScope, desired []storage.RelationKey, layerID storage.LayerID, proxy *changeset.Proxy) (_ *BulkResult, err error) {
	ctx, finish := startSpan(ctx, "BulkReplaceRelations", layerID)
	defer func() { finish(err) }()

	if _, err := p.registry.WritableLayer(tx, layerID); err != nil {
		return nil, err
	}
	for _, pred := range scope.Predicates {
		if _, err := tx.GetPredicate(pred); err != nil {
			return nil, err
		}
	}
	if err := requireCIs(tx, scope.FromCIs...); err != nil {
		return nil, err
	}
	if err := requireCIs(tx, scope.ToCIs...); err != nil {
		return nil, err
	}

	want := make(map[storage.RelationKey]struct{}, len(desired))
	preds := make(map[string]struct{})
	cis := make(map[storage.CIID]struct{})
	for _, k := range desired {
		if err := k.Validate(); err != nil {
			return nil, err
		}
		if !scope.contains(k) {
			return nil, errors.Wrapf(storage.ErrInvalidOperation, "relation %s outside replacement scope", k)
		}
		want[k] = struct{}{}
		preds[k.Predicate] = struct{}{}
		cis[k.From] = struct{}{}
		cis[k.To] = struct{}{}
	}
	for pred := range preds {
		if _, err := tx.GetPredicate(pred); err != nil {
			return nil, err
		}
	}
	for ci := range cis {
		if err := requireCIs(tx, ci); err != nil {
			return nil, err
		}
	}

	sel := merge.RelationSelection{}
	if len(scope.Predicates) > 0 {
		sel.Predicates = scope.Predicates
	}
	if len(scope.FromCIs) > 0 {
		sel.From = scope.FromCIs
	}
	if len(scope.ToCIs) > 0 {
		sel.To = scope.ToCIs
	}
	current, err := p.engine.LayerRelations(ctx, tx, layerID, sel)
	if err != nil {
		return nil, err
	}
	have := make(map[storage.RelationKey]*storage.RelationVersion, len(current))
	for _, v := range current {
		have[v.Key()] = v
	}

	type step struct {
		key   storage.RelationKey
		state storage.State
	}
	var plan []step
	res := &BulkResult{}
	for k := range want {
		prior := have[k]
		switch {
		case prior == nil:
			plan = append(plan, step{key: k, state: storage.StateNew})
		case !prior.State.IsLive():
			plan = append(plan, step{key: k, state: storage.StateRenewed})
		default:
			res.Unchanged++
		}
	}
	for k, v := range have {
		if _, ok := want[k]; ok || !v.State.IsLive() {
			continue
		}
		plan = append(plan, step{key: k, state: storage.StateRemoved})
	}
	sort.Slice(plan, func(i, j int) bool {
		a, b := plan[i].key, plan[j].key
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Predicate != b.Predicate {
			return a.Predicate < b.Predicate
		}
		return a.To < b.To
	})

	for _, s := range plan {
		v, err := p.appendRelation(ctx, tx, proxy, s.key, layerID, s.state)
		if err != nil {
			return nil, err
		}
		res.Relations = append(res.Relations, v)
		res.count(s.state)
	}
	if len(plan) > 0 {
		res.Changeset = proxy.Current()
	}
	noopsTotal.WithLabelValues(kindRelation).Add(float64(res.Unchanged))
	p.logger.Info("relations replaced",
		slog.Uint64("layer", uint64(layerID)),
		slog.Int("created", res.Created),
		slog.Int("renewed", res.Renewed),
		slog.Int("removed", res.Removed),
		slog.Int("unchanged", res.Unchanged))
	return res, nil
}

func containsCI(ids []storage.CIID, id storage.CIID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
