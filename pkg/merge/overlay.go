package merge

import (
	"log/slog"
	"sort"

	"github.com/orneryd/stratadb/pkg/storage"
)

// pick performs the cross-layer overlay for the per-layer versions of one
// key. Versions from layers outside the query's set are ignored. The
// returned stack lists the layers holding a live version, in precedence
// order. ok is false when the key is absent from the merged view.
func pick[V any](versions []V, layerOf func(V) storage.LayerID, stateOf func(V) storage.State, q Query) (winner V, stack []storage.LayerID, ok bool) {
	n := q.Layers.Len()
	if n == 0 || len(versions) == 0 {
		return winner, nil, false
	}

	slots := make([]*V, n)
	for i := range versions {
		pos := q.Layers.Position(layerOf(versions[i]))
		if pos < 0 {
			continue
		}
		slots[pos] = &versions[i]
	}

	var first, firstLive *V
	for _, v := range slots {
		if v == nil {
			continue
		}
		if first == nil {
			first = v
		}
		if stateOf(*v).IsLive() {
			if firstLive == nil {
				firstLive = v
			}
			stack = append(stack, layerOf(*v))
		}
	}

	switch {
	case q.IncludeRemoved && first != nil:
		return *first, stack, true
	case firstLive != nil:
		return *firstLive, stack, true
	default:
		return winner, nil, false
	}
}

func attrLayer(v *storage.AttributeVersion) storage.LayerID { return v.Layer }
func attrState(v *storage.AttributeVersion) storage.State   { return v.State }
func relLayer(v *storage.RelationVersion) storage.LayerID   { return v.Layer }
func relState(v *storage.RelationVersion) storage.State     { return v.State }

func pickAttribute(versions []*storage.AttributeVersion, q Query) (*storage.AttributeVersion, []storage.LayerID) {
	w, stack, ok := pick(versions, attrLayer, attrState, q)
	if !ok {
		return nil, nil
	}
	return w, stack
}

func pickRelation(versions []*storage.RelationVersion, q Query) (*storage.RelationVersion, []storage.LayerID) {
	w, stack, ok := pick(versions, relLayer, relState, q)
	if !ok {
		return nil, nil
	}
	return w, stack
}

func newMergedAttribute(v *storage.AttributeVersion, stack []storage.LayerID) *MergedAttribute {
	return &MergedAttribute{
		CI:             v.CI,
		Name:           v.Name,
		Value:          v.Value,
		State:          v.State,
		Layer:          v.Layer,
		ChangesetID:    v.ChangesetID,
		ActivationTime: v.ActivationTime,
		LayerStack:     stack,
	}
}

func newMergedRelation(v *storage.RelationVersion, stack []storage.LayerID) *MergedRelation {
	return &MergedRelation{
		ID:             v.ID,
		From:           v.From,
		To:             v.To,
		Predicate:      v.Predicate,
		State:          v.State,
		Layer:          v.Layer,
		ChangesetID:    v.ChangesetID,
		ActivationTime: v.ActivationTime,
		LayerStack:     stack,
	}
}

// overlayAttributes groups per-layer versions by key and overlays each
// group. Keys whose winner is malformed become failures.
func overlayAttributes(versions []*storage.AttributeVersion, q Query, logger *slog.Logger) *AttributeResult {
	res := &AttributeResult{Attributes: make(map[storage.CIID]map[string]*MergedAttribute)}

	groups := make(map[storage.AttributeKey][]*storage.AttributeVersion)
	for _, v := range versions {
		k := v.Key()
		groups[k] = append(groups[k], v)
	}

	for k, group := range groups {
		w, stack := pickAttribute(group, q)
		if w == nil {
			continue
		}
		if w.Err != nil {
			malformedKeys.Inc()
			logger.Warn("skipping malformed attribute",
				slog.String("ci", string(k.CI)),
				slog.String("name", k.Name),
				slog.Uint64("layer", uint64(w.Layer)),
				slog.Any("error", w.Err))
			res.Failures = append(res.Failures, KeyFailure{CI: k.CI, Name: k.Name, Layer: w.Layer, Err: w.Err})
			continue
		}
		m := res.Attributes[k.CI]
		if m == nil {
			m = make(map[string]*MergedAttribute)
			res.Attributes[k.CI] = m
		}
		m[k.Name] = newMergedAttribute(w, stack)
	}

	sort.Slice(res.Failures, func(i, j int) bool {
		a, b := res.Failures[i], res.Failures[j]
		if a.CI != b.CI {
			return a.CI < b.CI
		}
		return a.Name < b.Name
	})
	return res
}

// overlayRelations groups per-layer relation versions by key, overlays each
// group and orders the result by (From, Predicate, To).
func overlayRelations(versions []*storage.RelationVersion, q Query) []*MergedRelation {
	groups := make(map[storage.RelationKey][]*storage.RelationVersion)
	for _, v := range versions {
		k := v.Key()
		groups[k] = append(groups[k], v)
	}
	var out []*MergedRelation
	for _, group := range groups {
		if w, stack := pickRelation(group, q); w != nil {
			out = append(out, newMergedRelation(w, stack))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return lessRelation(out[i].Key(), out[j].Key())
	})
	return out
}
