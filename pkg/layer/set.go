// Package layer manages StrataDB layers and layer sets.
//
// A layer is a named overlay of facts. A Set is an ordered, duplicate-free
// selection of layers for one query: index 0 has the highest precedence.
// Two sets with the same members in a different order are different sets
// and produce different merged views.
//
// Example Usage:
//
//	registry := layer.NewRegistry(store, logger)
//
//	err := store.Update(ctx, func(tx *storage.Tx) error {
//		_, err := registry.CreateLayer(ctx, tx, "discovery", "facts found by scanners")
//		return err
//	})
//
//	err = store.View(ctx, func(tx *storage.Tx) error {
//		set, err := registry.BuildLayerSet(tx, "manual", "discovery")
//		if err != nil {
//			return err
//		}
//		// "manual" overrides "discovery"
//		fmt.Println(set.Key())
//		return nil
//	})
package layer

import (
	"strconv"
	"strings"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// Set is an ordered sequence of distinct layer ids, highest precedence
// first. The zero value is the empty set.
type Set struct {
	ids []storage.LayerID
}

// NewSet builds a set from ids in precedence order. Duplicate or zero ids are
// rejected with ErrInvalidOperation.
func NewSet(ids ...storage.LayerID) (Set, error) {
	seen := make(map[storage.LayerID]struct{}, len(ids))
	out := make([]storage.LayerID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			return Set{}, errors.Wrap(storage.ErrInvalidOperation, "layer set contains layer 0")
		}
		if _, dup := seen[id]; dup {
			return Set{}, errors.Wrapf(storage.ErrInvalidOperation, "layer %d appears twice in layer set", id)
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return Set{ids: out}, nil
}

// MustSet is NewSet for statically known ids. It panics on invalid input.
func MustSet(ids ...storage.LayerID) Set {
	s, err := NewSet(ids...)
	if err != nil {
		panic(err)
	}
	return s
}

// IDs returns a copy of the ids in precedence order.
func (s Set) IDs() []storage.LayerID {
	out := make([]storage.LayerID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Len returns the number of layers.
func (s Set) Len() int { return len(s.ids) }

// IsEmpty reports whether the set has no layers.
func (s Set) IsEmpty() bool { return len(s.ids) == 0 }

// At returns the layer at precedence position i.
func (s Set) At(i int) storage.LayerID { return s.ids[i] }

// Position returns the precedence index of id, or -1 if absent.
func (s Set) Position(id storage.LayerID) int {
	for i, l := range s.ids {
		if l == id {
			return i
		}
	}
	return -1
}

// Contains reports whether id is a member.
func (s Set) Contains(id storage.LayerID) bool {
	return s.Position(id) >= 0
}

// Equal reports whether two sets have the same members in the same order.
func (s Set) Equal(o Set) bool {
	if len(s.ids) != len(o.ids) {
		return false
	}
	for i := range s.ids {
		if s.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}

// Key returns an order-sensitive string identifying the set, suitable as a
// cache key component.
func (s Set) Key() string {
	var b strings.Builder
	for i, id := range s.ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}

// String implements fmt.Stringer.
func (s Set) String() string {
	return "[" + s.Key() + "]"
}
