// Package merge computes merged views over layered, versioned facts.
//
// A merged view answers "what is the value of this key?" for one layer set
// at one point in time. It is computed in two phases:
//
//  1. Per-layer reduction: for every (key, layer) partition, the newest
//     version activated at or before the threshold. The store answers this
//     directly (heads for Latest, chain scans for historical thresholds).
//  2. Cross-layer overlay: layers outside the set are dropped, Removed
//     layers are dropped unless IncludeRemoved is set, and the
//     highest-precedence remaining layer wins.
//
// Removing a key from a high-precedence layer therefore lets a lower layer's
// live value shine through, instead of hiding the key.
//
// The Engine is read-only and holds no state. Cache and authorization
// decorators implement the same Reader interface and wrap it.
package merge

import (
	"context"
	"sort"
	"time"

	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
)

// NameAttribute is the attribute holding a CI's display name.
const NameAttribute = "__name"

// Query selects the layer set and point in time of a merged read.
type Query struct {
	// Layers in precedence order, highest first.
	Layers layer.Set
	// At is the time threshold. The zero value is Latest.
	At temporal.Threshold
	// IncludeRemoved surfaces the highest-precedence version even when it
	// is Removed.
	IncludeRemoved bool
}

// MergedAttribute is the authoritative version of one attribute for a
// query, plus the layers that hold a live version of it.
type MergedAttribute struct {
	CI             storage.CIID
	Name           string
	Value          storage.Value
	State          storage.State
	Layer          storage.LayerID
	ChangesetID    storage.ChangesetID
	ActivationTime time.Time
	// LayerStack lists every layer of the query's set with a live version,
	// most significant first.
	LayerStack []storage.LayerID
}

// Key returns the attribute's natural identity.
func (a *MergedAttribute) Key() storage.AttributeKey {
	return storage.AttributeKey{CI: a.CI, Name: a.Name}
}

// MergedRelation is the authoritative version of one relation for a query.
type MergedRelation struct {
	ID             string
	From           storage.CIID
	To             storage.CIID
	Predicate      string
	State          storage.State
	Layer          storage.LayerID
	ChangesetID    storage.ChangesetID
	ActivationTime time.Time
	LayerStack     []storage.LayerID
}

// Key returns the relation's natural identity.
func (r *MergedRelation) Key() storage.RelationKey {
	return storage.RelationKey{From: r.From, Predicate: r.Predicate, To: r.To}
}

// KeyFailure reports a key whose winning version could not be decoded.
type KeyFailure struct {
	CI    storage.CIID
	Name  string
	Layer storage.LayerID
	Err   error
}

// MergedCI is a composed view of every merged attribute of one CI.
type MergedCI struct {
	ID         storage.CIID
	Attributes map[string]*MergedAttribute
	Failures   []KeyFailure
}

// Name returns the text value of the __name attribute, or "".
func (c *MergedCI) Name() string {
	if a, ok := c.Attributes[NameAttribute]; ok {
		if t, ok := a.Value.(storage.Text); ok {
			return string(t)
		}
	}
	return ""
}

// AttributeNames returns the merged attribute names in sorted order.
func (c *MergedCI) AttributeNames() []string {
	names := make([]string, 0, len(c.Attributes))
	for n := range c.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AttributeSelection restricts a batched attribute read. Nil slices are
// unrestricted.
type AttributeSelection struct {
	CIs        []storage.CIID
	Names      []string
	NamePrefix string
}

// RelationSelection restricts a batched relation read. Restrictions are
// conjunctive; nil slices are unrestricted.
type RelationSelection struct {
	From       []storage.CIID
	To         []storage.CIID
	Predicates []string
}

// AttributeResult is the batched attribute view.
type AttributeResult struct {
	Attributes map[storage.CIID]map[string]*MergedAttribute
	Failures   []KeyFailure
}

// Get returns one merged attribute or nil.
func (r *AttributeResult) Get(ci storage.CIID, name string) *MergedAttribute {
	return r.Attributes[ci][name]
}

// Len returns the number of merged attributes.
func (r *AttributeResult) Len() int {
	n := 0
	for _, m := range r.Attributes {
		n += len(m)
	}
	return n
}

// RelationResult is the batched relation view, ordered by natural identity.
type RelationResult struct {
	Relations []*MergedRelation
}

// CIResult is the batched composed CI view, ordered by CI id.
type CIResult struct {
	CIs []*MergedCI
}

// Reader is the merged-view interface shared by the engine and its
// decorators. A nil result with a nil error means the key is absent.
type Reader interface {
	GetMergedAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, q Query) (*MergedAttribute, error)
	GetMergedAttributes(ctx context.Context, tx *storage.Tx, sel AttributeSelection, q Query) (*AttributeResult, error)
	GetMergedCI(ctx context.Context, tx *storage.Tx, ci storage.CIID, q Query) (*MergedCI, error)
	GetMergedCIs(ctx context.Context, tx *storage.Tx, cis []storage.CIID, q Query) (*CIResult, error)
	GetMergedRelation(ctx context.Context, tx *storage.Tx, key storage.RelationKey, q Query) (*MergedRelation, error)
	GetMergedRelations(ctx context.Context, tx *storage.Tx, sel RelationSelection, q Query) (*RelationResult, error)
}
