// Package storage provides the append-only versioned fact store for StrataDB.
//
// StrataDB is a configuration-management database: a graph of configuration
// items (CIs) connected by typed relations, each carrying attributes. Every
// fact is versioned and partitioned across layers. The storage package knows
// nothing about merging layers; it persists versions and answers one kind of
// question efficiently:
//
//	"for each (key, layer) partition matching a filter, which version was the
//	 newest one activated at or before instant t?"
//
// Design Principles:
//   - Append-only: a logical update or removal is a new version row
//   - Transactional: every read and append goes through a Tx wrapping one
//     badger transaction, so multi-version writes commit atomically
//   - Materialised heads: the latest version of each partition is kept in a
//     head record so "latest" reads never scan history
//   - Explicit invalidation: committed transactions are published to
//     CommitListeners with the exact scopes they touched
//
// Example Usage:
//
//	store, err := storage.OpenInMemory()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	err = store.Update(ctx, func(tx *storage.Tx) error {
//		if err := tx.PutCI(&storage.CI{ID: "host-1", CreatedAt: time.Now()}); err != nil {
//			return err
//		}
//		return tx.AppendAttribute(&storage.AttributeVersion{
//			CI:             "host-1",
//			Name:           "hostname",
//			Layer:          1,
//			Value:          storage.Text("h123"),
//			State:          storage.StateNew,
//			ChangesetID:    cs.ID,
//			ActivationTime: cs.Timestamp,
//		})
//	})
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Common errors.
//
// The taxonomy maps onto the failure classes callers need to distinguish:
// ErrNotFound for references to missing CIs, layers, predicates or
// changesets; ErrInvalidOperation for requests that cannot be applied (such as
// removing a fact that never existed); ErrAlreadyExists for uniqueness
// violations at creation time; ErrConflict for optimistic transaction
// conflicts, which are transient and safe to retry by the caller;
// ErrDuplicateWrite when one changeset writes the same key twice.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrInvalidID         = errors.New("invalid id")
	ErrInvalidData       = errors.New("invalid data")
	ErrConflict          = errors.New("transaction conflict")
	ErrDuplicateWrite    = errors.New("key already written in this changeset")
	ErrMalformedValue    = errors.New("malformed stored value")
	ErrStorageClosed     = errors.New("storage closed")
	ErrTransactionClosed = errors.New("transaction already closed")
	ErrReadOnly          = errors.New("write in read-only transaction")
)

// CIID identifies a configuration item. CIs carry no data of their own; all
// meaning comes from attached attributes and relations.
type CIID string

// Validate checks that the id can be embedded in storage keys.
func (id CIID) Validate() error {
	if id == "" {
		return errors.Wrap(ErrInvalidID, "empty CI id")
	}
	if strings.IndexByte(string(id), 0) >= 0 {
		return errors.Wrapf(ErrInvalidID, "CI id %q contains NUL", string(id))
	}
	return nil
}

// LayerID identifies a layer. IDs are allocated from a store sequence and are
// never reused.
type LayerID uint64

// ChangesetID identifies a changeset. IDs are allocated from a store sequence.
type ChangesetID uint64

// State tags how a version relates to the layer-local history of its fact.
//
// Only the latest version's state within a (key, layer) partition matters for
// merging: Removed means the layer currently contributes nothing for the key,
// Renewed means the layer re-asserts the key after a prior removal.
type State uint8

// Version states.
const (
	StateNew State = iota
	StateChanged
	StateRemoved
	StateRenewed
)

var stateNames = [...]string{"new", "changed", "removed", "renewed"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsLive reports whether a version in this state contributes to merges.
func (s State) IsLive() bool {
	return s != StateRemoved
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, errors.Errorf("unknown state %d", uint8(s))
	}
	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState parses the lower-case state name produced by String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, errors.Errorf("unknown state %q", name)
}

// CI is the catalog record of a configuration item.
type CI struct {
	ID        CIID      `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// Layer is a named overlay. Layers are administrative configuration, not
// versioned facts: renaming is not supported, but the description and the
// enabled flag may change.
type Layer struct {
	ID          LayerID   `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Changeset groups every version written by one logical operation.
// Changesets are immutable once written.
type Changeset struct {
	ID        ChangesetID `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Author    string      `json:"author"`
}

// Predicate is a valid relation type. Wordings describe the relation as read
// from either end ("runs on" / "is running").
type Predicate struct {
	ID          string `json:"id"`
	WordingFrom string `json:"wordingFrom,omitempty"`
	WordingTo   string `json:"wordingTo,omitempty"`
}

// Validate checks that the predicate id can be embedded in storage keys.
func (p *Predicate) Validate() error {
	return ValidatePredicateID(p.ID)
}

// ValidatePredicateID checks a predicate identifier.
func ValidatePredicateID(id string) error {
	if id == "" {
		return errors.Wrap(ErrInvalidID, "empty predicate id")
	}
	if strings.IndexByte(id, 0) >= 0 {
		return errors.Wrapf(ErrInvalidID, "predicate %q contains NUL", id)
	}
	return nil
}

// ValidateAttributeName checks an attribute name.
func ValidateAttributeName(name string) error {
	if name == "" {
		return errors.Wrap(ErrInvalidData, "empty attribute name")
	}
	if strings.IndexByte(name, 0) >= 0 {
		return errors.Wrapf(ErrInvalidData, "attribute name %q contains NUL", name)
	}
	return nil
}

// AttributeVersion is one row of an attribute's version chain.
//
// Versions for the same (CI, Name, Layer) are totally ordered by
// (ActivationTime, ChangesetID). A Removed version carries the last live
// value so history views can show what was removed.
//
// Err is set instead of Value when the stored payload could not be decoded;
// callers treat such a version as a failure of its own key only.
type AttributeVersion struct {
	CI             CIID        `json:"ci"`
	Name           string      `json:"name"`
	Layer          LayerID     `json:"layer"`
	Value          Value       `json:"-"`
	State          State       `json:"state"`
	ChangesetID    ChangesetID `json:"changeset"`
	ActivationTime time.Time   `json:"activationTime"`

	Err error `json:"-"`
}

// Key returns the attribute's natural identity.
func (v *AttributeVersion) Key() AttributeKey {
	return AttributeKey{CI: v.CI, Name: v.Name}
}

// AttributeKey is the natural identity of an attribute, independent of layer.
type AttributeKey struct {
	CI   CIID
	Name string
}

// String implements fmt.Stringer.
func (k AttributeKey) String() string {
	return string(k.CI) + "/" + k.Name
}

// RelationKey is the natural identity of a relation, independent of layer.
type RelationKey struct {
	From      CIID   `json:"from"`
	Predicate string `json:"predicate"`
	To        CIID   `json:"to"`
}

// String implements fmt.Stringer.
func (k RelationKey) String() string {
	return string(k.From) + " -[" + k.Predicate + "]-> " + string(k.To)
}

// Validate checks that every component can be embedded in storage keys.
func (k RelationKey) Validate() error {
	if err := k.From.Validate(); err != nil {
		return err
	}
	if err := k.To.Validate(); err != nil {
		return err
	}
	return ValidatePredicateID(k.Predicate)
}

// RelationVersion is one row of a relation's version chain. Versions for the
// same (From, Predicate, To, Layer) are totally ordered by
// (ActivationTime, ChangesetID).
type RelationVersion struct {
	ID             string      `json:"id"`
	From           CIID        `json:"from"`
	To             CIID        `json:"to"`
	Predicate      string      `json:"predicate"`
	Layer          LayerID     `json:"layer"`
	State          State       `json:"state"`
	ChangesetID    ChangesetID `json:"changeset"`
	ActivationTime time.Time   `json:"activationTime"`
}

// Key returns the relation's natural identity.
func (v *RelationVersion) Key() RelationKey {
	return RelationKey{From: v.From, Predicate: v.Predicate, To: v.To}
}

// TouchKind classifies the scope a transaction wrote to.
type TouchKind uint8

// Touch kinds.
const (
	TouchAttribute TouchKind = iota + 1
	TouchRelation
	TouchCI
)

// String implements fmt.Stringer.
func (k TouchKind) String() string {
	switch k {
	case TouchAttribute:
		return "attribute"
	case TouchRelation:
		return "relation"
	case TouchCI:
		return "ci"
	default:
		return fmt.Sprintf("touch(%d)", uint8(k))
	}
}

// Touch records one (kind, CI, layer) scope written by a transaction. TouchCI
// entries have no layer.
type Touch struct {
	Kind  TouchKind
	CI    CIID
	Layer LayerID
}

// CommitEvent describes a committed write transaction.
type CommitEvent struct {
	// Seq is the store-wide commit sequence number assigned to the commit.
	Seq uint64
	// Touched lists every scope the transaction appended to.
	Touched []Touch
	// Changesets lists changesets created inside the transaction.
	Changesets []*Changeset
	// Layers lists layers created inside the transaction.
	Layers []*Layer
	// LayerUpdates lists layers reconfigured inside the transaction.
	LayerUpdates []*Layer
	// CommittedAt is the wall-clock time of the commit.
	CommittedAt time.Time
}

// CommitListener is notified synchronously after every successful commit of
// a write transaction, before Commit returns to its caller.
type CommitListener interface {
	OnCommit(event CommitEvent)
}

// CommitListenerFunc adapts a function to CommitListener.
type CommitListenerFunc func(event CommitEvent)

// OnCommit implements CommitListener.
func (f CommitListenerFunc) OnCommit(event CommitEvent) { f(event) }
