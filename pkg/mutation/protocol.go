// Package mutation turns insert, remove and bulk-replace requests into
// appended versions inside one layer.
//
// Every write reads the layer-local current version of its key first and
// decides the new state from it:
//
//	prior          insert            remove
//	none           New               ErrInvalidOperation
//	Removed        Renewed           no-op
//	live, equal    no-op             Removed
//	live, differs  Changed           Removed
//
// Reads and appends share the caller's transaction. The partition head read
// by the decision is rewritten by the append, so two transactions writing
// the same key in the same layer conflict at commit instead of losing an
// update. No-ops append nothing and, because changesets are obtained lazily
// through a changeset.Proxy, leave no changeset behind.
//
// A partition can be written at most once per changeset.
package mutation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// ErrDuplicateFact is returned by bulk replacements whose desired set names
// one key twice with different values.
var ErrDuplicateFact = errors.New("duplicate fact in desired set")

const (
	kindAttribute = "attribute"
	kindRelation  = "relation"
)

// Protocol applies mutations. It is safe for concurrent use; all state lives
// in the transactions passed to it.
type Protocol struct {
	engine   *merge.Engine
	registry *layer.Registry
	logger   *slog.Logger
	newID    func() string
}

// NewProtocol creates a protocol. A nil logger discards output.
func NewProtocol(engine *merge.Engine, registry *layer.Registry, logger *slog.Logger) *Protocol {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Protocol{
		engine:   engine,
		registry: registry,
		logger:   logger.With(slog.String("component", "mutation")),
		newID:    uuid.NewString,
	}
}

// ============================================================================
// Attributes
// ============================================================================

// InsertAttribute sets an attribute's value in one layer. It returns the
// appended version and true, or the unchanged current version and false
// when the layer already holds an equal live value.
func (p *Protocol) InsertAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, value storage.Value, layerID storage.LayerID, proxy *changeset.Proxy) (_ *storage.AttributeVersion, _ bool, err error) {
	ctx, finish := startSpan(ctx, "InsertAttribute", layerID)
	defer func() { finish(err) }()

	if err := validateAttribute(ci, name, value); err != nil {
		return nil, false, err
	}
	if _, err := p.registry.WritableLayer(tx, layerID); err != nil {
		return nil, false, err
	}
	if err := requireCIs(tx, ci); err != nil {
		return nil, false, err
	}
	prior, err := p.engine.LayerAttribute(ctx, tx, ci, name, layerID)
	if err != nil {
		return nil, false, err
	}
	state, changed := insertState(prior, value)
	if !changed {
		noopsTotal.WithLabelValues(kindAttribute).Inc()
		return prior, false, nil
	}
	v, err := p.appendAttribute(ctx, tx, proxy, ci, name, layerID, value, state)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// RemoveAttribute marks an attribute removed in one layer. The Removed
// version carries the last value. Removing an attribute the layer never held
// is an ErrInvalidOperation; removing it twice is a no-op.
func (p *Protocol) RemoveAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, layerID storage.LayerID, proxy *changeset.Proxy) (_ *storage.AttributeVersion, _ bool, err error) {
	ctx, finish := startSpan(ctx, "RemoveAttribute", layerID)
	defer func() { finish(err) }()

	if err := ci.Validate(); err != nil {
		return nil, false, err
	}
	if err := storage.ValidateAttributeName(name); err != nil {
		return nil, false, err
	}
	if _, err := p.registry.WritableLayer(tx, layerID); err != nil {
		return nil, false, err
	}
	if err := requireCIs(tx, ci); err != nil {
		return nil, false, err
	}
	prior, err := p.engine.LayerAttribute(ctx, tx, ci, name, layerID)
	if err != nil {
		return nil, false, err
	}
	if prior == nil {
		return nil, false, errors.Wrapf(storage.ErrInvalidOperation, "attribute %s/%s never existed in layer %d", ci, name, layerID)
	}
	if !prior.State.IsLive() {
		noopsTotal.WithLabelValues(kindAttribute).Inc()
		return prior, false, nil
	}
	if prior.Err != nil {
		// The Removed version must carry the last value; overwrite first.
		return nil, false, prior.Err
	}
	v, err := p.appendAttribute(ctx, tx, proxy, ci, name, layerID, prior.Value, storage.StateRemoved)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *Protocol) appendAttribute(ctx context.Context, tx *storage.Tx, proxy *changeset.Proxy, ci storage.CIID, name string, layerID storage.LayerID, value storage.Value, state storage.State) (*storage.AttributeVersion, error) {
	cs, err := proxy.Get(ctx, tx)
	if err != nil {
		return nil, err
	}
	v := &storage.AttributeVersion{
		CI:             ci,
		Name:           name,
		Layer:          layerID,
		Value:          value,
		State:          state,
		ChangesetID:    cs.ID,
		ActivationTime: cs.Timestamp,
	}
	if err := tx.AppendAttribute(v); err != nil {
		return nil, err
	}
	recordAppend(kindAttribute, state)
	p.logger.Debug("attribute appended",
		slog.String("ci", string(ci)),
		slog.String("name", name),
		slog.Uint64("layer", uint64(layerID)),
		slog.String("state", state.String()),
		slog.Uint64("changeset", uint64(cs.ID)))
	return v, nil
}

// insertState decides the state of an insert from the layer's current
// version. changed is false when the insert is a no-op.
func insertState(prior *storage.AttributeVersion, value storage.Value) (storage.State, bool) {
	switch {
	case prior == nil:
		return storage.StateNew, true
	case !prior.State.IsLive():
		return storage.StateRenewed, true
	case prior.Err == nil && storage.ValuesEqual(prior.Value, value):
		return prior.State, false
	default:
		return storage.StateChanged, true
	}
}

func validateAttribute(ci storage.CIID, name string, value storage.Value) error {
	if err := ci.Validate(); err != nil {
		return err
	}
	if err := storage.ValidateAttributeName(name); err != nil {
		return err
	}
	if value == nil {
		return errors.Wrapf(storage.ErrInvalidData, "attribute %s/%s has no value", ci, name)
	}
	return nil
}

// ============================================================================
// Relations
// ============================================================================

// InsertRelation asserts a relation in one layer. A relation that is already
// live in the layer is a no-op.
func (p *Protocol) InsertRelation(ctx context.Context, tx *storage.Tx, from, to storage.CIID, predicate string, layerID storage.LayerID, proxy *changeset.Proxy) (_ *storage.RelationVersion, _ bool, err error) {
	ctx, finish := startSpan(ctx, "InsertRelation", layerID)
	defer func() { finish(err) }()

	key := storage.RelationKey{From: from, Predicate: predicate, To: to}
	if err := p.checkRelationWrite(tx, key, layerID); err != nil {
		return nil, false, err
	}
	prior, err := p.engine.LayerRelation(ctx, tx, key, layerID)
	if err != nil {
		return nil, false, err
	}
	state := storage.StateNew
	if prior != nil {
		if prior.State.IsLive() {
			noopsTotal.WithLabelValues(kindRelation).Inc()
			return prior, false, nil
		}
		state = storage.StateRenewed
	}
	v, err := p.appendRelation(ctx, tx, proxy, key, layerID, state)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// RemoveRelation marks a relation removed in one layer.
func (p *Protocol) RemoveRelation(ctx context.Context, tx *storage.Tx, key storage.RelationKey, layerID storage.LayerID, proxy *changeset.Proxy) (_ *storage.RelationVersion, _ bool, err error) {
	ctx, finish := startSpan(ctx, "RemoveRelation", layerID)
	defer func() { finish(err) }()

	if err := p.checkRelationWrite(tx, key, layerID); err != nil {
		return nil, false, err
	}
	prior, err := p.engine.LayerRelation(ctx, tx, key, layerID)
	if err != nil {
		return nil, false, err
	}
	if prior == nil {
		return nil, false, errors.Wrapf(storage.ErrInvalidOperation, "relation %s never existed in layer %d", key, layerID)
	}
	if !prior.State.IsLive() {
		noopsTotal.WithLabelValues(kindRelation).Inc()
		return prior, false, nil
	}
	v, err := p.appendRelation(ctx, tx, proxy, key, layerID, storage.StateRemoved)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *Protocol) checkRelationWrite(tx *storage.Tx, key storage.RelationKey, layerID storage.LayerID) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if _, err := p.registry.WritableLayer(tx, layerID); err != nil {
		return err
	}
	if _, err := tx.GetPredicate(key.Predicate); err != nil {
		return err
	}
	return requireCIs(tx, key.From, key.To)
}

func (p *Protocol) appendRelation(ctx context.Context, tx *storage.Tx, proxy *changeset.Proxy, key storage.RelationKey, layerID storage.LayerID, state storage.State) (*storage.RelationVersion, error) {
	cs, err := proxy.Get(ctx, tx)
	if err != nil {
		return nil, err
	}
	v := &storage.RelationVersion{
		ID:             p.newID(),
		From:           key.From,
		To:             key.To,
		Predicate:      key.Predicate,
		Layer:          layerID,
		State:          state,
		ChangesetID:    cs.ID,
		ActivationTime: cs.Timestamp,
	}
	if err := tx.AppendRelation(v); err != nil {
		return nil, err
	}
	recordAppend(kindRelation, state)
	p.logger.Debug("relation appended",
		slog.String("relation", key.String()),
		slog.Uint64("layer", uint64(layerID)),
		slog.String("state", state.String()),
		slog.Uint64("changeset", uint64(cs.ID)))
	return v, nil
}

// requireCIs fails with ErrNotFound for the first CI that does not exist.
func requireCIs(tx *storage.Tx, ids ...storage.CIID) error {
	for _, id := range ids {
		ok, err := tx.HasCI(id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(storage.ErrNotFound, "ci %s", id)
		}
	}
	return nil
}
