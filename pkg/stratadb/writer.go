package stratadb

import (
	"context"

	"github.com/google/uuid"
	"github.com/orneryd/stratadb/pkg/auth"
	"github.com/orneryd/stratadb/pkg/changeset"
	"github.com/orneryd/stratadb/pkg/mutation"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// Writer applies writes inside one DB.Update transaction. All fact writes
// share a single changeset, created on the first write that changes
// something. A Writer must not be used after its Update returns.
type Writer struct {
	db     *DB
	ctx    context.Context
	tx     *storage.Tx
	proxy  *changeset.Proxy
	layers map[string]storage.LayerID
}

// Tx returns the underlying transaction.
func (w *Writer) Tx() *storage.Tx { return w.tx }

// Changeset returns the changeset created so far, or nil.
func (w *Writer) Changeset() *storage.Changeset { return w.proxy.Current() }

// writable resolves a layer name and checks write permission on it. The
// result is remembered for the rest of the transaction.
func (w *Writer) writable(name string) (storage.LayerID, error) {
	if id, ok := w.layers[name]; ok {
		return id, nil
	}
	l, err := w.tx.GetLayerByName(name)
	if err != nil {
		return 0, err
	}
	if err := w.db.policy.CheckWrite(w.ctx, w.tx, l.ID); err != nil {
		return 0, err
	}
	w.layers[name] = l.ID
	return l.ID, nil
}

// CreateLayer creates an enabled layer. Requires the schema permission.
func (w *Writer) CreateLayer(name, description string) (*storage.Layer, error) {
	if err := w.db.policy.Check(w.ctx, auth.PermSchema); err != nil {
		return nil, err
	}
	return w.db.registry.CreateLayer(w.ctx, w.tx, name, description)
}

// PutPredicate creates or updates a predicate. Requires the schema
// permission.
func (w *Writer) PutPredicate(p *storage.Predicate) error {
	if err := w.db.policy.Check(w.ctx, auth.PermSchema); err != nil {
		return err
	}
	return w.tx.PutPredicate(p)
}

// CreateCI registers a configuration item. Requires the create permission.
func (w *Writer) CreateCI(id storage.CIID) error {
	if err := w.db.policy.Check(w.ctx, auth.PermCreate); err != nil {
		return err
	}
	return w.tx.PutCI(&storage.CI{ID: id, CreatedAt: w.db.now()})
}

// NewCI registers a configuration item under a generated UUID.
func (w *Writer) NewCI() (storage.CIID, error) {
	id := storage.CIID(uuid.NewString())
	return id, w.CreateCI(id)
}

// EnsureCI registers id unless it already exists.
func (w *Writer) EnsureCI(id storage.CIID) error {
	ok, err := w.tx.HasCI(id)
	if err != nil || ok {
		return err
	}
	return w.CreateCI(id)
}

// SetAttribute writes value for (ci, name) into the named layer. The bool
// reports whether a version was appended.
func (w *Writer) SetAttribute(ci storage.CIID, name string, value storage.Value, layerName string) (*storage.AttributeVersion, bool, error) {
	id, err := w.writable(layerName)
	if err != nil {
		return nil, false, err
	}
	return w.db.protocol.InsertAttribute(w.ctx, w.tx, ci, name, value, id, w.proxy)
}

// removable is writable plus the delete permission.
func (w *Writer) removable(name string) (storage.LayerID, error) {
	l, err := w.tx.GetLayerByName(name)
	if err != nil {
		return 0, err
	}
	if err := w.db.policy.CheckDelete(w.ctx, w.tx, l.ID); err != nil {
		return 0, err
	}
	return w.writable(name)
}

// RemoveAttribute removes (ci, name) from the named layer.
func (w *Writer) RemoveAttribute(ci storage.CIID, name, layerName string) (*storage.AttributeVersion, bool, error) {
	id, err := w.removable(layerName)
	if err != nil {
		return nil, false, err
	}
	return w.db.protocol.RemoveAttribute(w.ctx, w.tx, ci, name, id, w.proxy)
}

// ReplaceAttributes converges the named layer's attributes within scope to
// desired.
func (w *Writer) ReplaceAttributes(scope mutation.AttributeScope, desired []mutation.AttributeFact, layerName string) (*mutation.BulkResult, error) {
	id, err := w.removable(layerName)
	if err != nil {
		return nil, err
	}
	return w.db.protocol.BulkReplaceAttributes(w.ctx, w.tx, scope, desired, id, w.proxy)
}

// AddRelation writes (from, predicate, to) into the named layer.
func (w *Writer) AddRelation(from storage.CIID, predicate string, to storage.CIID, layerName string) (*storage.RelationVersion, bool, error) {
	id, err := w.writable(layerName)
	if err != nil {
		return nil, false, err
	}
	return w.db.protocol.InsertRelation(w.ctx, w.tx, from, to, predicate, id, w.proxy)
}

// RemoveRelation removes key from the named layer.
func (w *Writer) RemoveRelation(key storage.RelationKey, layerName string) (*storage.RelationVersion, bool, error) {
	id, err := w.removable(layerName)
	if err != nil {
		return nil, false, err
	}
	return w.db.protocol.RemoveRelation(w.ctx, w.tx, key, id, w.proxy)
}

// ReplaceRelations converges the named layer's relations within scope to
// desired.
func (w *Writer) ReplaceRelations(scope mutation.RelationScope, desired []storage.RelationKey, layerName string) (*mutation.BulkResult, error) {
	id, err := w.removable(layerName)
	if err != nil {
		return nil, err
	}
	return w.db.protocol.BulkReplaceRelations(w.ctx, w.tx, scope, desired, id, w.proxy)
}

// EnsurePredicate creates predicate id with no wordings unless it exists.
func (w *Writer) EnsurePredicate(id string) error {
	_, err := w.tx.GetPredicate(id)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return w.PutPredicate(&storage.Predicate{ID: id})
}
