package layer

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
)

var layerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// createRequest is validated before a layer is written.
type createRequest struct {
	Name        string `validate:"required,layername"`
	Description string `validate:"max=1024"`
}

// Registry is the catalog of layers. It holds no state of its own: every
// call reads or writes through the caller's transaction.
type Registry struct {
	store    *storage.Store
	clock    temporal.Clock
	logger   *slog.Logger
	validate *validator.Validate
}

// NewRegistry creates a registry over store. A nil logger discards output.
func NewRegistry(store *storage.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("layername", func(fl validator.FieldLevel) bool {
		return layerNamePattern.MatchString(fl.Field().String())
	})
	return &Registry{
		store:    store,
		clock:    temporal.SystemClock,
		logger:   logger.With(slog.String("component", "layer")),
		validate: v,
	}
}

// WithClock replaces the clock used for CreatedAt timestamps.
func (r *Registry) WithClock(c temporal.Clock) *Registry {
	r.clock = c
	return r
}

// ValidateName reports whether name is an acceptable layer name.
func ValidateName(name string) error {
	if !layerNamePattern.MatchString(name) {
		return errors.Wrapf(storage.ErrInvalidData, "invalid layer name %q", name)
	}
	return nil
}

// GetLayer returns a layer by id.
func (r *Registry) GetLayer(tx *storage.Tx, id storage.LayerID) (*storage.Layer, error) {
	return tx.GetLayer(id)
}

// GetLayers returns layers in the order of ids. Any missing id fails the
// whole call with ErrNotFound.
func (r *Registry) GetLayers(tx *storage.Tx, ids []storage.LayerID) ([]*storage.Layer, error) {
	out := make([]*storage.Layer, 0, len(ids))
	for _, id := range ids {
		l, err := tx.GetLayer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// GetLayerByName returns a layer by its unique name.
func (r *Registry) GetLayerByName(tx *storage.Tx, name string) (*storage.Layer, error) {
	return tx.GetLayerByName(name)
}

// ListLayers returns every layer ordered by id.
func (r *Registry) ListLayers(ctx context.Context, tx *storage.Tx) ([]*storage.Layer, error) {
	return tx.ListLayers(ctx)
}

// BuildLayerSet resolves names into a Set in the given precedence order.
// Unknown names fail with ErrNotFound, repeated names with
// ErrInvalidOperation.
func (r *Registry) BuildLayerSet(tx *storage.Tx, names ...string) (Set, error) {
	ids := make([]storage.LayerID, 0, len(names))
	for _, name := range names {
		l, err := tx.GetLayerByName(name)
		if err != nil {
			return Set{}, err
		}
		ids = append(ids, l.ID)
	}
	return NewSet(ids...)
}

// CreateLayer allocates an id and records a new enabled layer. A taken name
// yields storage.ErrAlreadyExists; a concurrent creation of the same name
// surfaces as storage.ErrConflict when the transaction commits.
func (r *Registry) CreateLayer(ctx context.Context, tx *storage.Tx, name, description string) (*storage.Layer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.validate.Struct(createRequest{Name: name, Description: description}); err != nil {
		return nil, errors.Wrapf(storage.ErrInvalidData, "layer %q: %v", name, err)
	}
	if _, err := tx.GetLayerByName(name); err == nil {
		return nil, errors.Wrapf(storage.ErrAlreadyExists, "layer %q", name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	id, err := r.store.NextLayerID()
	if err != nil {
		return nil, err
	}
	l := &storage.Layer{
		ID:          id,
		Name:        name,
		Description: description,
		Enabled:     true,
		CreatedAt:   r.clock.Now().UTC(),
	}
	if err := tx.CreateLayer(l); err != nil {
		return nil, err
	}
	r.logger.Debug("layer created", slog.String("name", name), slog.Uint64("id", uint64(id)))
	return l, nil
}

// SetEnabled toggles whether a layer accepts writes. Disabled layers remain
// readable.
func (r *Registry) SetEnabled(tx *storage.Tx, id storage.LayerID, enabled bool) (*storage.Layer, error) {
	l, err := tx.GetLayer(id)
	if err != nil {
		return nil, err
	}
	if l.Enabled == enabled {
		return l, nil
	}
	l.Enabled = enabled
	if err := tx.UpdateLayer(l); err != nil {
		return nil, err
	}
	return l, nil
}

// SetDescription updates a layer's description.
func (r *Registry) SetDescription(tx *storage.Tx, id storage.LayerID, description string) (*storage.Layer, error) {
	if len(description) > 1024 {
		return nil, errors.Wrap(storage.ErrInvalidData, "description longer than 1024 bytes")
	}
	l, err := tx.GetLayer(id)
	if err != nil {
		return nil, err
	}
	l.Description = description
	if err := tx.UpdateLayer(l); err != nil {
		return nil, err
	}
	return l, nil
}

// WritableLayer returns the layer when it exists and is enabled. Writes into
// a disabled layer are rejected with ErrInvalidOperation.
func (r *Registry) WritableLayer(tx *storage.Tx, id storage.LayerID) (*storage.Layer, error) {
	l, err := tx.GetLayer(id)
	if err != nil {
		return nil, err
	}
	if !l.Enabled {
		return nil, errors.Wrapf(storage.ErrInvalidOperation, "layer %q is disabled", l.Name)
	}
	return l, nil
}
