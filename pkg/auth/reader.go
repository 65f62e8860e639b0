package auth

import (
	"context"

	"github.com/orneryd/stratadb/pkg/merge"
	"github.com/orneryd/stratadb/pkg/storage"
)

// AuthorizedReader rejects merged reads over layers the context's principal
// cannot read. The check runs before the wrapped reader, so a denied query
// never reaches a cache.
type AuthorizedReader struct {
	next   merge.Reader
	policy *Policy
}

var _ merge.Reader = (*AuthorizedReader)(nil)

// NewAuthorizedReader wraps next with policy.
func NewAuthorizedReader(next merge.Reader, policy *Policy) *AuthorizedReader {
	return &AuthorizedReader{next: next, policy: policy}
}

func (r *AuthorizedReader) check(ctx context.Context, tx *storage.Tx, q merge.Query) error {
	return r.policy.CheckRead(ctx, tx, q.Layers.IDs())
}

// GetMergedAttribute implements merge.Reader.
func (r *AuthorizedReader) GetMergedAttribute(ctx context.Context, tx *storage.Tx, ci storage.CIID, name string, q merge.Query) (*merge.MergedAttribute, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedAttribute(ctx, tx, ci, name, q)
}

// GetMergedAttributes implements merge.Reader.
func (r *AuthorizedReader) GetMergedAttributes(ctx context.Context, tx *storage.Tx, sel merge.AttributeSelection, q merge.Query) (*merge.AttributeResult, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedAttributes(ctx, tx, sel, q)
}

// GetMergedCI implements merge.Reader.
func (r *AuthorizedReader) GetMergedCI(ctx context.Context, tx *storage.Tx, ci storage.CIID, q merge.Query) (*merge.MergedCI, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedCI(ctx, tx, ci, q)
}

// GetMergedCIs implements merge.Reader.
func (r *AuthorizedReader) GetMergedCIs(ctx context.Context, tx *storage.Tx, cis []storage.CIID, q merge.Query) (*merge.CIResult, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedCIs(ctx, tx, cis, q)
}

// GetMergedRelation implements merge.Reader.
func (r *AuthorizedReader) GetMergedRelation(ctx context.Context, tx *storage.Tx, key storage.RelationKey, q merge.Query) (*merge.MergedRelation, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedRelation(ctx, tx, key, q)
}

// GetMergedRelations implements merge.Reader.
func (r *AuthorizedReader) GetMergedRelations(ctx context.Context, tx *storage.Tx, sel merge.RelationSelection, q merge.Query) (*merge.RelationResult, error) {
	if err := r.check(ctx, tx, q); err != nil {
		return nil, err
	}
	return r.next.GetMergedRelations(ctx, tx, sel, q)
}
