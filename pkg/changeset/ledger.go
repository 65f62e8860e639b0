// Package changeset records the immutable (timestamp, author) tuples that
// group every fact version written by one logical operation.
//
// Timestamps come from a monotonic clock: every changeset created by a
// ledger sorts strictly after the previous one, so activation times derived
// from them totally order versions even within one wall-clock tick.
package changeset

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orneryd/stratadb/pkg/layer"
	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/orneryd/stratadb/pkg/temporal"
	"github.com/pkg/errors"
)

// Ledger creates and queries changesets.
type Ledger struct {
	store  *storage.Store
	clock  *temporal.MonotonicClock
	logger *slog.Logger
}

// NewLedger creates a ledger. A nil clock uses the system clock; a nil
// logger discards output.
func NewLedger(store *storage.Store, clock temporal.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	mc, ok := clock.(*temporal.MonotonicClock)
	if !ok {
		mc = temporal.NewMonotonicClock(clock)
	}
	return &Ledger{
		store:  store,
		clock:  mc,
		logger: logger.With(slog.String("component", "changeset")),
	}
}

// Prime raises the clock floor to the newest persisted changeset so that a
// reopened store keeps timestamps increasing across a wall-clock step back.
func (l *Ledger) Prime(ctx context.Context) error {
	return l.store.View(ctx, func(tx *storage.Tx) error {
		last, err := tx.LastChangesetTime(ctx)
		if err != nil {
			return err
		}
		if !last.IsZero() {
			l.clock.Observe(last)
		}
		return nil
	})
}

// CreateChangeset records a new changeset inside tx.
func (l *Ledger) CreateChangeset(ctx context.Context, tx *storage.Tx, author string) (*storage.Changeset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	author = strings.TrimSpace(author)
	if author == "" {
		return nil, errors.Wrap(storage.ErrInvalidData, "changeset author is empty")
	}
	id, err := l.store.NextChangesetID()
	if err != nil {
		return nil, err
	}
	cs := &storage.Changeset{
		ID:        id,
		Timestamp: l.clock.Now().UTC(),
		Author:    author,
	}
	if err := tx.PutChangeset(cs); err != nil {
		return nil, err
	}
	l.logger.Debug("changeset created",
		slog.Uint64("id", uint64(cs.ID)),
		slog.String("author", author),
		slog.Time("timestamp", cs.Timestamp))
	return cs, nil
}

// GetChangeset returns a changeset by id.
func (l *Ledger) GetChangeset(tx *storage.Tx, id storage.ChangesetID) (*storage.Changeset, error) {
	return tx.GetChangeset(id)
}

// GetChangesetsInTimespan returns the changesets with from <= timestamp <= to
// that wrote into at least one layer of set and, when ci is non-nil, touched
// that CI through an attribute or either end of a relation. Results are
// ascending by timestamp and contain no duplicates.
func (l *Ledger) GetChangesetsInTimespan(ctx context.Context, tx *storage.Tx, from, to time.Time, set layer.Set, ci *storage.CIID) ([]*storage.Changeset, error) {
	if to.Before(from) {
		return nil, errors.Wrapf(storage.ErrInvalidOperation, "timespan ends before it starts")
	}
	if set.IsEmpty() {
		return nil, nil
	}
	return tx.ChangesetsTouching(ctx, set.IDs(), ci, from, to)
}

// Proxy creates its changeset lazily, on the first write that needs one.
// Operations that turn out to be no-ops therefore leave no changeset behind.
//
// A Proxy is bound to the transaction that created its changeset; asking it
// for a changeset in another transaction starts a new one.
type Proxy struct {
	ledger *Ledger
	author string

	mu sync.Mutex
	tx *storage.Tx
	cs *storage.Changeset
}

// NewProxy creates a proxy that will author changesets as author.
func NewProxy(ledger *Ledger, author string) *Proxy {
	return &Proxy{ledger: ledger, author: author}
}

// Author returns the author changesets are created for.
func (p *Proxy) Author() string {
	return p.author
}

// Get returns the proxy's changeset in tx, creating it on first use.
func (p *Proxy) Get(ctx context.Context, tx *storage.Tx) (*storage.Changeset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cs != nil && p.tx == tx {
		return p.cs, nil
	}
	cs, err := p.ledger.CreateChangeset(ctx, tx, p.author)
	if err != nil {
		return nil, err
	}
	p.tx, p.cs = tx, cs
	return cs, nil
}

// Current returns the changeset created so far, or nil if no write has
// needed one.
func (p *Proxy) Current() *storage.Changeset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cs
}
