// Package storage - BadgerDB transaction wrapper.
//
// A Tx wraps one native badger transaction and remembers what it wrote, so
// that a successful commit can be published to CommitListeners with the
// exact invalidation scopes.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// TxStatus represents the current state of a transaction.
type TxStatus string

const (
	TxStatusActive     TxStatus = "active"
	TxStatusCommitted  TxStatus = "committed"
	TxStatusRolledBack TxStatus = "rolled_back"
)

// Tx is a store transaction.
//
// A Tx is bound to one goroutine at a time. Reads observe a consistent
// snapshot taken at Begin plus the transaction's own pending writes.
type Tx struct {
	mu sync.Mutex

	store    *Store
	txn      *badger.Txn
	update   bool
	startSeq uint64
	status   TxStatus

	// Scopes written by this transaction, published on commit.
	touched      map[Touch]struct{}
	changesets   []*Changeset
	layers       []*Layer
	layerUpdates []*Layer
	writes       int
}

// StartSeq returns the commit sequence observed when the transaction began.
// Every commit with a sequence number up to StartSeq is visible to it.
func (tx *Tx) StartSeq() uint64 {
	return tx.startSeq
}

// Writable reports whether the transaction accepts appends.
func (tx *Tx) Writable() bool {
	return tx.update
}

// HasWrites reports whether the transaction holds uncommitted writes.
func (tx *Tx) HasWrites() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.writes > 0
}

// Status returns the transaction status.
func (tx *Tx) Status() TxStatus {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Commit makes the transaction's writes durable and notifies the store's
// commit listeners before returning. Read-only transactions and transactions
// without writes are simply closed.
//
// A badger write conflict is returned as ErrConflict.
func (tx *Tx) Commit() error {
	tx.mu.Lock()
	if tx.status != TxStatusActive {
		tx.mu.Unlock()
		return ErrTransactionClosed
	}

	if !tx.update || tx.writes == 0 {
		tx.txn.Discard()
		tx.status = TxStatusCommitted
		tx.mu.Unlock()
		return nil
	}

	if err := tx.txn.Commit(); err != nil {
		tx.status = TxStatusRolledBack
		tx.mu.Unlock()
		if errors.Is(err, badger.ErrConflict) {
			return errors.Wrap(ErrConflict, "commit")
		}
		return errors.Wrap(err, "badger commit failed")
	}
	tx.status = TxStatusCommitted

	event := CommitEvent{
		Seq:          tx.store.seq.Add(1),
		Touched:      tx.touchedList(),
		Changesets:   tx.changesets,
		Layers:       tx.layers,
		LayerUpdates: tx.layerUpdates,
		CommittedAt:  time.Now(),
	}
	tx.mu.Unlock()

	tx.store.notify(event)
	return nil
}

// Rollback discards all changes.
func (tx *Tx) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.status != TxStatusActive {
		return ErrTransactionClosed
	}
	tx.txn.Discard()
	tx.status = TxStatusRolledBack
	return nil
}

// Discard rolls back an active transaction and is a no-op otherwise.
func (tx *Tx) Discard() {
	_ = tx.Rollback()
}

func (tx *Tx) touchedList() []Touch {
	out := make([]Touch, 0, len(tx.touched))
	for t := range tx.touched {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.CI != b.CI {
			return a.CI < b.CI
		}
		return a.Layer < b.Layer
	})
	return out
}

// checkWrite validates that the transaction is active and writable.
func (tx *Tx) checkWrite() error {
	if tx.status != TxStatusActive {
		return ErrTransactionClosed
	}
	if !tx.update {
		return ErrReadOnly
	}
	return nil
}

func (tx *Tx) checkRead() error {
	if tx.status != TxStatusActive {
		return ErrTransactionClosed
	}
	return nil
}

// set writes a key and counts it as a write.
func (tx *Tx) set(key, value []byte) error {
	if err := tx.txn.Set(key, value); err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return errors.Wrap(ErrInvalidOperation, "transaction too big")
		}
		return errors.Wrap(err, "write")
	}
	tx.writes++
	return nil
}

// get reads a key. A missing key yields (nil, nil); the read is still
// tracked for conflict detection.
func (tx *Tx) get(key []byte) ([]byte, error) {
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, errors.Wrap(err, "read value")
	}
	return val, nil
}

// scan iterates keys under prefix in ascending order. fn receives the key
// and, when values is true, a copy of the value. Returning errStopScan ends
// the scan without error. Only one scan may be open per read-write
// transaction at a time, so fn must not start another scan.
func (tx *Tx) scan(ctx context.Context, prefix []byte, values bool, fn func(key, val []byte) error) error {
	return tx.scanFrom(ctx, prefix, prefix, values, fn)
}

// scanFrom is scan starting at the first key >= start.
func (tx *Tx) scanFrom(ctx context.Context, prefix, start []byte, values bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = values
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		n++
		if n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		var val []byte
		if values {
			var err error
			if val, err = item.ValueCopy(nil); err != nil {
				return errors.Wrap(err, "read value")
			}
		}
		if err := fn(key, val); err != nil {
			if err == errStopScan {
				return nil
			}
			return err
		}
	}
	return ctx.Err()
}

var errStopScan = errors.New("stop scan")

func (tx *Tx) countPrefix(ctx context.Context, prefix []byte) (int64, error) {
	var n int64
	err := tx.scan(ctx, prefix, false, func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (tx *Tx) touch(kind TouchKind, ci CIID, layer LayerID) {
	tx.touched[Touch{Kind: kind, CI: ci, Layer: layer}] = struct{}{}
}
