// Package memstore keeps the account arena in a go-memdb MVCC database. Write
// transactions are exclusive; readers see the last committed version.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
)

const (
	table     = "accounts"
	headTable = "head"
	headKey   = "ledger"
)

type headRow struct {
	Key  string
	Head store.Head
}

type row struct {
	Key   string
	Kind  string
	Addr  address.Address
	Owner address.Address
	Data  []byte
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					"kind": {
						Name:    "kind",
						Indexer: &memdb.StringFieldIndex{Field: "Kind"},
					},
				},
			},
			headTable: {
				Name: headTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
		},
	}
}

type Store struct {
	db     *memdb.MemDB
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Begin(ctx context.Context) (store.WriteTxn, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &writeTxn{txn: s.db.Txn(true)}, nil
}

func (s *Store) Read(ctx context.Context) (store.ReadTxn, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &readTxn{txn: s.db.Txn(false)}, nil
}

func (s *Store) Restore(ctx context.Context, accts []store.Account, head store.Head) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()
	existing, err := tx.List("")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return store.ErrNotEmpty
	}
	for _, a := range accts {
		if err := tx.Create(a); err != nil {
			return fmt.Errorf("restore %s: %w", a.Address, err)
		}
	}
	if err := tx.SetHead(head); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func get(txn *memdb.Txn, addr address.Address) (store.Account, error) {
	raw, err := txn.First(table, "id", addr.String())
	if err != nil {
		return store.Account{}, err
	}
	if raw == nil {
		return store.Account{}, store.ErrNotFound
	}
	return toAccount(raw.(*row)), nil
}

func list(txn *memdb.Txn, kind string) ([]store.Account, error) {
	var (
		it  memdb.ResultIterator
		err error
	)
	if kind == "" {
		it, err = txn.Get(table, "id")
	} else {
		it, err = txn.Get(table, "kind", kind)
	}
	if err != nil {
		return nil, err
	}
	var out []store.Account
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, toAccount(obj.(*row)))
	}
	return out, nil
}

func getHead(txn *memdb.Txn) (store.Head, error) {
	raw, err := txn.First(headTable, "id", headKey)
	if err != nil {
		return store.Head{}, err
	}
	if raw == nil {
		return store.Head{}, store.ErrNotFound
	}
	h := raw.(*headRow).Head
	h.Entry = append([]byte(nil), h.Entry...)
	return h, nil
}

// Rows are shared with every reader once committed, so data is copied on the way in
// and on the way out.
func toAccount(r *row) store.Account {
	return store.Account{
		Address: r.Addr,
		Owner:   r.Owner,
		Kind:    r.Kind,
		Data:    append([]byte(nil), r.Data...),
	}
}

func toRow(a store.Account) *row {
	return &row{
		Key:   a.Address.String(),
		Kind:  a.Kind,
		Addr:  a.Address,
		Owner: a.Owner,
		Data:  append([]byte(nil), a.Data...),
	}
}

type writeTxn struct {
	txn  *memdb.Txn
	done bool
}

func (t *writeTxn) Get(addr address.Address) (store.Account, error) {
	return get(t.txn, addr)
}

func (t *writeTxn) List(kind string) ([]store.Account, error) {
	return list(t.txn, kind)
}

func (t *writeTxn) Create(a store.Account) error {
	if a.Kind == "" {
		return fmt.Errorf("memstore: empty kind for %s", a.Address)
	}
	if _, err := get(t.txn, a.Address); err == nil {
		return store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return t.txn.Insert(table, toRow(a))
}

func (t *writeTxn) Update(a store.Account) error {
	cur, err := get(t.txn, a.Address)
	if err != nil {
		return err
	}
	next := toRow(a)
	// Kind and owner are fixed at creation.
	next.Kind = cur.Kind
	next.Owner = cur.Owner
	return t.txn.Insert(table, next)
}

func (t *writeTxn) Head() (store.Head, error) { return getHead(t.txn) }

func (t *writeTxn) SetHead(h store.Head) error {
	h.Entry = append([]byte(nil), h.Entry...)
	return t.txn.Insert(headTable, &headRow{Key: headKey, Head: h})
}

func (t *writeTxn) Commit() error {
	if t.done {
		return fmt.Errorf("memstore: transaction already finished")
	}
	t.done = true
	t.txn.Commit()
	return nil
}

func (t *writeTxn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Abort()
}

type readTxn struct {
	txn *memdb.Txn
}

func (t *readTxn) Get(addr address.Address) (store.Account, error) {
	return get(t.txn, addr)
}

func (t *readTxn) List(kind string) ([]store.Account, error) {
	return list(t.txn, kind)
}

func (t *readTxn) Head() (store.Head, error) { return getHead(t.txn) }

func (t *readTxn) Close() { t.txn.Abort() }
