// Package store is the account arena every operation reads and writes through.
//
// Records are opaque byte blobs addressed by a derived address and tagged with the
// owning program and a kind. A write transaction is the unit of atomicity: Commit makes
// every write visible at once, Abort discards all of them.
package store

import (
	"context"
	"errors"

	"greenova.io/internal/address"
)

var (
	ErrNotFound      = errors.New("store: account not found")
	ErrAlreadyExists = errors.New("store: account already exists")
	ErrClosed        = errors.New("store: closed")
	ErrNotEmpty      = errors.New("store: restore into non-empty store")
)

type Account struct {
	Address address.Address
	Owner   address.Address
	Kind    string
	Data    []byte
}

func (a Account) Clone() Account {
	a.Data = append([]byte(nil), a.Data...)
	return a
}

// Reader is the read half shared by read and write transactions.
type Reader interface {
	Get(addr address.Address) (Account, error)
	// List returns accounts of the given kind ordered by address. An empty kind lists all.
	List(kind string) ([]Account, error)
}

type Tx interface {
	Reader
	// Create provisions a new account; ErrAlreadyExists if the address holds data.
	Create(acct Account) error
	// Update replaces the data of an existing account; ErrNotFound if absent.
	Update(acct Account) error
}

// Head is the ledger position the committed accounts correspond to. Entry holds the
// journal record of the op that produced Seq, so a journal that lost its tail can be
// repaired from the store.
type Head struct {
	Seq   uint64
	Chain string
	Entry []byte
}

type WriteTxn interface {
	Tx
	// Head returns ErrNotFound until a head has been committed.
	Head() (Head, error)
	// SetHead records the position reached once this transaction commits.
	SetHead(h Head) error
	Commit() error
	Abort()
}

type ReadTxn interface {
	Reader
	Head() (Head, error)
	Close()
}

type Store interface {
	Begin(ctx context.Context) (WriteTxn, error)
	Read(ctx context.Context) (ReadTxn, error)
	// Restore bulk-loads accounts into an empty store positioned at head.
	Restore(ctx context.Context, accts []Account, head Head) error
	Close() error
}
