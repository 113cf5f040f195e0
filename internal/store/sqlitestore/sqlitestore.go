// Package sqlitestore persists the account arena in a single SQLite file. Every write
// transaction is a SQL transaction, so a crash mid-operation leaves no partial state.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
	"greenova.io/internal/store/sqlitestore/migrations"
)

type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ store.Store = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the host already serializes conflicting writers, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applyMigrations(db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.WriteTxn, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx}, nil
}

func (s *Store) Read(ctx context.Context) (store.ReadTxn, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx}, nil
}

func (s *Store) Restore(ctx context.Context, accts []store.Account, head store.Head) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Abort()
	var n int
	if err := tx.(*txn).tx.QueryRow(`SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
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
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

type txn struct {
	tx   *sql.Tx
	done bool
}

func (t *txn) Get(addr address.Address) (store.Account, error) {
	var (
		owner, kind string
		data        []byte
	)
	err := t.tx.QueryRow(`SELECT owner, kind, data FROM accounts WHERE address = ?`, addr.String()).Scan(&owner, &kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, err
	}
	o, err := address.Parse(owner)
	if err != nil {
		return store.Account{}, fmt.Errorf("account %s owner: %w", addr, err)
	}
	return store.Account{Address: addr, Owner: o, Kind: kind, Data: data}, nil
}

func (t *txn) List(kind string) ([]store.Account, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if kind == "" {
		rows, err = t.tx.Query(`SELECT address, owner, kind, data FROM accounts ORDER BY address`)
	} else {
		rows, err = t.tx.Query(`SELECT address, owner, kind, data FROM accounts WHERE kind = ? ORDER BY address`, kind)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Account
	for rows.Next() {
		var (
			addr, owner, k string
			data           []byte
		)
		if err := rows.Scan(&addr, &owner, &k, &data); err != nil {
			return nil, err
		}
		a, err := address.Parse(addr)
		if err != nil {
			return nil, err
		}
		o, err := address.Parse(owner)
		if err != nil {
			return nil, err
		}
		out = append(out, store.Account{Address: a, Owner: o, Kind: k, Data: data})
	}
	return out, rows.Err()
}

func (t *txn) Create(a store.Account) error {
	if a.Kind == "" {
		return fmt.Errorf("sqlitestore: empty kind for %s", a.Address)
	}
	if _, err := t.Get(a.Address); err == nil {
		return store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}
	_, err := t.tx.Exec(`INSERT INTO accounts(address, owner, kind, data) VALUES(?,?,?,?)`,
		a.Address.String(), a.Owner.String(), a.Kind, data)
	return err
}

func (t *txn) Update(a store.Account) error {
	res, err := t.tx.Exec(`UPDATE accounts SET data = ? WHERE address = ?`, a.Data, a.Address.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *txn) Head() (store.Head, error) {
	var (
		h     store.Head
		seq   int64
		entry []byte
	)
	err := t.tx.QueryRow(`SELECT seq, chain, entry FROM ledger_head WHERE id = 1`).Scan(&seq, &h.Chain, &entry)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Head{}, store.ErrNotFound
	}
	if err != nil {
		return store.Head{}, err
	}
	h.Seq = uint64(seq)
	h.Entry = entry
	return h, nil
}

func (t *txn) SetHead(h store.Head) error {
	entry := h.Entry
	if entry == nil {
		entry = []byte{}
	}
	_, err := t.tx.Exec(`INSERT INTO ledger_head(id, seq, chain, entry) VALUES(1,?,?,?)
		ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, chain = excluded.chain, entry = excluded.entry`,
		int64(h.Seq), h.Chain, entry)
	return err
}

func (t *txn) Commit() error {
	if t.done {
		return fmt.Errorf("sqlitestore: transaction already finished")
	}
	t.done = true
	return t.tx.Commit()
}

func (t *txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}

func (t *txn) Close() { t.Abort() }
