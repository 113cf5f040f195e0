// Package indexdb keeps a queryable SQLite read model of the journal. Writes are
// queued and applied by one goroutine in batched transactions; when the queue is full
// the entry is dropped and counted, since the journal remains the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"greenova.io/internal/address"
	"greenova.io/internal/ledger"
	"greenova.io/internal/persistence/snapshot"
)

const defaultQueue = 65536

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEntry    atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
	indexed      atomic.Uint64
}

type reqKind int

const (
	reqEntry reqKind = iota + 1
	reqSnapshot
	reqFlush
)

type req struct {
	kind reqKind

	entry    ledger.Entry
	snapshot snapshotRow
	done     chan struct{}
}

type snapshotRow struct {
	Seq         uint64
	Path        string
	Accounts    int
	StateDigest string
	CreatedAt   int64
}

type Stats struct {
	DropEntryTotal    uint64 `json:"drop_entry_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
	IndexedTotal      uint64 `json:"indexed_total"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+pragmaDSN)
	if err != nil {
		return nil, err
	}
	// WAL lets readers run beside the batching writer.
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

// pragmaDSN is applied by the driver to every pooled connection.
const pragmaDSN = "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=temp_store(MEMORY)"

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ops (
			tx_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			time INTEGER NOT NULL,
			kind TEXT NOT NULL,
			signer TEXT NOT NULL,
			ok INTEGER NOT NULL,
			code TEXT NOT NULL,
			project_id INTEGER,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_signer_time ON ops(signer, time);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_project_time ON ops(project_id, time);`,
		`CREATE TABLE IF NOT EXISTS events (
			tx_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			project_id INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tx_id, idx)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_seq ON events(project_id, seq);`,
		`CREATE TABLE IF NOT EXISTS withdrawals (
			tx_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			project_id INTEGER NOT NULL,
			authority TEXT NOT NULL,
			destination TEXT NOT NULL,
			amount INTEGER NOT NULL,
			time INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_project_seq ON withdrawals(project_id, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			seq INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			accounts INTEGER NOT NULL,
			state_digest TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEntry queues a journal entry; it never blocks the ledger.
func (s *SQLiteIndex) WriteEntry(e ledger.Entry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEntry, entry: e}:
	default:
		s.dropEntry.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Seq:         snap.Header.Seq,
		Path:        path,
		Accounts:    len(snap.Accounts),
		StateDigest: snap.StateDigest,
		CreatedAt:   snap.Header.CreatedAt,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// Flush blocks until everything queued so far is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropEntryTotal:    s.dropEntry.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
		IndexedTotal:      s.indexed.Load(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = 500 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeErrors.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		var err error
		switch r.kind {
		case reqEntry:
			err = insertEntry(tx, r.entry)
		case reqSnapshot:
			sn := r.snapshot
			_, err = tx.Exec(`INSERT OR REPLACE INTO snapshots(seq,path,accounts,state_digest,created_at) VALUES(?,?,?,?,?)`,
				int64(sn.Seq), sn.Path, sn.Accounts, sn.StateDigest, sn.CreatedAt)
		}
		if err != nil {
			rollback()
			continue
		}
		opCount++
		s.indexed.Add(1)
		flushIfNeeded()
	}

	commit()
}

func insertEntry(tx *sql.Tx, e ledger.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var project any
	if id, ok := e.Op.ProjectID(); ok {
		project = int64(id)
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO ops(tx_id,seq,time,kind,signer,ok,code,project_id,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.TxID, int64(e.Seq), e.Time, string(e.Op.Kind), e.Signer.String(), ok, string(e.Code), project, string(raw)); err != nil {
		return err
	}
	if !e.OK {
		return nil
	}
	for i, ev := range e.Events {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO events(tx_id,idx,seq,name,project_id,raw_json) VALUES(?,?,?,?,?,?)`,
			e.TxID, i, int64(e.Seq), ev.Name, int64(ev.ProjectID), string(ev.Data)); err != nil {
			return err
		}
	}
	if w := e.Op.Withdraw; w != nil && e.Op.Kind == ledger.KindWithdraw {
		// uint64 amounts round-trip through INTEGER by bit pattern
		if _, err := tx.Exec(`INSERT OR REPLACE INTO withdrawals(tx_id,seq,project_id,authority,destination,amount,time) VALUES(?,?,?,?,?,?,?)`,
			e.TxID, int64(e.Seq), int64(w.ProjectID), e.Signer.String(), w.Destination.String(), int64(w.Amount), e.Time); err != nil {
			return err
		}
	}
	return nil
}

type Withdrawal struct {
	Seq         uint64          `json:"seq"`
	TxID        string          `json:"tx_id"`
	ProjectID   uint64          `json:"project_id"`
	Authority   address.Address `json:"authority"`
	Destination address.Address `json:"destination"`
	Amount      uint64          `json:"amount"`
	Time        int64           `json:"time"`
}

func (s *SQLiteIndex) Withdrawals(ctx context.Context, projectID uint64) ([]Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, tx_id, project_id, authority, destination, amount, time FROM withdrawals WHERE project_id = ? ORDER BY seq`, int64(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Withdrawal{}
	for rows.Next() {
		var (
			w                Withdrawal
			seq, pid, amount int64
			authority, dest  string
		)
		if err := rows.Scan(&seq, &w.TxID, &pid, &authority, &dest, &amount, &w.Time); err != nil {
			return nil, err
		}
		w.Seq, w.ProjectID, w.Amount = uint64(seq), uint64(pid), uint64(amount)
		if w.Authority, err = address.Parse(authority); err != nil {
			return nil, err
		}
		if w.Destination, err = address.Parse(dest); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WithdrawnTotal sums every committed withdrawal of a project, saturating at the
// uint64 maximum.
func (s *SQLiteIndex) WithdrawnTotal(ctx context.Context, projectID uint64) (uint64, error) {
	ws, err := s.Withdrawals(ctx, projectID)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, w := range ws {
		if total+w.Amount < total {
			return ^uint64(0), nil
		}
		total += w.Amount
	}
	return total, nil
}

type Activity struct {
	Seq       uint64      `json:"seq,omitempty"`
	TxID      string      `json:"tx_id"`
	Time      int64       `json:"time"`
	Kind      ledger.Kind `json:"kind"`
	OK        bool        `json:"ok"`
	Code      string      `json:"code,omitempty"`
	ProjectID *uint64     `json:"project_id,omitempty"`
}

// Activity lists the newest ops signed by identity, committed or rejected.
func (s *SQLiteIndex) Activity(ctx context.Context, identity address.Address, limit int) ([]Activity, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, tx_id, time, kind, ok, code, project_id FROM ops WHERE signer = ? ORDER BY time DESC, seq DESC LIMIT ?`, identity.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Activity{}
	for rows.Next() {
		var (
			a       Activity
			seq     int64
			kind    string
			ok      int
			project sql.NullInt64
		)
		if err := rows.Scan(&seq, &a.TxID, &a.Time, &kind, &ok, &a.Code, &project); err != nil {
			return nil, err
		}
		a.Seq = uint64(seq)
		a.Kind = ledger.Kind(kind)
		a.OK = ok == 1
		if project.Valid {
			id := uint64(project.Int64)
			a.ProjectID = &id
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type SnapshotInfo struct {
	Seq         uint64 `json:"seq"`
	Path        string `json:"path"`
	Accounts    int    `json:"accounts"`
	StateDigest string `json:"state_digest"`
	CreatedAt   int64  `json:"created_at"`
}

func (s *SQLiteIndex) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, path, accounts, state_digest, created_at FROM snapshots ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []SnapshotInfo{}
	for rows.Next() {
		var (
			si  SnapshotInfo
			seq int64
		)
		if err := rows.Scan(&seq, &si.Path, &si.Accounts, &si.StateDigest, &si.CreatedAt); err != nil {
			return nil, err
		}
		si.Seq = uint64(seq)
		out = append(out, si)
	}
	return out, rows.Err()
}
