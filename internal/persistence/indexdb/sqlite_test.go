package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
	"greenova.io/internal/ledger/ledgertest"
	"greenova.io/internal/persistence/snapshot"
)

func TestSQLiteIndex_Withdrawals(t *testing.T) {
	f := ledgertest.New(t)
	alice := address.FromSeed("alice")
	bob := address.FromSeed("bob")

	f.MustSubmit(t, alice, ledgertest.CreateProject(1, 1_000_000_000, "Solar", f.Mint))
	src := f.Fund(t, bob, 500_000_000)
	dst := f.Fund(t, alice, 0)
	f.MustSubmit(t, bob, ledgertest.Invest(1, 200_000_000, src))
	f.MustSubmit(t, alice, ledgertest.Withdraw(1, 50_000_000, dst))
	f.MustSubmit(t, alice, ledgertest.Withdraw(1, 50_000_000, dst))
	if _, err := f.Submit(bob, ledgertest.Withdraw(1, 1, src)); err == nil {
		t.Fatalf("expected unauthorized withdraw to fail")
	}

	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	for _, e := range f.Journal.Entries() {
		if err := idx.WriteEntry(e); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ws, err := idx.Withdrawals(ctx, 1)
	if err != nil {
		t.Fatalf("withdrawals: %v", err)
	}
	if len(ws) != 2 {
		t.Fatalf("expected 2 withdrawals, got %d", len(ws))
	}
	if ws[0].Authority != alice || ws[0].Destination != dst || ws[0].Amount != 50_000_000 {
		t.Fatalf("unexpected withdrawal row: %+v", ws[0])
	}
	if ws[0].Seq >= ws[1].Seq {
		t.Fatalf("expected ascending seq, got %d then %d", ws[0].Seq, ws[1].Seq)
	}
	total, err := idx.WithdrawnTotal(ctx, 1)
	if err != nil {
		t.Fatalf("withdrawn total: %v", err)
	}
	if total != 100_000_000 {
		t.Fatalf("expected total 100000000, got %d", total)
	}

	acts, err := idx.Activity(ctx, bob, 10)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	// create_token_account, invest, rejected withdraw
	if len(acts) != 3 {
		t.Fatalf("expected 3 activity rows for bob, got %d", len(acts))
	}
	newest := acts[0]
	if newest.OK || newest.Kind != ledger.KindWithdraw || newest.Code != string(escrow.CodeUnauthorized) {
		t.Fatalf("expected newest row to be the rejected withdraw, got %+v", newest)
	}
	if newest.ProjectID == nil || *newest.ProjectID != 1 {
		t.Fatalf("expected project id 1 on rejected withdraw")
	}
	if st := idx.Stats(); st.DropEntryTotal != 0 || st.IndexedTotal != uint64(len(f.Journal.Entries())) {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSQLiteIndex_SnapshotsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := snapshot.SnapshotV1{
		Header:      snapshot.Header{Version: snapshot.Version, Seq: 42, CreatedAt: 1_700_000_000},
		StateDigest: "abc",
		Accounts:    make([]snapshot.AccountV1, 3),
	}
	idx.RecordSnapshot("/data/snapshots/42.snap.zst", snap)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()
	got, err := idx.Snapshots(context.Background())
	if err != nil {
		t.Fatalf("snapshots: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 42 || got[0].Accounts != 3 || got[0].StateDigest != "abc" {
		t.Fatalf("unexpected snapshots: %+v", got)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	idx, err := openSQLite(filepath.Join(t.TempDir(), "index.sqlite"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	// Stop the writer so the queue stays full.
	close(idx.ch)
	idx.wg.Wait()
	idx.ch = make(chan req, 1)
	idx.ch <- req{kind: reqEntry}

	_ = idx.WriteEntry(ledger.Entry{TxID: "dropped"})
	idx.RecordSnapshot("p", snapshot.SnapshotV1{})

	st := idx.Stats()
	if st.DropEntryTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("expected one drop of each kind, got %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("expected full queue of 1, got depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}

	// Close drains into a writer-less channel; mark closed and close the db directly.
	idx.closed.Store(true)
	idx.once.Do(func() { _ = idx.db.Close() })
}

func TestSQLiteIndex_ClosedIsNoop(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.WriteEntry(ledger.Entry{TxID: "late"}); err != nil {
		t.Fatalf("expected nil after close, got %v", err)
	}
	if err := idx.Flush(context.Background()); err != nil {
		t.Fatalf("flush after close: %v", err)
	}
	var nilIdx *SQLiteIndex
	if st := nilIdx.Stats(); st.QueueCapacity != 0 {
		t.Fatalf("nil index should report zero stats")
	}
}

func TestSQLiteIndex_PragmasOnEveryConnection(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	c1, err := idx.db.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 1: %v", err)
	}
	defer c1.Close()
	c2, err := idx.db.Conn(ctx)
	if err != nil {
		t.Fatalf("conn 2: %v", err)
	}
	defer c2.Close()

	for i, c := range []*sql.Conn{c1, c2} {
		var timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("conn %d busy_timeout: %v", i+1, err)
		}
		if timeout != 5000 {
			t.Fatalf("conn %d: expected busy_timeout 5000, got %d", i+1, timeout)
		}
		var mode string
		if err := c.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("conn %d journal_mode: %v", i+1, err)
		}
		if mode != "wal" {
			t.Fatalf("conn %d: expected wal, got %q", i+1, mode)
		}
	}
}
