package main

import (
	"context"
	"path/filepath"
	"testing"

	"greenova.io/internal/config"
	"greenova.io/internal/ledger"
	"greenova.io/internal/ledger/ledgertest"
	persistlog "greenova.io/internal/persistence/log"
	"greenova.io/internal/store/memstore"
	"greenova.io/internal/store/sqlitestore"
	"greenova.io/internal/token"
)

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := testConfig(t, t.TempDir())
	cfg.Store = config.StoreSQLite
	return cfg
}

// journalDigest replays the on-disk journal into a fresh memstore.
func journalDigest(t *testing.T, dataDir string) (ledger.ReplayResult, ledger.Digest) {
	t.Helper()
	entries, err := persistlog.ReadJournal(persistlog.JournalDir(dataDir))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	f := ledgertest.Bare(t, st)
	res, err := f.Ledger.Replay(context.Background(), entries)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	d, err := f.Ledger.StateDigest(context.Background())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return res, d
}

func TestSQLiteRestartContinuesFromStoreHead(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)

	rt := startRuntime(t, cfg)
	mint := seed(t, rt)
	aliceATA := token.New(ledgertest.TokenProgramID).AssociatedAddress(alice, mint)
	wantSeq, wantChain := rt.ledger.Head()
	wantDigest, err := rt.ledger.StateDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	rt.Close()

	rt2 := startRuntime(t, cfg)
	seq, chain := rt2.ledger.Head()
	if seq != wantSeq || chain != wantChain {
		t.Fatalf("expected head %d/%s, got %d/%s", wantSeq, wantChain, seq, chain)
	}
	got, err := rt2.ledger.StateDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if got != wantDigest {
		t.Fatalf("state digest mismatch after restart")
	}

	rc, err := rt2.ledger.Submit(ctx, alice, ledgertest.Invest(1, 200_000_000, aliceATA))
	if err != nil || !rc.OK {
		t.Fatalf("invest after restart: %v %+v", err, rc)
	}
	if rc.Seq != wantSeq+1 {
		t.Fatalf("expected seq %d, got %d", wantSeq+1, rc.Seq)
	}
	live, err := rt2.ledger.StateDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	rt2.Close()

	res, replayed := journalDigest(t, cfg.DataDir)
	if res.Seq != rc.Seq {
		t.Fatalf("expected journal to end at seq %d, got %d", rc.Seq, res.Seq)
	}
	if replayed != live {
		t.Fatalf("journal replay diverges from sqlite store")
	}
}

// A process that committed to sqlite but died before its journal write leaves the
// journal one op behind the store. The next start must put that op back.
func TestSQLiteRestartRepairsJournalBehindStore(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	tp := token.New(ledgertest.TokenProgramID)

	rt := startRuntime(t, cfg)
	mint := seed(t, rt)
	rt.Close()
	aliceATA := tp.AssociatedAddress(alice, mint)
	mintTo := func(amount uint64) ledger.Op {
		return ledger.Op{Kind: ledger.KindMintTo, MintTo: &ledger.MintToArgs{Mint: mint, Destination: aliceATA, Amount: amount}}
	}

	entries, err := persistlog.ReadJournal(persistlog.JournalDir(cfg.DataDir))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	st, err := sqlitestore.Open(filepath.Join(cfg.DataDir, "state", "accounts.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	crashed, err := ledger.New(ledger.Options{Program: ledgertest.ProgramID, Token: tp, Store: st})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if _, err := crashed.Resume(ctx, entries); err != nil {
		t.Fatalf("resume: %v", err)
	}
	lost, err := crashed.Submit(ctx, ledgertest.MintAuthority, mintTo(5))
	if err != nil || !lost.OK {
		t.Fatalf("submit: %v %+v", err, lost)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	rt2 := startRuntime(t, cfg)
	if seq, _ := rt2.ledger.Head(); seq != lost.Seq {
		t.Fatalf("expected head %d after resume, got %d", lost.Seq, seq)
	}
	rc, err := rt2.ledger.Submit(ctx, ledgertest.MintAuthority, mintTo(7))
	if err != nil || !rc.OK {
		t.Fatalf("mint after restart: %v %+v", err, rc)
	}
	if rc.Seq != lost.Seq+1 {
		t.Fatalf("expected seq %d, got %d", lost.Seq+1, rc.Seq)
	}
	live, err := rt2.ledger.StateDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	rt2.Close()

	res, replayed := journalDigest(t, cfg.DataDir)
	if res.Seq != rc.Seq {
		t.Fatalf("expected journal to end at seq %d, got %d", rc.Seq, res.Seq)
	}
	if replayed != live {
		t.Fatalf("journal replay diverges from sqlite store")
	}
}
