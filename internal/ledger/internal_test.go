package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/store"
	"greenova.io/internal/store/memstore"
)

func TestLockTableSerializesOverlap(t *testing.T) {
	lt := newLockTable()
	a, b, c := address.FromSeed("a"), address.FromSeed("b"), address.FromSeed("c")

	release, err := lt.acquire(context.Background(), address.Dedupe([]address.Address{a, b}))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := lt.acquire(ctx, address.Dedupe([]address.Address{b, c})); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected overlap to block until deadline, got %v", err)
	}

	rc, err := lt.acquire(context.Background(), []address.Address{c})
	if err != nil {
		t.Fatalf("disjoint acquire: %v", err)
	}
	rc()
	release()
	if n := lt.size(); n != 0 {
		t.Fatalf("expected empty table, got %d", n)
	}
}

func TestGuardRejectsUndeclared(t *testing.T) {
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	txn, err := st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer txn.Abort()

	ok, other := address.FromSeed("declared"), address.FromSeed("other")
	g := newGuard(txn, []address.Address{ok})
	if err := g.Create(store.Account{Address: ok, Kind: "k", Data: []byte{1}}); err != nil {
		t.Fatalf("create declared: %v", err)
	}
	if _, err := g.Get(other); escrow.CodeOf(err) != escrow.CodeAccountNotDeclared {
		t.Fatalf("expected AccountNotDeclared, got %v", err)
	}
	if _, err := g.List(""); escrow.CodeOf(err) != escrow.CodeAccountNotDeclared {
		t.Fatalf("expected AccountNotDeclared for list, got %v", err)
	}
	if g.violated == nil {
		t.Fatalf("expected violation to be recorded")
	}
	if w := g.written(); len(w) != 1 || w[0] != ok {
		t.Fatalf("unexpected writes: %v", w)
	}
}

func TestAccountsCoverHandlerAccess(t *testing.T) {
	prog := address.FromSeed("p")
	signer := address.FromSeed("s")
	op := Op{Kind: KindInvest, Invest: &escrow.InvestArgs{ProjectID: 3, Amount: 1, Source: address.FromSeed("src")}}
	got := op.Accounts(Env{Program: prog}, signer)
	want := map[address.Address]bool{
		escrow.ProjectAddress(prog, 3):            true,
		escrow.VaultAddress(prog, 3):              true,
		escrow.InvestmentAddress(prog, 3, signer): true,
		address.FromSeed("src"):                   true,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d accounts, got %d", len(want), len(got))
	}
	for _, a := range got {
		if !want[a] {
			t.Fatalf("unexpected account %s", a)
		}
	}
}

func TestChainNextDependsOnEveryInput(t *testing.T) {
	var prev Digest
	base := chainNext(prev, 1, KindInvest, Digest{1})
	for name, d := range map[string]Digest{
		"seq":    chainNext(prev, 2, KindInvest, Digest{1}),
		"kind":   chainNext(prev, 1, KindWithdraw, Digest{1}),
		"writes": chainNext(prev, 1, KindInvest, Digest{2}),
		"prev":   chainNext(Digest{9}, 1, KindInvest, Digest{1}),
	} {
		if d == base {
			t.Fatalf("changing %s did not change the link", name)
		}
	}
	back, err := ParseDigest(base.String())
	if err != nil || back != base {
		t.Fatalf("digest text round trip failed: %v", err)
	}
}
