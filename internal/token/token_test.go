package token

import (
	"context"
	"errors"
	"testing"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
	"greenova.io/internal/store/memstore"
)

var (
	mintAuth  = address.FromSeed("mint-authority")
	alice     = address.FromSeed("alice")
	bob       = address.FromSeed("bob")
	mintAddr  = address.FromSeed("mint")
	aliceAcct = address.FromSeed("alice-acct")
	bobAcct   = address.FromSeed("bob-acct")
)

type fixture struct {
	p  *Program
	st store.Store
}

func newFixture(t *testing.T, freeze bool) *fixture {
	t.Helper()
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	f := &fixture{p: New(address.FromSeed("token-program")), st: st}
	f.do(t, func(tx store.Tx) error {
		var fa *address.Address
		if freeze {
			fa = &mintAuth
		}
		if err := f.p.InitializeMint(tx, mintAddr, 9, mintAuth, fa); err != nil {
			return err
		}
		if err := f.p.InitializeAccount(tx, aliceAcct, mintAddr, alice); err != nil {
			return err
		}
		if err := f.p.InitializeAccount(tx, bobAcct, mintAddr, bob); err != nil {
			return err
		}
		return f.p.MintTo(tx, mintAddr, aliceAcct, 1_000, Signer(mintAuth))
	})
	return f
}

// do runs fn in a write txn and commits only when it succeeds.
func (f *fixture) do(t *testing.T, fn func(tx store.Tx) error) error {
	t.Helper()
	tx, err := f.st.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return nil
}

func (f *fixture) balance(t *testing.T, addr address.Address) uint64 {
	t.Helper()
	rd, err := f.st.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	a, err := f.p.GetAccount(rd, addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Amount
}

func TestTransferMovesBalance(t *testing.T) {
	f := newFixture(t, false)
	if err := f.do(t, func(tx store.Tx) error {
		return f.p.Transfer(tx, aliceAcct, bobAcct, 400, Signer(alice))
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := f.balance(t, aliceAcct); got != 600 {
		t.Fatalf("expected alice=600, got %d", got)
	}
	if got := f.balance(t, bobAcct); got != 400 {
		t.Fatalf("expected bob=400, got %d", got)
	}
}

func TestTransferRejections(t *testing.T) {
	f := newFixture(t, false)
	other := address.FromSeed("other-mint")
	otherAcct := address.FromSeed("other-acct")
	if err := f.do(t, func(tx store.Tx) error {
		if err := f.p.InitializeMint(tx, other, 6, mintAuth, nil); err != nil {
			return err
		}
		return f.p.InitializeAccount(tx, otherAcct, other, bob)
	}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cases := []struct {
		name     string
		from, to address.Address
		amount   uint64
		auth     Authority
		want     error
	}{
		{"wrong signer", aliceAcct, bobAcct, 1, Signer(bob), ErrUnauthorized},
		{"too much", aliceAcct, bobAcct, 1_001, Signer(alice), ErrInsufficientBalance},
		{"mint mismatch", aliceAcct, otherAcct, 1, Signer(alice), ErrMintMismatch},
		{"missing source", address.FromSeed("nope"), bobAcct, 1, Signer(alice), ErrAccountNotFound},
		{"not a token account", mintAddr, bobAcct, 1, Signer(alice), ErrInvalidAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.do(t, func(tx store.Tx) error {
				return f.p.Transfer(tx, tc.from, tc.to, tc.amount, tc.auth)
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := f.balance(t, aliceAcct); got != 1_000 {
		t.Fatalf("rejected transfers changed balance: %d", got)
	}
}

func TestSelfTransferIsNoop(t *testing.T) {
	f := newFixture(t, false)
	if err := f.do(t, func(tx store.Tx) error {
		return f.p.Transfer(tx, aliceAcct, aliceAcct, 1_000, Signer(alice))
	}); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if got := f.balance(t, aliceAcct); got != 1_000 {
		t.Fatalf("expected 1000, got %d", got)
	}
}

func TestMintToRequiresAuthorityAndChecksSupply(t *testing.T) {
	f := newFixture(t, false)
	err := f.do(t, func(tx store.Tx) error {
		return f.p.MintTo(tx, mintAddr, bobAcct, 5, Signer(bob))
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	err = f.do(t, func(tx store.Tx) error {
		return f.p.MintTo(tx, mintAddr, bobAcct, ^uint64(0), Signer(mintAuth))
	})
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestFreezeBlocksTransfers(t *testing.T) {
	f := newFixture(t, true)
	if err := f.do(t, func(tx store.Tx) error {
		return f.p.Freeze(tx, bobAcct, Signer(mintAuth))
	}); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	err := f.do(t, func(tx store.Tx) error {
		return f.p.Transfer(tx, aliceAcct, bobAcct, 1, Signer(alice))
	})
	if !errors.Is(err, ErrAccountFrozen) {
		t.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if err := f.do(t, func(tx store.Tx) error {
		return f.p.Thaw(tx, bobAcct, Signer(mintAuth))
	}); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	if err := f.do(t, func(tx store.Tx) error {
		return f.p.Transfer(tx, aliceAcct, bobAcct, 1, Signer(alice))
	}); err != nil {
		t.Fatalf("transfer after thaw: %v", err)
	}
}

func TestFreezeWithoutFreezeAuthority(t *testing.T) {
	f := newFixture(t, false)
	err := f.do(t, func(tx store.Tx) error {
		return f.p.Freeze(tx, bobAcct, Signer(mintAuth))
	})
	if !errors.Is(err, ErrNoFreezeAuthority) {
		t.Fatalf("expected ErrNoFreezeAuthority, got %v", err)
	}
}

func TestInitializeAccountCollides(t *testing.T) {
	f := newFixture(t, false)
	err := f.do(t, func(tx store.Tx) error {
		return f.p.InitializeAccount(tx, aliceAcct, mintAddr, alice)
	})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	err = f.do(t, func(tx store.Tx) error {
		return f.p.InitializeAccount(tx, address.FromSeed("fresh"), address.FromSeed("no-mint"), alice)
	})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAssociatedAddressDistinct(t *testing.T) {
	p := New(address.FromSeed("token-program"))
	if p.AssociatedAddress(alice, mintAddr) == p.AssociatedAddress(bob, mintAddr) {
		t.Fatalf("associated addresses collide across owners")
	}
	if p.AssociatedAddress(alice, mintAddr) != p.AssociatedAddress(alice, mintAddr) {
		t.Fatalf("associated address not deterministic")
	}
}
