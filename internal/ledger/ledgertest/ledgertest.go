// Package ledgertest builds funded in-memory ledgers for tests.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
	"greenova.io/internal/store"
	"greenova.io/internal/store/memstore"
	"greenova.io/internal/token"
)

var (
	ProgramID      = address.FromSeed("greenova/escrow-program")
	TokenProgramID = address.FromSeed("greenova/token-program")
	MintAuthority  = address.FromSeed("greenova/mint-authority")
)

const MintSeed = "usdg"

type MemJournal struct {
	mu      sync.Mutex
	entries []ledger.Entry
	fail    error
}

func (j *MemJournal) WriteEntry(e ledger.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return j.fail
	}
	j.entries = append(j.entries, e)
	return nil
}

// FailWith makes later writes return err; nil restores normal writes.
func (j *MemJournal) FailWith(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fail = err
}

func (j *MemJournal) Entries() []ledger.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ledger.Entry(nil), j.entries...)
}

// Clock starts at a fixed instant and moves one second per reading.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

func NewClock() *Clock { return &Clock{t: time.Unix(1_700_000_000, 0)} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type Fixture struct {
	Ledger  *ledger.Ledger
	Store   store.Store
	Token   *token.Program
	Mint    address.Address
	Journal *MemJournal
	Clock   *Clock
}

// New returns a ledger over a fresh memstore with the default mint created.
func New(t testing.TB) *Fixture {
	t.Helper()
	st, err := memstore.New()
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	f := Bare(t, st)
	f.MustSubmit(t, MintAuthority, ledger.Op{Kind: ledger.KindCreateMint, CreateMint: &ledger.CreateMintArgs{Seed: MintSeed, Decimals: 9, Freezable: true}})
	return f
}

// Bare wires a ledger over st without creating anything.
func Bare(t testing.TB, st store.Store) *Fixture {
	t.Helper()
	tp := token.New(TokenProgramID)
	f := &Fixture{
		Store:   st,
		Token:   tp,
		Mint:    tp.MintAddress(MintAuthority, MintSeed),
		Journal: &MemJournal{},
		Clock:   NewClock(),
	}
	l, err := ledger.New(ledger.Options{
		Program: ProgramID,
		Token:   tp,
		Store:   st,
		Journal: f.Journal,
		Now:     f.Clock.Now,
	})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	f.Ledger = l
	return f
}

func (f *Fixture) ATA(who address.Address) address.Address {
	return f.Token.AssociatedAddress(who, f.Mint)
}

// Fund creates who's token account and mints amount into it.
func (f *Fixture) Fund(t testing.TB, who address.Address, amount uint64) address.Address {
	t.Helper()
	f.MustSubmit(t, who, ledger.Op{Kind: ledger.KindCreateTokenAccount, CreateTokenAccount: &ledger.CreateTokenAccountArgs{Mint: f.Mint}})
	if amount > 0 {
		f.MustSubmit(t, MintAuthority, ledger.Op{Kind: ledger.KindMintTo, MintTo: &ledger.MintToArgs{Mint: f.Mint, Destination: f.ATA(who), Amount: amount}})
	}
	return f.ATA(who)
}

func (f *Fixture) Submit(signer address.Address, op ledger.Op) (ledger.Receipt, error) {
	return f.Ledger.Submit(context.Background(), signer, op)
}

func (f *Fixture) MustSubmit(t testing.TB, signer address.Address, op ledger.Op) ledger.Receipt {
	t.Helper()
	rc, err := f.Submit(signer, op)
	if err != nil {
		t.Fatalf("submit %s: %v", op.Kind, err)
	}
	return rc
}

func (f *Fixture) Project(t testing.TB, id uint64) escrow.Project {
	t.Helper()
	rd, err := f.Store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	p, err := f.Queries().GetProject(rd, id)
	if err != nil {
		t.Fatalf("get project %d: %v", id, err)
	}
	return p
}

func (f *Fixture) Balance(t testing.TB, acct address.Address) uint64 {
	t.Helper()
	rd, err := f.Store.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	defer rd.Close()
	a, err := f.Queries().TokenAccount(rd, acct)
	if err != nil {
		t.Fatalf("token account %s: %v", acct, err)
	}
	return a.Amount
}

func (f *Fixture) Queries() escrow.Queries {
	return escrow.Queries{Program: ProgramID, Token: f.Token}
}

func CreateProject(id, target uint64, name string, mint address.Address) ledger.Op {
	return ledger.Op{Kind: ledger.KindCreateProject, CreateProject: &escrow.CreateProjectArgs{ProjectID: id, TargetAmount: target, Name: name, Mint: mint}}
}

func Invest(id, amount uint64, source address.Address) ledger.Op {
	return ledger.Op{Kind: ledger.KindInvest, Invest: &escrow.InvestArgs{ProjectID: id, Amount: amount, Source: source}}
}

func Withdraw(id, amount uint64, dest address.Address) ledger.Op {
	return ledger.Op{Kind: ledger.KindWithdraw, Withdraw: &escrow.WithdrawArgs{ProjectID: id, Amount: amount, Destination: dest}}
}

func Transfer(from, to address.Address, amount uint64) ledger.Op {
	return ledger.Op{Kind: ledger.KindTransfer, Transfer: &ledger.TransferArgs{From: from, To: to, Amount: amount}}
}
