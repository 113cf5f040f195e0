// Package token is the fungible-token program: mints, token accounts and the transfer
// primitive the escrow moves value with. Every function runs inside the caller's
// store transaction and never commits on its own.
package token

import (
	"errors"
	"fmt"
	"math/bits"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrUnauthorized        = errors.New("token: unauthorized")
	ErrMintMismatch        = errors.New("token: mint mismatch")
	ErrAccountFrozen       = errors.New("token: account frozen")
	ErrAccountNotFound     = errors.New("token: account not found")
	ErrInvalidAccount      = errors.New("token: invalid account")
	ErrOverflow            = errors.New("token: arithmetic overflow")
	ErrNoFreezeAuthority   = errors.New("token: mint has no freeze authority")
)

const (
	KindMint    = "token/mint"
	KindAccount = "token/account"
)

// Authority proves control over an owner identity.
type Authority interface {
	Authorizes(owner address.Address) bool
}

// Signer is an identity whose signature the host has already verified.
type Signer address.Address

func (s Signer) Authorizes(owner address.Address) bool { return address.Address(s) == owner }

type Program struct {
	ID address.Address
}

func New(id address.Address) *Program { return &Program{ID: id} }

// AssociatedAddress is the conventional token account of owner for mint.
func (p *Program) AssociatedAddress(owner, mint address.Address) address.Address {
	return address.Derive(p.ID, []byte("associated"), owner[:], mint[:])
}

func (p *Program) InitializeMint(tx store.Tx, addr address.Address, decimals uint8, mintAuthority address.Address, freezeAuthority *address.Address) error {
	m := Mint{Decimals: decimals, MintAuthority: mintAuthority}
	if freezeAuthority != nil {
		m.HasFreezeAuthority = true
		m.FreezeAuthority = *freezeAuthority
	}
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Create(store.Account{Address: addr, Owner: p.ID, Kind: KindMint, Data: data})
}

// InitializeAccount provisions an empty token account for owner. The mint must exist.
func (p *Program) InitializeAccount(tx store.Tx, addr, mint, owner address.Address) error {
	if _, err := p.loadMint(tx, mint); err != nil {
		return err
	}
	a := Account{Mint: mint, Owner: owner, State: StateInitialized}
	data, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Create(store.Account{Address: addr, Owner: p.ID, Kind: KindAccount, Data: data})
}

func (p *Program) MintTo(tx store.Tx, mint, dest address.Address, amount uint64, auth Authority) error {
	m, err := p.loadMint(tx, mint)
	if err != nil {
		return err
	}
	if !auth.Authorizes(m.MintAuthority) {
		return ErrUnauthorized
	}
	a, err := p.loadAccount(tx, dest)
	if err != nil {
		return err
	}
	if a.Mint != mint {
		return ErrMintMismatch
	}
	if a.State == StateFrozen {
		return ErrAccountFrozen
	}
	supply, carry := bits.Add64(m.Supply, amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	// supply bounds every balance, so the credit cannot overflow once supply did not
	a.Amount += amount
	m.Supply = supply
	if err := p.storeMint(tx, mint, m); err != nil {
		return err
	}
	return p.storeAccount(tx, dest, a)
}

// Transfer moves amount from one account to another of the same mint. auth must
// control the source account's owner.
func (p *Program) Transfer(tx store.Tx, from, to address.Address, amount uint64, auth Authority) error {
	src, err := p.loadAccount(tx, from)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := p.loadAccount(tx, to)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if src.Mint != dst.Mint {
		return ErrMintMismatch
	}
	if src.State == StateFrozen || dst.State == StateFrozen {
		return ErrAccountFrozen
	}
	if !auth.Authorizes(src.Owner) {
		return ErrUnauthorized
	}
	if src.Amount < amount {
		return ErrInsufficientBalance
	}
	if from == to {
		return nil
	}
	credited, carry := bits.Add64(dst.Amount, amount, 0)
	if carry != 0 {
		return ErrOverflow
	}
	src.Amount -= amount
	dst.Amount = credited
	if err := p.storeAccount(tx, from, src); err != nil {
		return err
	}
	return p.storeAccount(tx, to, dst)
}

func (p *Program) Freeze(tx store.Tx, acct address.Address, auth Authority) error {
	return p.setState(tx, acct, auth, StateFrozen)
}

func (p *Program) Thaw(tx store.Tx, acct address.Address, auth Authority) error {
	return p.setState(tx, acct, auth, StateInitialized)
}

func (p *Program) setState(tx store.Tx, acct address.Address, auth Authority, state State) error {
	a, err := p.loadAccount(tx, acct)
	if err != nil {
		return err
	}
	m, err := p.loadMint(tx, a.Mint)
	if err != nil {
		return err
	}
	if !m.HasFreezeAuthority {
		return ErrNoFreezeAuthority
	}
	if !auth.Authorizes(m.FreezeAuthority) {
		return ErrUnauthorized
	}
	if a.State == state {
		return nil
	}
	a.State = state
	return p.storeAccount(tx, acct, a)
}

// GetMint and GetAccount read through any reader, committed state or a live txn.
func (p *Program) GetMint(r store.Reader, addr address.Address) (Mint, error) {
	return p.loadMint(r, addr)
}

func (p *Program) GetAccount(r store.Reader, addr address.Address) (Account, error) {
	return p.loadAccount(r, addr)
}

func (p *Program) load(r store.Reader, addr address.Address, kind string) ([]byte, error) {
	raw, err := r.Get(addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if raw.Owner != p.ID || raw.Kind != kind {
		return nil, ErrInvalidAccount
	}
	return raw.Data, nil
}

func (p *Program) loadMint(r store.Reader, addr address.Address) (Mint, error) {
	var m Mint
	data, err := p.load(r, addr, KindMint)
	if err != nil {
		return m, err
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return m, nil
}

func (p *Program) loadAccount(r store.Reader, addr address.Address) (Account, error) {
	var a Account
	data, err := p.load(r, addr, KindAccount)
	if err != nil {
		return a, err
	}
	if err := a.UnmarshalBinary(data); err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return a, nil
}

func (p *Program) storeMint(tx store.Tx, addr address.Address, m Mint) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Update(store.Account{Address: addr, Owner: p.ID, Kind: KindMint, Data: data})
}

func (p *Program) storeAccount(tx store.Tx, addr address.Address, a Account) error {
	data, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Update(store.Account{Address: addr, Owner: p.ID, Kind: KindAccount, Data: data})
}

// MintAddress places a mint created by creator under a caller-chosen seed.
func (p *Program) MintAddress(creator address.Address, seed string) address.Address {
	return address.Derive(p.ID, []byte("mint"), creator[:], []byte(seed))
}
