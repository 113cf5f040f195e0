package token

import (
	"fmt"

	"greenova.io/internal/address"
	"greenova.io/internal/layout"
)

type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateFrozen
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateFrozen:
		return "frozen"
	default:
		return "uninitialized"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	mintDisc    = layout.DiscriminatorFor("Mint")
	accountDisc = layout.DiscriminatorFor("TokenAccount")
)

type Mint struct {
	Decimals           uint8           `json:"decimals"`
	Supply             uint64          `json:"supply"`
	MintAuthority      address.Address `json:"mint_authority"`
	HasFreezeAuthority bool            `json:"has_freeze_authority"`
	FreezeAuthority    address.Address `json:"freeze_authority"`
}

func (m Mint) MarshalBinary() ([]byte, error) {
	w := layout.NewWriter(mintDisc, 1+8+32+1+32)
	w.U8(m.Decimals)
	w.U64(m.Supply)
	w.Address(m.MintAuthority)
	w.Bool(m.HasFreezeAuthority)
	w.Address(m.FreezeAuthority)
	return w.Bytes()
}

func (m *Mint) UnmarshalBinary(data []byte) error {
	r, err := layout.NewReader(data, mintDisc)
	if err != nil {
		return err
	}
	m.Decimals = r.U8()
	m.Supply = r.U64()
	m.MintAuthority = r.Address()
	m.HasFreezeAuthority = r.Bool()
	m.FreezeAuthority = r.Address()
	return r.Err()
}

type Account struct {
	Mint   address.Address `json:"mint"`
	Owner  address.Address `json:"owner"`
	Amount uint64          `json:"amount"`
	State  State           `json:"state"`
}

func (a Account) MarshalBinary() ([]byte, error) {
	w := layout.NewWriter(accountDisc, 32+32+8+1)
	w.Address(a.Mint)
	w.Address(a.Owner)
	w.U64(a.Amount)
	w.U8(uint8(a.State))
	return w.Bytes()
}

func (a *Account) UnmarshalBinary(data []byte) error {
	r, err := layout.NewReader(data, accountDisc)
	if err != nil {
		return err
	}
	a.Mint = r.Address()
	a.Owner = r.Address()
	a.Amount = r.U64()
	a.State = State(r.U8())
	if err := r.Err(); err != nil {
		return err
	}
	if a.State != StateInitialized && a.State != StateFrozen {
		return fmt.Errorf("token account state %d", a.State)
	}
	return nil
}
