package ledger

import (
	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/store"
)

// guardTx confines a handler to the accounts its op declared and records what it wrote.
type guardTx struct {
	tx       store.Tx
	allowed  map[address.Address]struct{}
	writes   map[address.Address]struct{}
	violated error
}

var _ store.Tx = (*guardTx)(nil)

func newGuard(tx store.Tx, declared []address.Address) *guardTx {
	g := &guardTx{
		tx:      tx,
		allowed: make(map[address.Address]struct{}, len(declared)),
		writes:  map[address.Address]struct{}{},
	}
	for _, a := range declared {
		g.allowed[a] = struct{}{}
	}
	return g
}

func (g *guardTx) check(a address.Address) error {
	if _, ok := g.allowed[a]; ok {
		return nil
	}
	err := escrow.Errorf(escrow.CodeAccountNotDeclared, "account %s was not declared by the operation", a)
	if g.violated == nil {
		g.violated = err
	}
	return err
}

func (g *guardTx) Get(a address.Address) (store.Account, error) {
	if err := g.check(a); err != nil {
		return store.Account{}, err
	}
	return g.tx.Get(a)
}

// List would expose undeclared accounts, so handlers may not use it.
func (g *guardTx) List(kind string) ([]store.Account, error) {
	err := escrow.Errorf(escrow.CodeAccountNotDeclared, "list %q inside an operation", kind)
	if g.violated == nil {
		g.violated = err
	}
	return nil, err
}

func (g *guardTx) Create(acct store.Account) error {
	if err := g.check(acct.Address); err != nil {
		return err
	}
	if err := g.tx.Create(acct); err != nil {
		return err
	}
	g.writes[acct.Address] = struct{}{}
	return nil
}

func (g *guardTx) Update(acct store.Account) error {
	if err := g.check(acct.Address); err != nil {
		return err
	}
	if err := g.tx.Update(acct); err != nil {
		return err
	}
	g.writes[acct.Address] = struct{}{}
	return nil
}

// written returns the written addresses in ascending order.
func (g *guardTx) written() []address.Address {
	out := make([]address.Address, 0, len(g.writes))
	for a := range g.writes {
		out = append(out, a)
	}
	address.Sort(out)
	return out
}
