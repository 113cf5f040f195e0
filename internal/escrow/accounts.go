package escrow

import (
	"errors"
	"fmt"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
)

func createProject(c *Context, p Project) error {
	data, err := p.MarshalBinary()
	if err != nil {
		return Wrap(CodeInternal, "encode project", err)
	}
	addr := ProjectAddress(c.Program, p.ProjectID)
	err = c.Tx.Create(store.Account{Address: addr, Owner: c.Program, Kind: KindProject, Data: data})
	if errors.Is(err, store.ErrAlreadyExists) {
		return Errorf(CodeAlreadyExists, "project %d already exists", p.ProjectID)
	}
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func saveProject(tx store.Tx, program address.Address, p Project) error {
	data, err := p.MarshalBinary()
	if err != nil {
		return Wrap(CodeInternal, "encode project", err)
	}
	addr := ProjectAddress(program, p.ProjectID)
	if err := tx.Update(store.Account{Address: addr, Owner: program, Kind: KindProject, Data: data}); err != nil {
		return storeErr(err)
	}
	return nil
}

func createInvestment(c *Context, inv Investment) error {
	data, err := inv.MarshalBinary()
	if err != nil {
		return Wrap(CodeInternal, "encode investment", err)
	}
	addr := InvestmentAddress(c.Program, inv.ProjectID, inv.Investor)
	err = c.Tx.Create(store.Account{Address: addr, Owner: c.Program, Kind: KindInvestment, Data: data})
	if errors.Is(err, store.ErrAlreadyExists) {
		return Errorf(CodeAlreadyExists, "investor %s already invested in project %d", inv.Investor, inv.ProjectID)
	}
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func loadProject(r store.Reader, program address.Address, id uint64) (Project, error) {
	var p Project
	acct, err := r.Get(ProjectAddress(program, id))
	if errors.Is(err, store.ErrNotFound) {
		return p, Errorf(CodeNotFound, "project %d not found", id)
	}
	if err != nil {
		return p, storeErr(err)
	}
	if acct.Owner != program || acct.Kind != KindProject {
		return p, Errorf(CodeInvalidAccount, "project %d: account owned by %s kind %q", id, acct.Owner, acct.Kind)
	}
	if err := p.UnmarshalBinary(acct.Data); err != nil {
		return p, Wrap(CodeInvalidAccount, fmt.Sprintf("decode project %d", id), err)
	}
	return p, nil
}

func loadInvestment(r store.Reader, program address.Address, id uint64, investor address.Address) (Investment, error) {
	var inv Investment
	acct, err := r.Get(InvestmentAddress(program, id, investor))
	if errors.Is(err, store.ErrNotFound) {
		return inv, Errorf(CodeNotFound, "no investment by %s in project %d", investor, id)
	}
	if err != nil {
		return inv, storeErr(err)
	}
	if acct.Owner != program || acct.Kind != KindInvestment {
		return inv, Errorf(CodeInvalidAccount, "investment account owned by %s kind %q", acct.Owner, acct.Kind)
	}
	if err := inv.UnmarshalBinary(acct.Data); err != nil {
		return inv, Wrap(CodeInvalidAccount, "decode investment", err)
	}
	return inv, nil
}

// storeErr passes coded errors (the ledger guard returns those) and wraps the rest.
func storeErr(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(CodeInternal, "store", err)
}
