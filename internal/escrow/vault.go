package escrow

import "greenova.io/internal/address"

// vaultAuthority lets a vault sign for its own funds. It is only ever constructed
// inside WithdrawFunds after the project authority check.
type vaultAuthority struct {
	vault address.Address
}

func (v vaultAuthority) Authorizes(owner address.Address) bool { return owner == v.vault }
