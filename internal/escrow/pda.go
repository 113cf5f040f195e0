package escrow

import "greenova.io/internal/address"

const (
	seedProject    = "project"
	seedVault      = "vault"
	seedInvestment = "investment"
)

func ProjectAddress(program address.Address, projectID uint64) address.Address {
	return address.Derive(program, []byte(seedProject), address.U64Seed(projectID))
}

// VaultAddress is both the vault token account and the identity that owns it.
func VaultAddress(program address.Address, projectID uint64) address.Address {
	return address.Derive(program, []byte(seedVault), address.U64Seed(projectID))
}

func InvestmentAddress(program address.Address, projectID uint64, investor address.Address) address.Address {
	return address.Derive(program, []byte(seedInvestment), address.U64Seed(projectID), investor[:])
}
