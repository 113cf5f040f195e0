package ledger

import (
	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/token"
)

type Kind string

const (
	KindCreateProject      Kind = "create_project"
	KindInvest             Kind = "invest"
	KindWithdraw           Kind = "withdraw"
	KindCreateMint         Kind = "create_mint"
	KindCreateTokenAccount Kind = "create_token_account"
	KindMintTo             Kind = "mint_to"
	KindTransfer           Kind = "transfer"
	KindFreezeAccount      Kind = "freeze_account"
	KindThawAccount        Kind = "thaw_account"
)

type CreateMintArgs struct {
	// Seed namespaces the mint under its creator; see token.Program.MintAddress.
	Seed     string `json:"seed"`
	Decimals uint8  `json:"decimals"`
	// Freezable makes the creator the freeze authority.
	Freezable bool `json:"freezable,omitempty"`
}

type CreateTokenAccountArgs struct {
	Mint address.Address `json:"mint"`
	// Owner defaults to the signer.
	Owner *address.Address `json:"owner,omitempty"`
}

type MintToArgs struct {
	Mint        address.Address `json:"mint"`
	Destination address.Address `json:"destination"`
	Amount      uint64          `json:"amount"`
}

type TransferArgs struct {
	From   address.Address `json:"from"`
	To     address.Address `json:"to"`
	Amount uint64          `json:"amount"`
}

type AccountArgs struct {
	Account address.Address `json:"account"`
	Mint    address.Address `json:"mint"`
}

// Op is one submitted operation. Exactly the payload matching Kind is set.
type Op struct {
	Kind Kind `json:"kind"`

	CreateProject      *escrow.CreateProjectArgs `json:"create_project,omitempty"`
	Invest             *escrow.InvestArgs        `json:"invest,omitempty"`
	Withdraw           *escrow.WithdrawArgs      `json:"withdraw,omitempty"`
	CreateMint         *CreateMintArgs           `json:"create_mint,omitempty"`
	CreateTokenAccount *CreateTokenAccountArgs   `json:"create_token_account,omitempty"`
	MintTo             *MintToArgs               `json:"mint_to,omitempty"`
	Transfer           *TransferArgs             `json:"transfer,omitempty"`
	FreezeAccount      *AccountArgs              `json:"freeze_account,omitempty"`
	ThawAccount        *AccountArgs              `json:"thaw_account,omitempty"`
}

// Env names the programs an op's accounts are derived under.
type Env struct {
	Program address.Address
	Token   *token.Program
}

// Validate checks that the payload matching Kind is present and no other is.
func (op Op) Validate() error {
	set := 0
	for _, present := range []bool{
		op.CreateProject != nil, op.Invest != nil, op.Withdraw != nil,
		op.CreateMint != nil, op.CreateTokenAccount != nil, op.MintTo != nil,
		op.Transfer != nil, op.FreezeAccount != nil, op.ThawAccount != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return escrow.Errorf(escrow.CodeBadRequest, "op %q carries %d payloads, want 1", op.Kind, set)
	}
	ok := false
	switch op.Kind {
	case KindCreateProject:
		ok = op.CreateProject != nil
	case KindInvest:
		ok = op.Invest != nil
	case KindWithdraw:
		ok = op.Withdraw != nil
	case KindCreateMint:
		ok = op.CreateMint != nil
	case KindCreateTokenAccount:
		ok = op.CreateTokenAccount != nil
	case KindMintTo:
		ok = op.MintTo != nil
	case KindTransfer:
		ok = op.Transfer != nil
	case KindFreezeAccount:
		ok = op.FreezeAccount != nil
	case KindThawAccount:
		ok = op.ThawAccount != nil
	default:
		return escrow.Errorf(escrow.CodeBadRequest, "unknown op kind %q", op.Kind)
	}
	if !ok {
		return escrow.Errorf(escrow.CodeBadRequest, "op %q is missing its payload", op.Kind)
	}
	return nil
}

// Accounts lists every address the op may read or write when signed by signer.
// The host locks exactly these and rejects any access outside them.
func (op Op) Accounts(env Env, signer address.Address) []address.Address {
	var out []address.Address
	switch op.Kind {
	case KindCreateProject:
		a := op.CreateProject
		out = append(out,
			escrow.ProjectAddress(env.Program, a.ProjectID),
			escrow.VaultAddress(env.Program, a.ProjectID),
			a.Mint,
		)
	case KindInvest:
		a := op.Invest
		out = append(out,
			escrow.ProjectAddress(env.Program, a.ProjectID),
			escrow.VaultAddress(env.Program, a.ProjectID),
			escrow.InvestmentAddress(env.Program, a.ProjectID, signer),
			a.Source,
		)
	case KindWithdraw:
		a := op.Withdraw
		out = append(out,
			escrow.ProjectAddress(env.Program, a.ProjectID),
			escrow.VaultAddress(env.Program, a.ProjectID),
			a.Destination,
		)
	case KindCreateMint:
		out = append(out, env.Token.MintAddress(signer, op.CreateMint.Seed))
	case KindCreateTokenAccount:
		a := op.CreateTokenAccount
		out = append(out, env.Token.AssociatedAddress(a.owner(signer), a.Mint), a.Mint)
	case KindMintTo:
		out = append(out, op.MintTo.Mint, op.MintTo.Destination)
	case KindTransfer:
		out = append(out, op.Transfer.From, op.Transfer.To)
	case KindFreezeAccount:
		out = append(out, op.FreezeAccount.Account, op.FreezeAccount.Mint)
	case KindThawAccount:
		out = append(out, op.ThawAccount.Account, op.ThawAccount.Mint)
	}
	return address.Dedupe(out)
}

func (a *CreateTokenAccountArgs) owner(signer address.Address) address.Address {
	if a.Owner != nil {
		return *a.Owner
	}
	return signer
}

// ProjectID reports the escrow project an op targets, ok=false for token ops.
func (op Op) ProjectID() (uint64, bool) {
	switch {
	case op.CreateProject != nil:
		return op.CreateProject.ProjectID, true
	case op.Invest != nil:
		return op.Invest.ProjectID, true
	case op.Withdraw != nil:
		return op.Withdraw.ProjectID, true
	}
	return 0, false
}
