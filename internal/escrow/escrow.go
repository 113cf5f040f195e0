// Package escrow is the fundraising state machine: projects with a fixed target,
// one-shot investments, and authority withdrawals out of a self-custodied vault.
//
// Handlers run inside a transaction owned by the caller. They never lock, retry, or
// commit; any returned error means the caller must discard every write the handler made.
package escrow

import (
	"errors"
	"math/bits"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
	"greenova.io/internal/token"
)

// Token is the slice of the token program the handlers depend on.
type Token interface {
	InitializeAccount(tx store.Tx, addr, mint, owner address.Address) error
	Transfer(tx store.Tx, from, to address.Address, amount uint64, auth token.Authority) error
}

// Context carries one operation's view of the world.
type Context struct {
	Program address.Address
	// Signer is the identity that signed the operation, already verified by the host.
	Signer address.Address
	Tx     store.Tx
	Token  Token
	// Now is unix seconds, captured once per operation.
	Now int64

	events []Event
}

func (c *Context) emit(e Event) { c.events = append(c.events, e) }

// Events returns what the handler emitted. Only meaningful after it succeeded.
func (c *Context) Events() []Event { return c.events }

type CreateProjectArgs struct {
	ProjectID    uint64          `json:"project_id"`
	TargetAmount uint64          `json:"target_amount"`
	Name         string          `json:"project_name"`
	Mint         address.Address `json:"mint"`
}

type InvestArgs struct {
	ProjectID uint64 `json:"project_id"`
	Amount    uint64 `json:"amount"`
	// Source is the investor's token account; the signer must own it.
	Source address.Address `json:"source"`
}

type WithdrawArgs struct {
	ProjectID   uint64          `json:"project_id"`
	Amount      uint64          `json:"amount"`
	Destination address.Address `json:"destination"`
}

// CreateProject registers a project owned by the signer and provisions its empty vault.
// target_amount and the name are not validated beyond the name's storage bound.
func CreateProject(c *Context, args CreateProjectArgs) error {
	if len(args.Name) > MaxNameLen {
		return Errorf(CodeNameTooLong, "project name is %d bytes, max %d", len(args.Name), MaxNameLen)
	}
	p := Project{
		ProjectID:    args.ProjectID,
		TargetAmount: args.TargetAmount,
		Name:         args.Name,
		IsActive:     true,
		Authority:    c.Signer,
		Mint:         args.Mint,
	}
	if err := createProject(c, p); err != nil {
		return err
	}

	vault := VaultAddress(c.Program, args.ProjectID)
	if err := c.Token.InitializeAccount(c.Tx, vault, args.Mint, vault); err != nil {
		switch {
		case errors.Is(err, store.ErrAlreadyExists):
			return Errorf(CodeAlreadyExists, "vault for project %d already exists", args.ProjectID)
		case errors.Is(err, token.ErrAccountNotFound), errors.Is(err, token.ErrInvalidAccount):
			return Wrap(CodeInvalidAccount, "mint "+args.Mint.String(), err)
		default:
			return storeErr(err)
		}
	}

	c.emit(ProjectCreated{ProjectID: p.ProjectID, TargetAmount: p.TargetAmount, Authority: p.Authority})
	return nil
}

// Invest moves amount from the signer's source account into the project vault and
// records the signer's single investment in the project.
func Invest(c *Context, args InvestArgs) error {
	p, err := loadProject(c.Tx, c.Program, args.ProjectID)
	if err != nil {
		return err
	}
	if !p.IsActive {
		return Errorf(CodeProjectNotActive, "project %d is not active", p.ProjectID)
	}
	raised, carry := bits.Add64(p.RaisedAmount, args.Amount, 0)
	if carry != 0 {
		return Errorf(CodeArithmeticOverflow, "raised %d + amount %d overflows", p.RaisedAmount, args.Amount)
	}
	if raised > p.TargetAmount {
		return Errorf(CodeExceedsTargetAmount, "raised %d + amount %d exceeds target %d", p.RaisedAmount, args.Amount, p.TargetAmount)
	}
	if args.Amount < MinimumInvestment {
		return Errorf(CodeMinimumInvestmentNotMet, "amount %d below minimum %d", args.Amount, MinimumInvestment)
	}

	vault := VaultAddress(c.Program, p.ProjectID)
	if err := c.Token.Transfer(c.Tx, args.Source, vault, args.Amount, token.Signer(c.Signer)); err != nil {
		return Wrap(CodeTransferFailed, "invest transfer", err)
	}

	count, carry32 := bits.Add32(p.InvestorCount, 1, 0)
	if carry32 != 0 {
		return Errorf(CodeArithmeticOverflow, "investor count overflows")
	}
	p.RaisedAmount = raised
	p.InvestorCount = count
	if err := saveProject(c.Tx, c.Program, p); err != nil {
		return err
	}

	inv := Investment{
		ProjectID: p.ProjectID,
		Investor:  c.Signer,
		Amount:    args.Amount,
		Timestamp: c.Now,
	}
	if err := createInvestment(c, inv); err != nil {
		return err
	}

	c.emit(InvestmentMade{ProjectID: inv.ProjectID, Investor: inv.Investor, Amount: inv.Amount, Timestamp: inv.Timestamp})
	return nil
}

// WithdrawFunds sends amount from the vault to destination. Only the project authority
// may call it, and raised_amount is left as is: each withdrawal is bounded by the total
// ever raised, not by what remains.
func WithdrawFunds(c *Context, args WithdrawArgs) error {
	p, err := loadProject(c.Tx, c.Program, args.ProjectID)
	if err != nil {
		return err
	}
	if c.Signer != p.Authority {
		return Errorf(CodeUnauthorized, "signer %s is not the authority of project %d", c.Signer, p.ProjectID)
	}
	if args.Amount > p.RaisedAmount {
		return Errorf(CodeInsufficientFunds, "amount %d above raised %d", args.Amount, p.RaisedAmount)
	}

	vault := VaultAddress(c.Program, p.ProjectID)
	if args.Destination == vault {
		return Errorf(CodeInvalidAccount, "withdraw destination is the project %d vault", p.ProjectID)
	}
	if err := c.Token.Transfer(c.Tx, vault, args.Destination, args.Amount, vaultAuthority{vault: vault}); err != nil {
		return Wrap(CodeTransferFailed, "withdraw transfer", err)
	}

	c.emit(FundsWithdrawn{ProjectID: p.ProjectID, Authority: p.Authority, Amount: args.Amount})
	return nil
}
