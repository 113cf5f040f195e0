package ledger

import (
	"errors"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/store"
	"greenova.io/internal/token"
)

func (l *Ledger) dispatch(tx store.Tx, signer address.Address, op Op, now int64) ([]escrow.Event, error) {
	c := &escrow.Context{
		Program: l.env.Program,
		Signer:  signer,
		Tx:      tx,
		Token:   l.env.Token,
		Now:     now,
	}
	var err error
	switch op.Kind {
	case KindCreateProject:
		err = escrow.CreateProject(c, *op.CreateProject)
	case KindInvest:
		err = escrow.Invest(c, *op.Invest)
	case KindWithdraw:
		err = escrow.WithdrawFunds(c, *op.Withdraw)
	default:
		return nil, l.tokenOp(tx, signer, op)
	}
	if err != nil {
		return nil, err
	}
	return c.Events(), nil
}

func (l *Ledger) tokenOp(tx store.Tx, signer address.Address, op Op) error {
	tp := l.env.Token
	auth := token.Signer(signer)
	switch op.Kind {
	case KindCreateMint:
		a := op.CreateMint
		var freeze *address.Address
		if a.Freezable {
			freeze = &signer
		}
		return tokenErr(tp.InitializeMint(tx, tp.MintAddress(signer, a.Seed), a.Decimals, signer, freeze))
	case KindCreateTokenAccount:
		a := op.CreateTokenAccount
		owner := a.owner(signer)
		return tokenErr(tp.InitializeAccount(tx, tp.AssociatedAddress(owner, a.Mint), a.Mint, owner))
	case KindMintTo:
		a := op.MintTo
		return tokenErr(tp.MintTo(tx, a.Mint, a.Destination, a.Amount, auth))
	case KindTransfer:
		a := op.Transfer
		if err := tp.Transfer(tx, a.From, a.To, a.Amount, auth); err != nil {
			if coded := passCoded(err); coded != nil {
				return coded
			}
			return escrow.Wrap(escrow.CodeTransferFailed, "transfer", err)
		}
		return nil
	case KindFreezeAccount:
		return tokenErr(tp.Freeze(tx, op.FreezeAccount.Account, auth))
	case KindThawAccount:
		return tokenErr(tp.Thaw(tx, op.ThawAccount.Account, auth))
	}
	return escrow.Errorf(escrow.CodeBadRequest, "unknown op kind %q", op.Kind)
}

func passCoded(err error) error {
	var e *escrow.Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// tokenErr maps token program failures onto operation codes.
func tokenErr(err error) error {
	if err == nil {
		return nil
	}
	if coded := passCoded(err); coded != nil {
		return coded
	}
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		return escrow.Wrap(escrow.CodeAlreadyExists, "token", err)
	case errors.Is(err, token.ErrAccountNotFound):
		return escrow.Wrap(escrow.CodeNotFound, "token", err)
	case errors.Is(err, token.ErrUnauthorized):
		return escrow.Wrap(escrow.CodeUnauthorized, "token", err)
	case errors.Is(err, token.ErrOverflow):
		return escrow.Wrap(escrow.CodeArithmeticOverflow, "token", err)
	case errors.Is(err, token.ErrInsufficientBalance):
		return escrow.Wrap(escrow.CodeInsufficientFunds, "token", err)
	case errors.Is(err, token.ErrInvalidAccount),
		errors.Is(err, token.ErrMintMismatch),
		errors.Is(err, token.ErrAccountFrozen),
		errors.Is(err, token.ErrNoFreezeAuthority):
		return escrow.Wrap(escrow.CodeInvalidAccount, "token", err)
	}
	return escrow.Wrap(escrow.CodeInternal, "token", err)
}
