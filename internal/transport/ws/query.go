package ws

import (
	"context"
	"errors"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/persistence/indexdb"
	"greenova.io/internal/protocol"
)

// Index is the read model behind the withdrawals and activity queries.
type Index interface {
	Withdrawals(ctx context.Context, projectID uint64) ([]indexdb.Withdrawal, error)
	Activity(ctx context.Context, identity address.Address, limit int) ([]indexdb.Activity, error)
}

type queryError struct {
	code string
	msg  string
}

func (e *queryError) Error() string { return e.code + ": " + e.msg }

// ErrorCode maps a query or submit failure to its wire code.
func ErrorCode(err error) string {
	var qe *queryError
	if errors.As(err, &qe) {
		return qe.code
	}
	return string(escrow.CodeOf(err))
}

func badParam(msg string) error {
	return &queryError{code: protocol.ErrProtoBadRequest, msg: msg}
}

type WithdrawalsResult struct {
	ProjectID   uint64               `json:"project_id"`
	Withdrawals []indexdb.Withdrawal `json:"withdrawals"`
	Total       uint64               `json:"total"`
}

// Query answers one named read. Reads see only committed state.
func (s *Server) Query(ctx context.Context, name string, p protocol.QueryParams) (any, error) {
	env := s.ledger.Env()
	q := escrow.Queries{Program: env.Program, Token: env.Token}

	switch name {
	case protocol.QueryWithdrawals:
		if p.ProjectID == nil {
			return nil, badParam("project_id required")
		}
		if s.index == nil {
			return nil, &queryError{code: protocol.ErrIndexUnavailable, msg: "index disabled"}
		}
		rows, err := s.index.Withdrawals(ctx, *p.ProjectID)
		if err != nil {
			return nil, err
		}
		out := WithdrawalsResult{ProjectID: *p.ProjectID, Withdrawals: rows}
		for _, w := range rows {
			if out.Total+w.Amount < out.Total {
				out.Total = ^uint64(0)
				break
			}
			out.Total += w.Amount
		}
		return out, nil
	case protocol.QueryActivity:
		if s.index == nil {
			return nil, &queryError{code: protocol.ErrIndexUnavailable, msg: "index disabled"}
		}
		who, err := parseParamAddr(p.Address, "address")
		if err != nil {
			return nil, err
		}
		return s.index.Activity(ctx, who, p.Limit)
	}

	rd, err := s.ledger.Store().Read(ctx)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	switch name {
	case protocol.QueryGetProject:
		if p.ProjectID == nil {
			return nil, badParam("project_id required")
		}
		return q.GetProject(rd, *p.ProjectID)
	case protocol.QueryListProjects:
		return q.ListProjects(rd)
	case protocol.QueryGetInvestment:
		if p.ProjectID == nil {
			return nil, badParam("project_id required")
		}
		who, err := parseParamAddr(p.Investor, "investor")
		if err != nil {
			return nil, err
		}
		return q.GetInvestment(rd, *p.ProjectID, who)
	case protocol.QueryListInvestments:
		if p.ProjectID == nil {
			return nil, badParam("project_id required")
		}
		return q.ListInvestments(rd, *p.ProjectID)
	case protocol.QueryPortfolio:
		who, err := parseParamAddr(p.Investor, "investor")
		if err != nil {
			return nil, err
		}
		return q.Portfolio(rd, who)
	case protocol.QueryVaultBalance:
		if p.ProjectID == nil {
			return nil, badParam("project_id required")
		}
		bal, err := q.VaultBalance(rd, *p.ProjectID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"project_id": *p.ProjectID,
			"vault":      escrow.VaultAddress(env.Program, *p.ProjectID),
			"balance":    bal,
		}, nil
	case protocol.QueryTokenAccount:
		addr, err := parseParamAddr(p.Address, "address")
		if err != nil {
			return nil, err
		}
		return q.TokenAccount(rd, addr)
	default:
		return nil, &queryError{code: protocol.ErrUnknownQuery, msg: "unknown query " + name}
	}
}

func parseParamAddr(s, field string) (address.Address, error) {
	if s == "" {
		return address.Zero, badParam(field + " required")
	}
	a, err := address.Parse(s)
	if err != nil {
		return address.Zero, badParam(field + ": " + err.Error())
	}
	return a, nil
}
