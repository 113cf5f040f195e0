package escrow

import (
	"errors"
	"sort"

	"greenova.io/internal/address"
	"greenova.io/internal/store"
	"greenova.io/internal/token"
)

// Queries reads committed escrow state. Each method takes a reader so callers decide
// the snapshot it runs against.
type Queries struct {
	Program address.Address
	Token   *token.Program
}

func (q Queries) GetProject(r store.Reader, id uint64) (Project, error) {
	return loadProject(r, q.Program, id)
}

// ListProjects returns every project ordered by project id.
func (q Queries) ListProjects(r store.Reader) ([]Project, error) {
	accts, err := r.List(KindProject)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]Project, 0, len(accts))
	for _, a := range accts {
		if a.Owner != q.Program {
			continue
		}
		var p Project
		if err := p.UnmarshalBinary(a.Data); err != nil {
			return nil, Wrap(CodeInvalidAccount, "decode project "+a.Address.String(), err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (q Queries) GetInvestment(r store.Reader, id uint64, investor address.Address) (Investment, error) {
	return loadInvestment(r, q.Program, id, investor)
}

func (q Queries) allInvestments(r store.Reader) ([]Investment, error) {
	accts, err := r.List(KindInvestment)
	if err != nil {
		return nil, storeErr(err)
	}
	out := make([]Investment, 0, len(accts))
	for _, a := range accts {
		if a.Owner != q.Program {
			continue
		}
		var inv Investment
		if err := inv.UnmarshalBinary(a.Data); err != nil {
			return nil, Wrap(CodeInvalidAccount, "decode investment "+a.Address.String(), err)
		}
		out = append(out, inv)
	}
	return out, nil
}

// ListInvestments returns a project's investments, oldest first.
func (q Queries) ListInvestments(r store.Reader, id uint64) ([]Investment, error) {
	if _, err := q.GetProject(r, id); err != nil {
		return nil, err
	}
	all, err := q.allInvestments(r)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, inv := range all {
		if inv.ProjectID == id {
			out = append(out, inv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Investor.Compare(out[j].Investor) < 0
	})
	return out, nil
}

type Portfolio struct {
	Investor      address.Address `json:"investor"`
	Investments   []Investment    `json:"investments"`
	TotalInvested uint64          `json:"total_invested"`
	ProjectCount  int             `json:"project_count"`
}

// Portfolio sums every investment made by investor. The total saturates rather than wraps.
func (q Queries) Portfolio(r store.Reader, investor address.Address) (Portfolio, error) {
	pf := Portfolio{Investor: investor, Investments: []Investment{}}
	all, err := q.allInvestments(r)
	if err != nil {
		return pf, err
	}
	for _, inv := range all {
		if inv.Investor != investor {
			continue
		}
		pf.Investments = append(pf.Investments, inv)
		if pf.TotalInvested+inv.Amount < pf.TotalInvested {
			pf.TotalInvested = ^uint64(0)
		} else {
			pf.TotalInvested += inv.Amount
		}
	}
	sort.Slice(pf.Investments, func(i, j int) bool { return pf.Investments[i].ProjectID < pf.Investments[j].ProjectID })
	pf.ProjectCount = len(pf.Investments)
	return pf, nil
}

func (q Queries) VaultBalance(r store.Reader, id uint64) (uint64, error) {
	if _, err := q.GetProject(r, id); err != nil {
		return 0, err
	}
	a, err := q.TokenAccount(r, VaultAddress(q.Program, id))
	if err != nil {
		return 0, err
	}
	return a.Amount, nil
}

func (q Queries) TokenAccount(r store.Reader, addr address.Address) (token.Account, error) {
	a, err := q.Token.GetAccount(r, addr)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, token.ErrAccountNotFound):
		return a, Errorf(CodeNotFound, "token account %s not found", addr)
	case errors.Is(err, token.ErrInvalidAccount):
		return a, Wrap(CodeInvalidAccount, "token account "+addr.String(), err)
	default:
		return a, storeErr(err)
	}
}
