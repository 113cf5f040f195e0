package escrow

import (
	"fmt"

	"greenova.io/internal/address"
	"greenova.io/internal/layout"
)

const (
	// MinimumInvestment is 0.1 of a 9-decimal asset, in base units.
	MinimumInvestment uint64 = 100_000_000
	MaxNameLen               = 50

	KindProject    = "escrow/project"
	KindInvestment = "escrow/investment"
)

var (
	projectDisc    = layout.DiscriminatorFor("Project")
	investmentDisc = layout.DiscriminatorFor("Investment")
)

type Project struct {
	ProjectID     uint64          `json:"project_id"`
	TargetAmount  uint64          `json:"target_amount"`
	RaisedAmount  uint64          `json:"raised_amount"`
	InvestorCount uint32          `json:"investor_count"`
	Name          string          `json:"project_name"`
	IsActive      bool            `json:"is_active"`
	Authority     address.Address `json:"authority"`
	Mint          address.Address `json:"mint"`
}

func (p Project) MarshalBinary() ([]byte, error) {
	w := layout.NewWriter(projectDisc, 8+8+8+4+4+MaxNameLen+1+32+32)
	w.U64(p.ProjectID)
	w.U64(p.TargetAmount)
	w.U64(p.RaisedAmount)
	w.U32(p.InvestorCount)
	w.String(p.Name, MaxNameLen)
	w.Bool(p.IsActive)
	w.Address(p.Authority)
	w.Address(p.Mint)
	return w.Bytes()
}

func (p *Project) UnmarshalBinary(data []byte) error {
	r, err := layout.NewReader(data, projectDisc)
	if err != nil {
		return err
	}
	p.ProjectID = r.U64()
	p.TargetAmount = r.U64()
	p.RaisedAmount = r.U64()
	p.InvestorCount = r.U32()
	p.Name = r.String(MaxNameLen)
	p.IsActive = r.Bool()
	p.Authority = r.Address()
	p.Mint = r.Address()
	if err := r.Err(); err != nil {
		return err
	}
	if p.RaisedAmount > p.TargetAmount {
		return fmt.Errorf("project %d: raised %d above target %d", p.ProjectID, p.RaisedAmount, p.TargetAmount)
	}
	return nil
}

type Investment struct {
	ProjectID uint64          `json:"project_id"`
	Investor  address.Address `json:"investor"`
	Amount    uint64          `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

func (i Investment) MarshalBinary() ([]byte, error) {
	w := layout.NewWriter(investmentDisc, 8+32+8+8)
	w.U64(i.ProjectID)
	w.Address(i.Investor)
	w.U64(i.Amount)
	w.I64(i.Timestamp)
	return w.Bytes()
}

func (i *Investment) UnmarshalBinary(data []byte) error {
	r, err := layout.NewReader(data, investmentDisc)
	if err != nil {
		return err
	}
	i.ProjectID = r.U64()
	i.Investor = r.Address()
	i.Amount = r.U64()
	i.Timestamp = r.I64()
	return r.Err()
}
