package escrow

import "greenova.io/internal/address"

const (
	EventProjectCreated = "ProjectCreated"
	EventInvestmentMade = "InvestmentMade"
	EventFundsWithdrawn = "FundsWithdrawn"
)

type Event interface {
	EventName() string
	Project() uint64
}

type ProjectCreated struct {
	ProjectID    uint64          `json:"project_id"`
	TargetAmount uint64          `json:"target_amount"`
	Authority    address.Address `json:"authority"`
}

func (ProjectCreated) EventName() string { return EventProjectCreated }
func (e ProjectCreated) Project() uint64 { return e.ProjectID }

type InvestmentMade struct {
	ProjectID uint64          `json:"project_id"`
	Investor  address.Address `json:"investor"`
	Amount    uint64          `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

func (InvestmentMade) EventName() string { return EventInvestmentMade }
func (e InvestmentMade) Project() uint64 { return e.ProjectID }

type FundsWithdrawn struct {
	ProjectID uint64          `json:"project_id"`
	Authority address.Address `json:"authority"`
	Amount    uint64          `json:"amount"`
}

func (FundsWithdrawn) EventName() string { return EventFundsWithdrawn }
func (e FundsWithdrawn) Project() uint64 { return e.ProjectID }
