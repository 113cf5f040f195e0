package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Token is an HS256 JWT whose subject is the caller's address.
	Token string `json:"token,omitempty"`
	// Identity is honored only when the server allows anonymous sessions.
	Identity  string `json:"identity,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`
	MaxQueue  int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Identity        string `json:"identity"`
	ProgramID       string `json:"program_id"`
	TokenProgramID  string `json:"token_program_id"`
	Seq             uint64 `json:"seq"`
}

// SUBMIT (client -> server). Op is a ledger operation in its JSON form.
type SubmitMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ID              string          `json:"id"`
	Op              json.RawMessage `json:"op"`
}

type EventRef struct {
	Name      string          `json:"name"`
	ProjectID uint64          `json:"project_id"`
	Data      json.RawMessage `json:"data"`
}

// RESULT (server -> client), answers a SUBMIT.
type ResultMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Ref             string     `json:"ref"`
	OK              bool       `json:"ok"`
	Code            string     `json:"code,omitempty"`
	Message         string     `json:"message,omitempty"`
	TxID            string     `json:"tx_id,omitempty"`
	Seq             uint64     `json:"seq,omitempty"`
	Events          []EventRef `json:"events,omitempty"`
}

// Query names.
const (
	QueryGetProject      = "get_project"
	QueryListProjects    = "list_projects"
	QueryGetInvestment   = "get_investment"
	QueryListInvestments = "list_investments"
	QueryPortfolio       = "portfolio"
	QueryVaultBalance    = "vault_balance"
	QueryTokenAccount    = "token_account"
	QueryWithdrawals     = "withdrawals"
	QueryActivity        = "activity"
)

type QueryParams struct {
	ProjectID *uint64 `json:"project_id,omitempty"`
	Investor  string  `json:"investor,omitempty"`
	Address   string  `json:"address,omitempty"`
	Limit     int     `json:"limit,omitempty"`
}

// QUERY (client -> server)
type QueryMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ID              string      `json:"id"`
	Query           string      `json:"query"`
	Params          QueryParams `json:"params"`
}

// QUERY_RESULT (server -> client)
type QueryResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Ref             string `json:"ref"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Data            any    `json:"data,omitempty"`
}

// EVENT (server -> client), pushed to subscribed sessions after commit.
type EventMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Seq             uint64   `json:"seq"`
	TxID            string   `json:"tx_id"`
	Event           EventRef `json:"event"`
}
