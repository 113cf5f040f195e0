package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"greenova.io/internal/address"
	"greenova.io/internal/escrow"
	"greenova.io/internal/ledger"
	"greenova.io/internal/protocol"
	"greenova.io/internal/token"
	"greenova.io/internal/transport/ws"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		secret    = flag.String("jwt_secret", os.Getenv("GV_AUTH_JWT_SECRET"), "HS256 secret used to mint session tokens (empty: anonymous identities)")
		projectID = flag.Uint64("project", 1, "project id to create")
		target    = flag.Uint64("target", 5_000_000_000, "project target amount")
		investors = flag.Int("investors", 3, "number of investors")
		amount    = flag.Uint64("amount", escrow.MinimumInvestment, "amount each investor puts in")
		withdraw  = flag.Uint64("withdraw", escrow.MinimumInvestment, "amount the founder withdraws, twice")
		prefix    = flag.String("seed", "bot", "seed prefix for bot identities")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sum, err := runScenario(ctx, scenario{
		URL:        *url,
		JWTSecret:  []byte(*secret),
		SeedPrefix: *prefix,
		ProjectID:  *projectID,
		Target:     *target,
		Investors:  *investors,
		Amount:     *amount,
		Withdraw:   *withdraw,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("scenario: %v", err)
	}
	logger.Printf("project=%d raised=%d investors=%d vault=%d events=%d",
		sum.Project.ProjectID, sum.Project.RaisedAmount, sum.Project.InvestorCount, sum.VaultBalance, sum.Events)
}

type scenario struct {
	URL        string
	JWTSecret  []byte
	SeedPrefix string
	ProjectID  uint64
	Target     uint64
	Investors  int
	Amount     uint64
	Withdraw   uint64
	Logger     *log.Logger
}

type summary struct {
	Project      escrow.Project
	VaultBalance uint64
	Events       int
}

// runScenario walks one funding round: a mint authority funds investors, a founder
// opens the project, investors back it and the founder withdraws twice.
func runScenario(ctx context.Context, sc scenario) (summary, error) {
	var sum summary
	who := func(role string) address.Address { return address.FromSeed(sc.SeedPrefix + "/" + role) }
	connect := func(id address.Address, subscribe bool) (*client, error) {
		opts := dialOptions{URL: sc.URL, Identity: id, Subscribe: subscribe}
		if len(sc.JWTSecret) > 0 {
			tok, err := ws.IssueToken(sc.JWTSecret, id, time.Hour)
			if err != nil {
				return nil, err
			}
			opts.Token = tok
		}
		return dial(ctx, opts)
	}

	authority, err := connect(who("mint-authority"), false)
	if err != nil {
		return sum, err
	}
	defer authority.Close()
	tokenID, err := address.Parse(authority.welcome.TokenProgramID)
	if err != nil {
		return sum, fmt.Errorf("welcome token program: %w", err)
	}
	tp := token.New(tokenID)
	const mintSeed = "usdg"
	mint := tp.MintAddress(who("mint-authority"), mintSeed)
	if err := expect(authority, ledger.Op{Kind: ledger.KindCreateMint, CreateMint: &ledger.CreateMintArgs{Seed: mintSeed, Decimals: 9}}, escrow.CodeAlreadyExists); err != nil {
		return sum, err
	}

	founder, err := connect(who("founder"), true)
	if err != nil {
		return sum, err
	}
	defer founder.Close()
	openAccount := func(c *client) error {
		return expect(c, ledger.Op{Kind: ledger.KindCreateTokenAccount, CreateTokenAccount: &ledger.CreateTokenAccountArgs{Mint: mint}}, escrow.CodeAlreadyExists)
	}
	if err := openAccount(founder); err != nil {
		return sum, err
	}
	if err := expect(founder, ledger.Op{Kind: ledger.KindCreateProject, CreateProject: &escrow.CreateProjectArgs{
		ProjectID:    sc.ProjectID,
		TargetAmount: sc.Target,
		Name:         fmt.Sprintf("%s project %d", sc.SeedPrefix, sc.ProjectID),
		Mint:         mint,
	}}); err != nil {
		return sum, err
	}

	for i := 0; i < sc.Investors; i++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		id := who(fmt.Sprintf("investor-%d", i))
		inv, err := connect(id, false)
		if err != nil {
			return sum, err
		}
		ata := tp.AssociatedAddress(id, mint)
		err = openAccount(inv)
		if err == nil {
			err = expect(authority, ledger.Op{Kind: ledger.KindMintTo, MintTo: &ledger.MintToArgs{Mint: mint, Destination: ata, Amount: sc.Amount}})
		}
		if err == nil {
			err = expect(inv, ledger.Op{Kind: ledger.KindInvest, Invest: &escrow.InvestArgs{ProjectID: sc.ProjectID, Amount: sc.Amount, Source: ata}})
		}
		inv.Close()
		if err != nil {
			return sum, fmt.Errorf("investor %d: %w", i, err)
		}
		if sc.Logger != nil {
			sc.Logger.Printf("investor %d invested %d", i, sc.Amount)
		}
	}

	// The raised amount is not reduced by withdrawals, so the second one succeeds
	// while the vault still covers it.
	dest := tp.AssociatedAddress(who("founder"), mint)
	for i := 0; i < 2; i++ {
		if err := expect(founder, ledger.Op{Kind: ledger.KindWithdraw, Withdraw: &escrow.WithdrawArgs{ProjectID: sc.ProjectID, Amount: sc.Withdraw, Destination: dest}}, escrow.CodeInsufficientFunds); err != nil {
			return sum, err
		}
	}

	id := sc.ProjectID
	if err := founder.query(protocol.QueryGetProject, protocol.QueryParams{ProjectID: &id}, &sum.Project); err != nil {
		return sum, err
	}
	var vault struct {
		Balance uint64 `json:"balance"`
	}
	if err := founder.query(protocol.QueryVaultBalance, protocol.QueryParams{ProjectID: &id}, &vault); err != nil {
		return sum, err
	}
	sum.VaultBalance = vault.Balance
	sum.Events = founder.events
	return sum, nil
}

// expect submits op and fails unless it commits or is rejected with one of allowed.
func expect(c *client, op ledger.Op, allowed ...escrow.Code) error {
	res, err := c.submit(op)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Kind, err)
	}
	if res.OK {
		return nil
	}
	for _, code := range allowed {
		if res.Code == string(code) {
			return nil
		}
	}
	return fmt.Errorf("%s: %s %s", op.Kind, res.Code, res.Message)
}
