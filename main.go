package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"co2e-escrow-go/internal/escrow"
	"co2e-escrow-go/internal/ledger"
	"co2e-escrow-go/internal/multisig"
	"co2e-escrow-go/internal/submit"
)

const defaultRPC = "https://api.devnet.solana.com"

const usage = `Usage: co2e-escrow <command> [flags]

Commands:
  initialize   create the escrow account with a starting price
  fund         move tokens from your token account into escrow custody
  endow        move tokens from your token account into the multisig treasury
  buy          purchase tokens at the stored price
  price        update the per-token price (admin)
  withdraw     pull unsold tokens out of custody (admin)
  provision    move tokens from the multisig treasury into custody
  approve      co-sign a pending treasury transaction via the relay
  status       print escrow state and balances
`

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "initialize":
		err = runInitialize(ctx, os.Args[2:])
	case "fund":
		err = runFund(ctx, os.Args[2:])
	case "endow":
		err = runEndow(ctx, os.Args[2:])
	case "buy":
		err = runBuy(ctx, os.Args[2:])
	case "price":
		err = runPrice(ctx, os.Args[2:])
	case "withdraw":
		err = runWithdraw(ctx, os.Args[2:])
	case "provision":
		err = runProvision(ctx, os.Args[2:])
	case "approve":
		err = runApprove(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// common holds the flags every command shares.
type common struct {
	fs      *flag.FlagSet
	rpc     *string
	keypair *string
	mint    *string
}

func newCommon(name string) *common {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &common{
		fs:      fs,
		rpc:     fs.String("rpc", defaultRPC, "RPC endpoint"),
		keypair: fs.String("keypair", "", "path to Solana keygen file"),
		mint:    fs.String("mint", escrow.TokenMint.String(), "token mint address"),
	}
}

func (c *common) setup() (*ledger.Client, *escrow.Service, solana.PrivateKey, error) {
	if *c.keypair == "" {
		return nil, nil, nil, fmt.Errorf("missing required -keypair flag")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(*c.keypair)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load keypair: %v", err)
	}
	mint, err := solana.PublicKeyFromBase58(*c.mint)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid mint address: %v", err)
	}
	client := ledger.New(*c.rpc)
	return client, escrow.NewService(client, mint), key, nil
}

// lamportsSOL renders a lamport amount as SOL for display.
func lamportsSOL(lamports uint64) string {
	return decimal.NewFromUint64(lamports).
		Div(decimal.NewFromInt(int64(solana.LAMPORTS_PER_SOL))).String()
}

// tokenUnits renders raw token units using the mint's decimals.
func tokenUnits(units uint64) string {
	return decimal.NewFromUint64(units).
		Div(decimal.NewFromInt(escrow.UnitsPerWholeToken)).String()
}

// balanceReport formats one account's before/after line.
func balanceReport(label string, before, after uint64, format func(uint64) string) string {
	return fmt.Sprintf("%s: %s -> %s", label, format(before), format(after))
}

func runInitialize(ctx context.Context, args []string) error {
	c := newCommon("initialize")
	price := c.fs.Uint64("price", 0, "price per whole token, in lamports")
	c.fs.Parse(args)

	if *price == 0 {
		return fmt.Errorf("missing required -price flag")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	log.Printf("Initializing escrow for mint %s at %s SOL per token", svc.Mint, lamportsSOL(*price))

	before, err := svc.Available(ctx)
	if err != nil {
		return err
	}

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.Initialize(key.PublicKey(), *price))
	if err != nil {
		return err
	}

	after, err := svc.Available(ctx)
	if err != nil {
		return err
	}
	log.Printf("Escrow initialized: %s", sig)
	log.Print(balanceReport("Custody balance", before, after, tokenUnits))
	return nil
}

func runFund(ctx context.Context, args []string) error {
	c := newCommon("fund")
	amount := c.fs.Uint64("amount", 0, "token units to move into custody")
	c.fs.Parse(args)

	if *amount == 0 {
		return fmt.Errorf("missing required -amount flag")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.Fund(key.PublicKey(), *amount))
	if err != nil {
		return err
	}

	available, err := svc.Available(ctx)
	if err != nil {
		return err
	}
	log.Printf("Funded %s tokens: %s", tokenUnits(*amount), sig)
	log.Printf("Escrow now holds %s tokens", tokenUnits(available))
	return nil
}

func runEndow(ctx context.Context, args []string) error {
	c := newCommon("endow")
	amount := c.fs.Uint64("amount", 0, "token units to move into the treasury")
	multisigAddr := c.fs.String("multisig", "", "token-program multisig account address (treasury owner)")
	c.fs.Parse(args)

	if *amount == 0 || *multisigAddr == "" {
		return fmt.Errorf("missing required flags (-amount, -multisig)")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	treasuryOwner, err := solana.PublicKeyFromBase58(*multisigAddr)
	if err != nil {
		return fmt.Errorf("invalid multisig address: %v", err)
	}

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.FundTreasury(key.PublicKey(), treasuryOwner, *amount))
	if err != nil {
		return err
	}
	log.Printf("Endowed treasury with %s tokens: %s", tokenUnits(*amount), sig)
	return nil
}

func runBuy(ctx context.Context, args []string) error {
	c := newCommon("buy")
	amount := c.fs.Uint64("amount", 0, "token units to purchase")
	recipientFlag := c.fs.String("recipient", "", "override payment recipient (requires -reason)")
	reason := c.fs.String("reason", "", "justification for overriding the payment recipient")
	c.fs.Parse(args)

	if *amount == 0 {
		return fmt.Errorf("missing required -amount flag")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	recipient := escrow.StoredRecipient()
	if *recipientFlag != "" {
		addr, err := solana.PublicKeyFromBase58(*recipientFlag)
		if err != nil {
			return fmt.Errorf("invalid recipient address: %v", err)
		}
		recipient, err = escrow.OverrideRecipient(addr, *reason)
		if err != nil {
			return err
		}
	}

	state, err := svc.State(ctx)
	if err != nil {
		return err
	}
	cost, err := escrow.Cost(*amount, state.PricePerToken)
	if err != nil {
		return err
	}
	before, err := client.GetBalance(ctx, key.PublicKey())
	if err != nil {
		return err
	}
	log.Printf("Buying %s tokens for %s SOL (balance %s SOL)",
		tokenUnits(*amount), lamportsSOL(cost), lamportsSOL(before))

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.Buy(key.PublicKey(), *amount, recipient))
	if err != nil {
		return err
	}

	after, err := client.GetBalance(ctx, key.PublicKey())
	if err != nil {
		return err
	}
	log.Printf("Purchase confirmed: %s", sig)
	log.Printf("Balance: %s SOL -> %s SOL", lamportsSOL(before), lamportsSOL(after))
	return nil
}

func runPrice(ctx context.Context, args []string) error {
	c := newCommon("price")
	newPrice := c.fs.Uint64("new", 0, "new price per whole token, in lamports")
	c.fs.Parse(args)

	if *newPrice == 0 {
		return fmt.Errorf("missing required -new flag")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	state, err := svc.State(ctx)
	if err != nil {
		return err
	}
	log.Printf("Updating price: %s SOL -> %s SOL per token",
		lamportsSOL(state.PricePerToken), lamportsSOL(*newPrice))

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.UpdatePrice(key.PublicKey(), *newPrice))
	if err != nil {
		return err
	}
	log.Printf("Price updated: %s", sig)
	return nil
}

func runWithdraw(ctx context.Context, args []string) error {
	c := newCommon("withdraw")
	amount := c.fs.Uint64("amount", 0, "token units to withdraw from custody")
	c.fs.Parse(args)

	if *amount == 0 {
		return fmt.Errorf("missing required -amount flag")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	adminTokenAccount, err := escrow.DeriveOwnerTokenAddress(key.PublicKey(), svc.Mint, false)
	if err != nil {
		return err
	}
	custodyBefore, err := svc.Available(ctx)
	if err != nil {
		return err
	}
	adminBefore, err := client.GetTokenBalance(ctx, adminTokenAccount)
	if err != nil {
		return err
	}

	engine := submit.NewEngine(client, submit.NewLocalSigner(key))
	sig, err := engine.Execute(ctx, svc.Withdraw(key.PublicKey(), *amount))
	if err != nil {
		return err
	}

	custodyAfter, err := svc.Available(ctx)
	if err != nil {
		return err
	}
	adminAfter, err := client.GetTokenBalance(ctx, adminTokenAccount)
	if err != nil {
		return err
	}
	log.Printf("Withdrew %s tokens: %s", tokenUnits(*amount), sig)
	log.Print(balanceReport("Custody balance", custodyBefore, custodyAfter, tokenUnits))
	log.Print(balanceReport("Admin token balance", adminBefore, adminAfter, tokenUnits))
	return nil
}

func runProvision(ctx context.Context, args []string) error {
	c := newCommon("provision")
	amount := c.fs.Uint64("amount", 0, "token units to move from treasury into custody")
	treasury := c.fs.String("treasury", "", "treasury token account address")
	multisigAddr := c.fs.String("multisig", "", "token-program multisig account address")
	membersFlag := c.fs.String("members", "", "comma-separated multisig member public keys")
	threshold := c.fs.Int("threshold", 2, "signatures required")
	relay := c.fs.String("relay", "http://localhost:8080", "signing relay URL")
	c.fs.Parse(args)

	if *amount == 0 || *treasury == "" || *multisigAddr == "" || *membersFlag == "" {
		return fmt.Errorf("missing required flags (-amount, -treasury, -multisig, -members)")
	}

	client, svc, key, err := c.setup()
	if err != nil {
		return err
	}

	treasuryAccount, err := solana.PublicKeyFromBase58(*treasury)
	if err != nil {
		return fmt.Errorf("invalid treasury address: %v", err)
	}
	multisigAccount, err := solana.PublicKeyFromBase58(*multisigAddr)
	if err != nil {
		return fmt.Errorf("invalid multisig address: %v", err)
	}

	cfg := multisig.Config{Threshold: *threshold}
	for _, m := range strings.Split(*membersFlag, ",") {
		member, err := solana.PublicKeyFromBase58(strings.TrimSpace(m))
		if err != nil {
			return fmt.Errorf("invalid member key %q: %v", m, err)
		}
		cfg.Members = append(cfg.Members, member)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// The instruction names a fixed co-signer subset; the signing
	// session is scoped to the same subset so every collected signature
	// has a required-signer slot to land in.
	subset, err := cfg.SignerSubset()
	if err != nil {
		return err
	}

	op := svc.Provision(key.PublicKey(), treasuryAccount, multisigAccount, subset.Members, *amount)

	engine := submit.NewEngine(client,
		submit.NewLocalSigner(key),
		&multisig.RelaySigner{Client: multisig.NewRelayClient(*relay), Config: subset},
	)
	sig, err := engine.Execute(ctx, op)
	if err != nil {
		return err
	}
	log.Printf("Provisioned %s tokens from treasury: %s", tokenUnits(*amount), sig)
	return nil
}

func runApprove(ctx context.Context, args []string) error {
	c := newCommon("approve")
	relay := c.fs.String("relay", "http://localhost:8080", "signing relay URL")
	session := c.fs.String("session", "", "signing session ID")
	c.fs.Parse(args)

	if *session == "" {
		return fmt.Errorf("missing required -session flag")
	}
	if *c.keypair == "" {
		return fmt.Errorf("missing required -keypair flag")
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(*c.keypair)
	if err != nil {
		return fmt.Errorf("failed to load keypair: %v", err)
	}

	client := multisig.NewRelayClient(*relay)
	if err := client.Join(*session, key.PublicKey()); err != nil {
		return err
	}
	payload, err := client.FetchPayload(*session)
	if err != nil {
		return err
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign payload: %v", err)
	}
	if err := client.SubmitSignature(*session, key.PublicKey(), sig); err != nil {
		return err
	}
	log.Printf("Signature submitted to session %s as %s", *session, key.PublicKey())
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	c := newCommon("status")
	c.fs.Parse(args)

	mint, err := solana.PublicKeyFromBase58(*c.mint)
	if err != nil {
		return fmt.Errorf("invalid mint address: %v", err)
	}
	client := ledger.New(*c.rpc)
	svc := escrow.NewService(client, mint)

	escrowAddr, bump := escrow.DeriveEscrowAddress(mint)
	log.Printf("Escrow account: %s (bump %d)", escrowAddr, bump)
	log.Printf("Custody account: %s", escrow.CustodyTokenAddress(mint))

	state, err := svc.State(ctx)
	if err == escrow.ErrNotInitialized {
		log.Printf("State: uninitialized")
		return nil
	}
	if err != nil {
		return err
	}

	available, err := svc.Available(ctx)
	if err != nil {
		return err
	}

	log.Printf("Admin: %s", state.Admin)
	log.Printf("Price: %s SOL per token", lamportsSOL(state.PricePerToken))
	log.Printf("Available: %s tokens", tokenUnits(available))
	log.Printf("Total sold: %s tokens", tokenUnits(state.TotalSold))
	log.Printf("Total revenue: %s SOL", lamportsSOL(state.TotalRevenue))
	if available > 0 {
		log.Printf("State: selling")
	} else {
		log.Printf("State: initialized (no inventory)")
	}
	return nil
}
