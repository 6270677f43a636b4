package escrow

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"co2e-escrow-go/internal/ledger"
)

// fakeLedger serves reads from in-memory maps, mirroring the real
// client's not-found semantics.
type fakeLedger struct {
	accounts      map[solana.PublicKey][]byte
	balances      map[solana.PublicKey]uint64
	tokenBalances map[solana.PublicKey]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts:      make(map[solana.PublicKey][]byte),
		balances:      make(map[solana.PublicKey]uint64),
		tokenBalances: make(map[solana.PublicKey]uint64),
	}
}

func (f *fakeLedger) GetAccount(_ context.Context, addr solana.PublicKey) ([]byte, error) {
	data, ok := f.accounts[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return data, nil
}

func (f *fakeLedger) GetBalance(_ context.Context, addr solana.PublicKey) (uint64, error) {
	return f.balances[addr], nil
}

func (f *fakeLedger) GetTokenBalance(_ context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	return f.tokenBalances[tokenAccount], nil
}

// installEscrow writes an initialized escrow record into the fake.
func (f *fakeLedger) installEscrow(t *testing.T, admin solana.PublicKey, price uint64) {
	t.Helper()
	addr, bump := DeriveEscrowAddress(TokenMint)
	data, err := EncodeAccount(&Account{
		Admin:              admin,
		TokenMint:          TokenMint,
		EscrowTokenAccount: CustodyTokenAddress(TokenMint),
		PricePerToken:      price,
		Bump:               bump,
	})
	require.NoError(t, err)
	f.accounts[addr] = data
}

func TestInitializeGuardsExistingEscrow(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()

	op := svc.Initialize(admin, 50000)
	require.Equal("initialize", op.Label())
	require.Equal(admin, op.FeePayer())

	// On a fresh ledger the custody token account does not exist yet;
	// its creation rides in the same transaction, ordered before the
	// program call.
	instructions, err := op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 2)
	require.NotEqual(ProgramID, instructions[0].ProgramID())
	require.Equal(ProgramID, instructions[1].ProgramID())

	custodyCreated := false
	for _, meta := range instructions[0].Accounts() {
		if meta.PublicKey.Equals(CustodyTokenAddress(TokenMint)) {
			custodyCreated = true
		}
	}
	require.True(custodyCreated)

	// With custody already present only the program call remains.
	fake.accounts[CustodyTokenAddress(TokenMint)] = []byte{1}
	instructions, err = op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 1)
	require.Equal(ProgramID, instructions[0].ProgramID())

	fake.installEscrow(t, admin, 50000)
	_, err = op.Instructions(ctx)
	require.ErrorIs(err, ErrAlreadyInitialized)
}

func TestStateAndAvailable(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)

	_, err := svc.State(ctx)
	require.ErrorIs(err, ErrNotInitialized)

	admin := solana.NewWallet().PublicKey()
	fake.installEscrow(t, admin, 50000)
	fake.tokenBalances[CustodyTokenAddress(TokenMint)] = 5_000_000_000

	state, err := svc.State(ctx)
	require.NoError(err)
	require.Equal(admin, state.Admin)
	require.Equal(uint64(50000), state.PricePerToken)

	available, err := svc.Available(ctx)
	require.NoError(err)
	require.Equal(uint64(5_000_000_000), available)

	has, err := svc.HasInventory(ctx)
	require.NoError(err)
	require.True(has)
}

func TestBuyChecksInventoryAndFunds(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PublicKey()

	fake.installEscrow(t, admin, 50000)

	op := svc.Buy(buyer, 100, StoredRecipient())

	// No inventory yet.
	_, err := op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientInventory)

	// Inventory present, buyer broke. 100 units at 50000 costs 50000.
	fake.tokenBalances[CustodyTokenAddress(TokenMint)] = 1000
	fake.balances[buyer] = 49999
	_, err = op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientFunds)

	fake.balances[buyer] = 50000
	instructions, err := op.Instructions(ctx)
	require.NoError(err)
	// Create buyer ATA, buy, memo.
	require.Len(instructions, 3)
	require.Equal(ProgramID, instructions[1].ProgramID())
	require.Equal(MemoProgramID, instructions[2].ProgramID())
}

func TestBuySkipsTokenAccountCreationWhenPresent(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PublicKey()

	fake.installEscrow(t, admin, 50000)
	fake.tokenBalances[CustodyTokenAddress(TokenMint)] = 1000
	fake.balances[buyer] = 1_000_000

	buyerATA, err := DeriveOwnerTokenAddress(buyer, TokenMint, false)
	require.NoError(err)
	fake.accounts[buyerATA] = []byte{1}

	instructions, err := svc.Buy(buyer, 100, StoredRecipient()).Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 2)
	require.Equal(ProgramID, instructions[0].ProgramID())
}

func TestBuyRebuildsFromFreshState(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()
	buyer := solana.NewWallet().PublicKey()

	fake.installEscrow(t, admin, 50000)
	fake.tokenBalances[CustodyTokenAddress(TokenMint)] = 1000
	fake.balances[buyer] = 60000

	op := svc.Buy(buyer, 100, StoredRecipient())
	_, err := op.Instructions(ctx)
	require.NoError(err)

	// Price rises between attempts; the rebuilt instruction list sees
	// the new price and the affordability check fails.
	fake.installEscrow(t, admin, 100000)
	_, err = op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientFunds)
}

func TestFundChecksSourceBalance(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	funder := solana.NewWallet().PublicKey()

	fake.installEscrow(t, funder, 50000)

	op := svc.Fund(funder, 5_000_000_000)
	_, err := op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientFunds)

	source, err := DeriveOwnerTokenAddress(funder, TokenMint, false)
	require.NoError(err)
	fake.tokenBalances[source] = 10_000_000_000

	// Custody token account missing, so creation precedes the transfer.
	instructions, err := op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 2)
	require.Equal(solana.TokenProgramID, instructions[1].ProgramID())

	fake.accounts[CustodyTokenAddress(TokenMint)] = []byte{1}
	instructions, err = op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 1)
	require.Equal(solana.TokenProgramID, instructions[0].ProgramID())
}

func TestFundTreasuryCreatesTreasuryTokenAccount(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	funder := solana.NewWallet().PublicKey()
	treasuryOwner := solana.NewWallet().PublicKey()

	source, err := DeriveOwnerTokenAddress(funder, TokenMint, false)
	require.NoError(err)
	fake.tokenBalances[source] = 10_000_000_000

	op := svc.FundTreasury(funder, treasuryOwner, 10_000_000_000)
	instructions, err := op.Instructions(ctx)
	require.NoError(err)
	// Treasury token account missing, so creation precedes the transfer.
	require.Len(instructions, 2)
	require.Equal(solana.TokenProgramID, instructions[1].ProgramID())

	destination, err := DeriveOwnerTokenAddress(treasuryOwner, TokenMint, true)
	require.NoError(err)
	fake.accounts[destination] = []byte{1}

	instructions, err = op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 1)

	_, err = svc.FundTreasury(funder, treasuryOwner, 20_000_000_000).Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientFunds)
}

func TestWithdrawChecksInventory(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()

	fake.installEscrow(t, admin, 50000)
	fake.tokenBalances[CustodyTokenAddress(TokenMint)] = 500

	op := svc.Withdraw(admin, 1000)
	_, err := op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientInventory)

	instructions, err := svc.Withdraw(admin, 500).Instructions(ctx)
	require.NoError(err)
	// Admin ATA missing, so creation precedes the withdraw.
	require.Len(instructions, 2)
	require.Equal(ProgramID, instructions[1].ProgramID())
}

func TestProvisionBuildsMultisigTransfer(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	fake := newFakeLedger()
	svc := NewService(fake, TokenMint)
	admin := solana.NewWallet().PublicKey()
	fake.installEscrow(t, admin, 50000)

	treasury := solana.NewWallet().PublicKey()
	multisigAccount := solana.NewWallet().PublicKey()
	signers := []solana.PublicKey{
		solana.NewWallet().PublicKey(),
		solana.NewWallet().PublicKey(),
	}

	op := svc.Provision(admin, treasury, multisigAccount, signers, 5_000_000_000)
	_, err := op.Instructions(ctx)
	require.ErrorIs(err, ErrInsufficientFunds)

	fake.tokenBalances[treasury] = 10_000_000_000
	instructions, err := op.Instructions(ctx)
	require.NoError(err)
	require.Len(instructions, 1)
	require.Equal(solana.TokenProgramID, instructions[0].ProgramID())

	// The member subset co-signs; the multisig account itself does not.
	accounts := instructions[0].Accounts()
	bySigner := make(map[solana.PublicKey]bool)
	for _, acc := range accounts {
		bySigner[acc.PublicKey] = acc.IsSigner
	}
	require.False(bySigner[multisigAccount])
	for _, signer := range signers {
		require.True(bySigner[signer])
	}
}
