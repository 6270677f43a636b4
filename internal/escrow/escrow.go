package escrow

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Program addresses from the deployed contract
var (
	ProgramID = solana.MustPublicKeyFromBase58("FsqvhRRiENRHLncK3GKMitZT1V126pXGpT2dtVEHhMkf")
	TokenMint = solana.MustPublicKeyFromBase58("C9vBPNUk9ENVo5iEPY6LwBVoyNTGxZ7jU4uuqjGQde7D")

	// v3 memo program, used for purchase audit entries
	MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
)

const (
	// TokenDecimals is the CO₂e mint's decimal count; price is quoted in
	// lamports per whole token, so costs divide by UnitsPerWholeToken.
	TokenDecimals      = 2
	UnitsPerWholeToken = 100
)

var escrowSeed = []byte("escrow")

var (
	ErrAlreadyInitialized    = errors.New("escrow already initialized at derived address")
	ErrNotInitialized        = errors.New("escrow not initialized")
	ErrInsufficientInventory = errors.New("insufficient token inventory in escrow")
	ErrInsufficientFunds     = errors.New("insufficient funds for purchase")
	ErrOffCurveOwner         = errors.New("owner is off-curve; pass allowOwnerOffCurve for derived accounts")
	ErrOverflow              = errors.New("arithmetic overflow")
)

// DeriveEscrowAddress derives the escrow PDA for a token mint. The
// derivation is pure: every party recomputes the same address from the
// mint alone, with no shared registry.
func DeriveEscrowAddress(mint solana.PublicKey) (solana.PublicKey, uint8) {
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{escrowSeed, mint.Bytes()},
		ProgramID,
	)
	if err != nil {
		panic(fmt.Sprintf("failed to derive escrow address: %v", err))
	}
	return addr, bump
}

// DeriveOwnerTokenAddress derives the associated token account for
// owner × mint. Derived program accounts (the escrow PDA, a token
// multisig) are not on the ed25519 curve; callers must opt in to an
// off-curve owner explicitly so a forgotten flag fails loudly instead
// of producing an address nothing can sign for.
func DeriveOwnerTokenAddress(owner, mint solana.PublicKey, allowOwnerOffCurve bool) (solana.PublicKey, error) {
	if !allowOwnerOffCurve && !owner.IsOnCurve() {
		return solana.PublicKey{}, fmt.Errorf("%w: %s", ErrOffCurveOwner, owner)
	}
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token address for %s: %v", owner, err)
	}
	return addr, nil
}

// CustodyTokenAddress is the escrow PDA's associated token account, the
// account that holds the sellable inventory.
func CustodyTokenAddress(mint solana.PublicKey) solana.PublicKey {
	pda, _ := DeriveEscrowAddress(mint)
	addr, err := DeriveOwnerTokenAddress(pda, mint, true)
	if err != nil {
		panic(fmt.Sprintf("failed to derive custody token address: %v", err))
	}
	return addr
}

// anchorDiscriminator computes the 8-byte Anchor discriminator for a
// namespaced name, e.g. "global:buy_tokens" or "account:Escrow".
func anchorDiscriminator(name string) [8]byte {
	var out [8]byte
	sum := sha256.Sum256([]byte(name))
	copy(out[:], sum[:8])
	return out
}

// Cost computes the lamport cost of a purchase: amount (smallest token
// units) times price (lamports per whole token), truncated toward zero.
// Truncation is deliberate; revenue reconciliation sums these exact
// values.
func Cost(amount, pricePerToken uint64) (uint64, error) {
	if amount == 0 {
		return 0, nil
	}
	product := amount * pricePerToken
	if product/amount != pricePerToken {
		return 0, ErrOverflow
	}
	return product / UnitsPerWholeToken, nil
}
