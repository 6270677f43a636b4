package submit

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"co2e-escrow-go/internal/ledger"
)

// Operation is one logical ledger action. Instructions is re-evaluated
// on every build so that each rebuild after expiry works from freshly
// fetched ledger state, never from a cached read.
type Operation interface {
	Label() string
	FeePayer() solana.PublicKey
	Instructions(ctx context.Context) ([]solana.Instruction, error)
}

// BuildTransaction packs an operation's instructions into a single
// transaction bound to the given validity window. All steps of one
// logical operation ride in one transaction: the ledger applies them as
// an indivisible unit, which is what makes a purchase an atomic swap.
// Instruction order is preserved as given; account-creation instructions
// must come before instructions that reference the created account.
func BuildTransaction(instructions []solana.Instruction, feePayer solana.PublicKey, window ledger.ValidityWindow) (*solana.Transaction, error) {
	if len(instructions) == 0 {
		return nil, fmt.Errorf("no instructions to build")
	}

	tx, err := solana.NewTransaction(
		instructions,
		window.Blockhash,
		solana.TransactionPayer(feePayer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %v", err)
	}
	return tx, nil
}
