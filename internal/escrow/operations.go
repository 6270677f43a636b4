package escrow

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"

	"co2e-escrow-go/internal/ledger"
)

// Ledger is the read surface the operations need. Instruction lists are
// rebuilt from fresh reads on every attempt, so a rebuilt transaction
// reflects current chain state rather than the state at first build.
type Ledger interface {
	GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error)
	GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
}

// Service builds escrow operations against one mint.
type Service struct {
	Ledger Ledger
	Mint   solana.PublicKey
}

func NewService(l Ledger, mint solana.PublicKey) *Service {
	return &Service{Ledger: l, Mint: mint}
}

// State fetches and decodes the escrow account for the service mint.
func (s *Service) State(ctx context.Context) (*Account, error) {
	addr, _ := DeriveEscrowAddress(s.Mint)
	data, err := s.Ledger.GetAccount(ctx, addr)
	if err != nil {
		if err == ledger.ErrAccountNotFound {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	return DecodeAccount(data)
}

// Available returns the custody token balance, the sale inventory.
func (s *Service) Available(ctx context.Context) (uint64, error) {
	return s.Ledger.GetTokenBalance(ctx, CustodyTokenAddress(s.Mint))
}

// HasInventory reports whether the escrow holds any tokens to sell.
func (s *Service) HasInventory(ctx context.Context) (bool, error) {
	available, err := s.Available(ctx)
	if err != nil {
		return false, err
	}
	return available > 0, nil
}

// operation pairs a label and fee payer with a build function evaluated
// per attempt.
type operation struct {
	label    string
	feePayer solana.PublicKey
	build    func(ctx context.Context) ([]solana.Instruction, error)
}

func (o *operation) Label() string              { return o.label }
func (o *operation) FeePayer() solana.PublicKey { return o.feePayer }
func (o *operation) Instructions(ctx context.Context) ([]solana.Instruction, error) {
	return o.build(ctx)
}

func (s *Service) escrowExists(ctx context.Context) (bool, error) {
	addr, _ := DeriveEscrowAddress(s.Mint)
	_, err := s.Ledger.GetAccount(ctx, addr)
	if err == ledger.ErrAccountNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Initialize creates the escrow account with the given price, creating
// the custody token account first when absent. The program requires the
// custody account to exist, so on a fresh ledger both ride in one
// transaction. Fails if the escrow already exists.
func (s *Service) Initialize(admin solana.PublicKey, pricePerToken uint64) *operation {
	return &operation{
		label:    "initialize",
		feePayer: admin,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			exists, err := s.escrowExists(ctx)
			if err != nil {
				return nil, err
			}
			if exists {
				return nil, ErrAlreadyInitialized
			}

			var instructions []solana.Instruction

			if _, err := s.Ledger.GetAccount(ctx, CustodyTokenAddress(s.Mint)); err != nil {
				if err != ledger.ErrAccountNotFound {
					return nil, err
				}
				pda, _ := DeriveEscrowAddress(s.Mint)
				instructions = append(instructions,
					associatedtokenaccount.NewCreateInstruction(admin, pda, s.Mint).Build())
			}

			ix, err := NewInitializeInstruction(admin, s.Mint, pricePerToken)
			if err != nil {
				return nil, err
			}
			return append(instructions, ix), nil
		},
	}
}

// Fund moves tokens from the funder's token account into custody.
func (s *Service) Fund(funder solana.PublicKey, amount uint64) *operation {
	return &operation{
		label:    "fund",
		feePayer: funder,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			if _, err := s.State(ctx); err != nil {
				return nil, err
			}
			source, err := DeriveOwnerTokenAddress(funder, s.Mint, false)
			if err != nil {
				return nil, err
			}
			balance, err := s.Ledger.GetTokenBalance(ctx, source)
			if err != nil {
				return nil, err
			}
			if balance < amount {
				return nil, fmt.Errorf("%w: have %d units, need %d", ErrInsufficientFunds, balance, amount)
			}

			var instructions []solana.Instruction

			custody := CustodyTokenAddress(s.Mint)
			if _, err := s.Ledger.GetAccount(ctx, custody); err != nil {
				if err != ledger.ErrAccountNotFound {
					return nil, err
				}
				pda, _ := DeriveEscrowAddress(s.Mint)
				instructions = append(instructions,
					associatedtokenaccount.NewCreateInstruction(funder, pda, s.Mint).Build())
			}

			transfer := token.NewTransferInstruction(
				amount, source, custody, funder, nil,
			).Build()
			return append(instructions, transfer), nil
		},
	}
}

// Buy purchases amount token units at the current stored price. Payment
// goes to the resolved recipient; an override is recorded in the audit
// memo appended to the transaction. The buyer's token account is created
// in the same transaction when missing.
func (s *Service) Buy(buyer solana.PublicKey, amount uint64, recipient PaymentRecipient) *operation {
	return &operation{
		label:    "buy",
		feePayer: buyer,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			state, err := s.State(ctx)
			if err != nil {
				return nil, err
			}

			available, err := s.Available(ctx)
			if err != nil {
				return nil, err
			}
			if available < amount {
				return nil, fmt.Errorf("%w: %d units available, %d requested", ErrInsufficientInventory, available, amount)
			}

			cost, err := Cost(amount, state.PricePerToken)
			if err != nil {
				return nil, err
			}
			lamports, err := s.Ledger.GetBalance(ctx, buyer)
			if err != nil {
				return nil, err
			}
			if lamports < cost {
				return nil, fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientFunds, lamports, cost)
			}

			payTo := recipient.Resolve(state)

			var instructions []solana.Instruction

			buyerTokenAccount, err := DeriveOwnerTokenAddress(buyer, s.Mint, false)
			if err != nil {
				return nil, err
			}
			if _, err := s.Ledger.GetAccount(ctx, buyerTokenAccount); err != nil {
				if err != ledger.ErrAccountNotFound {
					return nil, err
				}
				create := associatedtokenaccount.NewCreateInstruction(buyer, buyer, s.Mint).Build()
				instructions = append(instructions, create)
			}

			buy, err := NewBuyInstruction(buyer, payTo, buyerTokenAccount, s.Mint, amount)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, buy)

			memo, err := NewPurchaseMemoInstruction(buyer, payTo, s.Mint, amount, recipient)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, memo)

			return instructions, nil
		},
	}
}

// UpdatePrice sets a new per-token price. Admin only, enforced on chain.
func (s *Service) UpdatePrice(admin solana.PublicKey, newPrice uint64) *operation {
	return &operation{
		label:    "update-price",
		feePayer: admin,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			if _, err := s.State(ctx); err != nil {
				return nil, err
			}
			ix, err := NewUpdatePriceInstruction(admin, s.Mint, newPrice)
			if err != nil {
				return nil, err
			}
			return []solana.Instruction{ix}, nil
		},
	}
}

// Withdraw pulls unsold tokens from custody back to the admin's token
// account, creating it first when missing.
func (s *Service) Withdraw(admin solana.PublicKey, amount uint64) *operation {
	return &operation{
		label:    "withdraw",
		feePayer: admin,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			if _, err := s.State(ctx); err != nil {
				return nil, err
			}
			available, err := s.Available(ctx)
			if err != nil {
				return nil, err
			}
			if available < amount {
				return nil, fmt.Errorf("%w: %d units available, %d requested", ErrInsufficientInventory, available, amount)
			}

			var instructions []solana.Instruction

			adminTokenAccount, err := DeriveOwnerTokenAddress(admin, s.Mint, false)
			if err != nil {
				return nil, err
			}
			if _, err := s.Ledger.GetAccount(ctx, adminTokenAccount); err != nil {
				if err != ledger.ErrAccountNotFound {
					return nil, err
				}
				create := associatedtokenaccount.NewCreateInstruction(admin, admin, s.Mint).Build()
				instructions = append(instructions, create)
			}

			withdraw, err := NewWithdrawInstruction(admin, adminTokenAccount, s.Mint, amount)
			if err != nil {
				return nil, err
			}
			instructions = append(instructions, withdraw)

			return instructions, nil
		},
	}
}

// FundTreasury moves tokens from the funder's token account into the
// treasury's, creating the treasury token account first when missing.
// The treasury owner is the token-program multisig account, so the
// derivation allows an off-curve owner.
func (s *Service) FundTreasury(funder, treasuryOwner solana.PublicKey, amount uint64) *operation {
	return &operation{
		label:    "fund-treasury",
		feePayer: funder,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			source, err := DeriveOwnerTokenAddress(funder, s.Mint, false)
			if err != nil {
				return nil, err
			}
			balance, err := s.Ledger.GetTokenBalance(ctx, source)
			if err != nil {
				return nil, err
			}
			if balance < amount {
				return nil, fmt.Errorf("%w: have %d units, need %d", ErrInsufficientFunds, balance, amount)
			}

			destination, err := DeriveOwnerTokenAddress(treasuryOwner, s.Mint, true)
			if err != nil {
				return nil, err
			}

			var instructions []solana.Instruction
			if _, err := s.Ledger.GetAccount(ctx, destination); err != nil {
				if err != ledger.ErrAccountNotFound {
					return nil, err
				}
				instructions = append(instructions,
					associatedtokenaccount.NewCreateInstruction(funder, treasuryOwner, s.Mint).Build())
			}

			transfer := token.NewTransferInstruction(
				amount, source, destination, funder, nil,
			).Build()
			return append(instructions, transfer), nil
		},
	}
}

// Provision moves tokens from a multisig-owned treasury token account
// into custody. The transfer authority is the token-program multisig
// account; signers are the member subset co-signing the transaction.
func (s *Service) Provision(feePayer, treasuryTokenAccount, multisigAccount solana.PublicKey, signers []solana.PublicKey, amount uint64) *operation {
	return &operation{
		label:    "provision",
		feePayer: feePayer,
		build: func(ctx context.Context) ([]solana.Instruction, error) {
			if _, err := s.State(ctx); err != nil {
				return nil, err
			}
			balance, err := s.Ledger.GetTokenBalance(ctx, treasuryTokenAccount)
			if err != nil {
				return nil, err
			}
			if balance < amount {
				return nil, fmt.Errorf("%w: treasury holds %d units, need %d", ErrInsufficientFunds, balance, amount)
			}
			signerRefs := make([]solana.PublicKey, len(signers))
			copy(signerRefs, signers)
			transfer := token.NewTransferInstruction(
				amount, treasuryTokenAccount, CustodyTokenAddress(s.Mint), multisigAccount, signerRefs,
			).Build()
			return []solana.Instruction{transfer}, nil
		},
	}
}
