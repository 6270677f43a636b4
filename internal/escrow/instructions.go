package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	initializeDiscriminator     = anchorDiscriminator("global:initialize")
	buyTokensDiscriminator      = anchorDiscriminator("global:buy_tokens")
	updatePriceDiscriminator    = anchorDiscriminator("global:update_price")
	withdrawTokensDiscriminator = anchorDiscriminator("global:withdraw_tokens")
)

// PaymentRecipient decides where sale proceeds go. The program sends
// lamports to whatever account the transaction constructor passes, with
// no on-chain binding to the stored admin; that flexibility is kept, but
// an override must be requested explicitly and carries a justification
// that ends up in the purchase audit memo.
type PaymentRecipient struct {
	address       solana.PublicKey
	override      bool
	justification string
}

// StoredRecipient routes proceeds to the admin recorded on the escrow
// account.
func StoredRecipient() PaymentRecipient {
	return PaymentRecipient{}
}

// OverrideRecipient routes proceeds to an arbitrary address. The
// justification is mandatory and is written into the on-chain memo so
// the redirection is auditable.
func OverrideRecipient(addr solana.PublicKey, justification string) (PaymentRecipient, error) {
	if justification == "" {
		return PaymentRecipient{}, errors.New("payment recipient override requires a justification")
	}
	return PaymentRecipient{address: addr, override: true, justification: justification}, nil
}

// Resolve returns the concrete recipient address given the current
// escrow state.
func (r PaymentRecipient) Resolve(state *Account) solana.PublicKey {
	if r.override {
		return r.address
	}
	return state.Admin
}

func (r PaymentRecipient) IsOverride() bool { return r.override }

func encodeArgs(disc [8]byte, args interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(disc[:])
	if args != nil {
		if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
			return nil, fmt.Errorf("failed to encode instruction args: %v", err)
		}
	}
	return buf.Bytes(), nil
}

// NewInitializeInstruction creates the escrow record at its derived
// address with the given price and zeroed counters.
func NewInitializeInstruction(admin, mint solana.PublicKey, pricePerToken uint64) (solana.Instruction, error) {
	pda, _ := DeriveEscrowAddress(mint)
	custody := CustodyTokenAddress(mint)

	data, err := encodeArgs(initializeDiscriminator, struct {
		PricePerToken uint64
	}{pricePerToken})
	if err != nil {
		return nil, err
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: pda, IsSigner: false, IsWritable: true},
		{PublicKey: admin, IsSigner: true, IsWritable: true},
		{PublicKey: mint, IsSigner: false, IsWritable: false},
		{PublicKey: custody, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewBuyInstruction swaps lamports for tokens in one instruction: the
// buyer pays the recipient, the escrow PDA signs the token transfer out
// of custody. The ledger applies the whole transaction atomically.
func NewBuyInstruction(buyer, recipient, buyerTokenAccount, mint solana.PublicKey, amount uint64) (solana.Instruction, error) {
	pda, _ := DeriveEscrowAddress(mint)
	custody := CustodyTokenAddress(mint)

	data, err := encodeArgs(buyTokensDiscriminator, struct {
		Amount uint64
	}{amount})
	if err != nil {
		return nil, err
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: pda, IsSigner: false, IsWritable: true},
		{PublicKey: buyer, IsSigner: true, IsWritable: true},
		{PublicKey: recipient, IsSigner: false, IsWritable: true},
		{PublicKey: custody, IsSigner: false, IsWritable: true},
		{PublicKey: buyerTokenAccount, IsSigner: false, IsWritable: true},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewUpdatePriceInstruction changes the per-token price. Admin only;
// the program checks the signer against the stored admin.
func NewUpdatePriceInstruction(admin, mint solana.PublicKey, newPrice uint64) (solana.Instruction, error) {
	pda, _ := DeriveEscrowAddress(mint)

	data, err := encodeArgs(updatePriceDiscriminator, struct {
		NewPrice uint64
	}{newPrice})
	if err != nil {
		return nil, err
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: pda, IsSigner: false, IsWritable: true},
		{PublicKey: admin, IsSigner: true, IsWritable: false},
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// NewWithdrawInstruction moves inventory out of custody to the admin's
// token account. Admin only.
func NewWithdrawInstruction(admin, adminTokenAccount, mint solana.PublicKey, amount uint64) (solana.Instruction, error) {
	pda, _ := DeriveEscrowAddress(mint)
	custody := CustodyTokenAddress(mint)

	data, err := encodeArgs(withdrawTokensDiscriminator, struct {
		Amount uint64
	}{amount})
	if err != nil {
		return nil, err
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: pda, IsSigner: false, IsWritable: true},
		{PublicKey: admin, IsSigner: true, IsWritable: true},
		{PublicKey: custody, IsSigner: false, IsWritable: true},
		{PublicKey: adminTokenAccount, IsSigner: false, IsWritable: true},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// purchaseMemo is the JSON audit record appended to every buy
// transaction.
type purchaseMemo struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Amount    uint64 `json:"amount"`
	Buyer     string `json:"buyer"`
	Recipient string `json:"recipient"`
	Override  string `json:"override,omitempty"`
	Escrow    string `json:"escrow"`
	Timestamp string `json:"timestamp"`
}

// NewPurchaseMemoInstruction builds the audit memo for a purchase. A
// recipient override records its justification here.
func NewPurchaseMemoInstruction(buyer, recipient, mint solana.PublicKey, amount uint64, rec PaymentRecipient) (solana.Instruction, error) {
	pda, _ := DeriveEscrowAddress(mint)

	memo := purchaseMemo{
		Type:      "TOKEN_PURCHASE",
		Action:    "BUY_CO2E_TOKENS",
		Amount:    amount,
		Buyer:     buyer.String(),
		Recipient: recipient.String(),
		Escrow:    pda.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if rec.IsOverride() {
		memo.Override = rec.justification
	}

	data, err := json.Marshal(memo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal purchase memo: %v", err)
	}
	return solana.NewInstruction(MemoProgramID, []*solana.AccountMeta{}, data), nil
}
