package escrow

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var escrowAccountDiscriminator = anchorDiscriminator("account:Escrow")

// Account is the on-chain escrow record. totalSold and totalRevenue are
// monotonic counters maintained by the program; the client never caches
// them across operations.
type Account struct {
	Admin              solana.PublicKey
	TokenMint          solana.PublicKey
	EscrowTokenAccount solana.PublicKey
	PricePerToken      uint64
	TotalSold          uint64
	TotalRevenue       uint64
	Bump               uint8
}

// DecodeAccount parses the raw account data fetched from the ledger.
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("escrow account data too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], escrowAccountDiscriminator[:]) {
		return nil, fmt.Errorf("account is not an escrow record (discriminator mismatch)")
	}

	acc := new(Account)
	if err := bin.NewBorshDecoder(data[8:]).Decode(acc); err != nil {
		return nil, fmt.Errorf("failed to decode escrow account: %v", err)
	}
	return acc, nil
}

// EncodeAccount serializes an Account the way the program stores it,
// discriminator included.
func EncodeAccount(acc *Account) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(escrowAccountDiscriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(acc); err != nil {
		return nil, fmt.Errorf("failed to encode escrow account: %v", err)
	}
	return buf.Bytes(), nil
}
