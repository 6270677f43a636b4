package escrow

import (
	"crypto/sha256"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestDeriveEscrowAddressDeterministic(t *testing.T) {
	require := require.New(t)

	addr1, bump1 := DeriveEscrowAddress(TokenMint)
	addr2, bump2 := DeriveEscrowAddress(TokenMint)
	require.Equal(addr1, addr2)
	require.Equal(bump1, bump2)
	require.False(addr1.IsZero())

	// PDAs sit off the ed25519 curve.
	require.False(addr1.IsOnCurve())

	// A different mint gives a different address.
	otherMint := solana.NewWallet().PublicKey()
	otherAddr, _ := DeriveEscrowAddress(otherMint)
	require.NotEqual(addr1, otherAddr)
}

func TestDeriveOwnerTokenAddressOffCurveGuard(t *testing.T) {
	require := require.New(t)

	owner := solana.NewWallet().PublicKey()
	addr, err := DeriveOwnerTokenAddress(owner, TokenMint, false)
	require.NoError(err)
	require.False(addr.IsZero())

	// The escrow PDA is off-curve; without the flag the derivation
	// refuses.
	pda, _ := DeriveEscrowAddress(TokenMint)
	_, err = DeriveOwnerTokenAddress(pda, TokenMint, false)
	require.ErrorIs(err, ErrOffCurveOwner)

	custody, err := DeriveOwnerTokenAddress(pda, TokenMint, true)
	require.NoError(err)
	require.Equal(custody, CustodyTokenAddress(TokenMint))
}

func TestAnchorDiscriminator(t *testing.T) {
	require := require.New(t)

	sum := sha256.Sum256([]byte("global:buy_tokens"))
	require.Equal(sum[:8], buyTokensDiscriminator[:])

	require.NotEqual(initializeDiscriminator, buyTokensDiscriminator)
	require.NotEqual(updatePriceDiscriminator, withdrawTokensDiscriminator)
}

func TestCost(t *testing.T) {
	require := require.New(t)

	// One whole token (100 units) at 50000 lamports per token.
	cost, err := Cost(100, 50000)
	require.NoError(err)
	require.Equal(uint64(50000), cost)

	// Half a token.
	cost, err = Cost(50, 50000)
	require.NoError(err)
	require.Equal(uint64(25000), cost)

	// Truncation toward zero: 1 unit at 99 lamports per token is
	// 99/100 lamports, which rounds down to 0.
	cost, err = Cost(1, 99)
	require.NoError(err)
	require.Equal(uint64(0), cost)

	// 3 units at 133 lamports: 399/100 truncates to 3.
	cost, err = Cost(3, 133)
	require.NoError(err)
	require.Equal(uint64(3), cost)

	cost, err = Cost(0, 50000)
	require.NoError(err)
	require.Equal(uint64(0), cost)

	// A free sale costs nothing.
	cost, err = Cost(1000, 0)
	require.NoError(err)
	require.Equal(uint64(0), cost)
}

func TestCostOverflow(t *testing.T) {
	require := require.New(t)

	_, err := Cost(1<<63, 4)
	require.ErrorIs(err, ErrOverflow)

	// Just below overflow still works.
	cost, err := Cost(1<<62, 2)
	require.NoError(err)
	require.Equal(uint64(1<<63)/UnitsPerWholeToken, cost)
}
