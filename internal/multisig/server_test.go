package multisig

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestRelaySessionLifecycle(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(NewServer().Router())
	defer server.Close()
	client := NewRelayClient(server.URL)

	cfg, wallets := testConfig(t, 2, 3)
	tx := testTransaction(t, solana.Hash{}, wallets[0], wallets[1])
	payload, err := TransactionPayload(tx)
	require.NoError(err)

	sessionID, err := client.Initiate(cfg, payload)
	require.NoError(err)
	require.NotEmpty(sessionID)

	// Members fetch the canonical payload and sign it locally.
	fetched, err := client.FetchPayload(sessionID)
	require.NoError(err)
	require.Equal(payload, fetched)

	require.NoError(client.Join(sessionID, wallets[0].PublicKey()))
	require.NoError(client.SubmitSignature(sessionID, wallets[0].PublicKey(), sign(t, wallets[0], payload)))

	ready, err := client.Ready(sessionID)
	require.NoError(err)
	require.False(ready)

	// Below threshold, finalize refuses.
	_, err = client.Finalize(sessionID)
	require.Error(err)

	require.NoError(client.Join(sessionID, wallets[1].PublicKey()))
	require.NoError(client.SubmitSignature(sessionID, wallets[1].PublicKey(), sign(t, wallets[1], payload)))

	ready, err = client.Ready(sessionID)
	require.NoError(err)
	require.True(ready)

	collected, err := client.Finalize(sessionID)
	require.NoError(err)
	require.Len(collected, 2)

	// The collected signatures finalize the original transaction.
	set, err := NewSigningSet(cfg, payload)
	require.NoError(err)
	for member, sig := range collected {
		_, err := set.AddSignature(member, sig)
		require.NoError(err)
	}
	require.NoError(set.Apply(tx))
}

func TestRelayServerRejectsBadInput(t *testing.T) {
	require := require.New(t)

	server := httptest.NewServer(NewServer().Router())
	defer server.Close()
	client := NewRelayClient(server.URL)

	cfg, wallets := testConfig(t, 2, 3)
	tx := testTransaction(t, solana.Hash{}, wallets[0], wallets[1])
	payload, err := TransactionPayload(tx)
	require.NoError(err)

	// Unknown session.
	require.Error(client.Join("no-such-session", wallets[0].PublicKey()))

	sessionID, err := client.Initiate(cfg, payload)
	require.NoError(err)

	// Outsiders cannot join or sign.
	outsider := solana.NewWallet()
	require.Error(client.Join(sessionID, outsider.PublicKey()))
	require.Error(client.SubmitSignature(sessionID, outsider.PublicKey(), sign(t, outsider, payload)))

	// A member's signature over different bytes is rejected server-side.
	require.Error(client.SubmitSignature(sessionID, wallets[0].PublicKey(), sign(t, wallets[0], []byte("other"))))
}

func TestRelaySignerCollectsAndApplies(t *testing.T) {
	require := require.New(t)

	relay := NewServer()
	server := httptest.NewServer(relay.Router())
	defer server.Close()

	cfg, wallets := testConfig(t, 2, 3)
	tx := testTransaction(t, solana.Hash{}, wallets[0], wallets[1])

	// Members sign as soon as the session appears.
	go func() {
		client := NewRelayClient(server.URL)
		for {
			relay.mutex.Lock()
			var id string
			for sid := range relay.sessions {
				id = sid
			}
			relay.mutex.Unlock()
			if id == "" {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			payload, err := client.FetchPayload(id)
			if err != nil {
				return
			}
			for _, w := range wallets[:2] {
				sig, _ := w.PrivateKey.Sign(payload)
				client.SubmitSignature(id, w.PublicKey(), sig)
			}
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	signer := &RelaySigner{Client: NewRelayClient(server.URL), Config: cfg}
	require.NoError(signer.Sign(ctx, tx))

	signed, missing := 0, 0
	for i := 0; i < int(tx.Message.Header.NumRequiredSignatures); i++ {
		if !tx.Signatures[i].IsZero() {
			signed++
		} else {
			missing++
		}
	}
	require.Equal(2, signed)
	require.Equal(0, missing)
}
