package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/mr-tron/base58"
)

const (
	confirmPollInterval = 2 * time.Second
	broadcastRetries    = 3
	broadcastRetryDelay = time.Second
)

// ErrAccountNotFound reports that an account does not exist on the ledger.
// Callers treat this as "needs creation", not as a failure.
var ErrAccountNotFound = errors.New("account not found")

// ErrExpired reports that a transaction's blockhash fell out of its
// validity window before it was confirmed. The transaction must be
// rebuilt with a fresh blockhash; the same bytes can never land.
var ErrExpired = errors.New("transaction validity window expired")

// ProtocolError carries a rejection reported by the ledger itself.
// It is authoritative over any client-side precheck and is never retried.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ledger rejected transaction (code %d): %s", e.Code, e.Message)
}

// ValidityWindow is the blockhash anchor a transaction is bound to and
// the last block height at which the ledger still accepts it.
type ValidityWindow struct {
	Blockhash            solana.Hash
	LastValidBlockHeight uint64
}

// Client wraps the RPC boundary. It keeps no state between calls beyond
// the underlying HTTP client; every read hits the ledger.
type Client struct {
	endpoint string
	rpc      *rpc.Client
	http     *http.Client
}

func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		rpc:      rpc.New(endpoint),
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// GetAccount fetches raw account data. A missing account is reported as
// ErrAccountNotFound, distinct from transport failures.
func (c *Client) GetAccount(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	res, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to fetch account %s: %w", addr, err)
	}
	if res == nil || res.Value == nil {
		return nil, ErrAccountNotFound
	}
	return res.Value.Data.GetBinary(), nil
}

// GetBalance returns an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	res, err := c.rpc.GetBalance(ctx, addr, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance for %s: %w", addr, err)
	}
	return res.Value, nil
}

// GetTokenBalance returns a token account's balance in smallest units.
// A missing token account reads as zero.
func (c *Client) GetTokenBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	res, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, rpc.CommitmentConfirmed)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.Is(err, rpc.ErrNotFound) ||
			(errors.As(err, &rpcErr) && strings.Contains(rpcErr.Message, "could not find account")) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to fetch token balance for %s: %w", tokenAccount, err)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable token amount %q: %v", res.Value.Amount, err)
	}
	return amount, nil
}

// LatestValidityWindow fetches a fresh blockhash anchor.
func (c *Client) LatestValidityWindow(ctx context.Context) (ValidityWindow, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return ValidityWindow{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return ValidityWindow{
		Blockhash:            res.Value.Blockhash,
		LastValidBlockHeight: res.Value.LastValidBlockHeight,
	}, nil
}

// Broadcast submits signed transaction bytes via raw JSON-RPC. Transport
// errors are retried with a short delay; an error object in the RPC
// response is the ledger's own verdict and is surfaced as ProtocolError
// without retrying.
func (c *Client) Broadcast(ctx context.Context, signedTx []byte) (solana.Signature, error) {
	rpcRequest := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendTransaction",
		"params": []interface{}{
			base58.Encode(signedTx),
			map[string]interface{}{
				"encoding":            "base58",
				"skipPreflight":       true,
				"preflightCommitment": "confirmed",
			},
		},
	}

	reqBody, err := json.Marshal(rpcRequest)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to marshal RPC request: %v", err)
	}

	var lastErr error
	for attempt := 0; attempt < broadcastRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return solana.Signature{}, ctx.Err()
			case <-time.After(broadcastRetryDelay * time.Duration(attempt)):
			}
		}

		sig, err := c.postTransaction(ctx, reqBody)
		if err == nil {
			return sig, nil
		}
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return solana.Signature{}, err
		}
		lastErr = err
	}
	return solana.Signature{}, fmt.Errorf("broadcast failed after %d attempts: %w", broadcastRetries, lastErr)
}

func (c *Client) postTransaction(ctx context.Context, reqBody []byte) (solana.Signature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return solana.Signature{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResponse struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResponse); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to parse response: %w", err)
	}

	if rpcResponse.Error != nil {
		return solana.Signature{}, &ProtocolError{
			Code:    rpcResponse.Error.Code,
			Message: rpcResponse.Error.Message,
		}
	}

	sig, err := solana.SignatureFromBase58(rpcResponse.Result)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("invalid signature in response: %v", err)
	}
	return sig, nil
}

// AwaitConfirmation polls until the transaction is confirmed, the
// validity window elapses (ErrExpired), or the ledger reports an
// execution failure (ProtocolError).
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && res != nil && len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return &ProtocolError{Message: fmt.Sprintf("%v", status.Err)}
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		// Not landed yet. Check whether the anchor is still valid.
		height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
		if err == nil && height > lastValidBlockHeight {
			return ErrExpired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
