package multisig

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
)

const relayPollInterval = 2 * time.Second

// RelayClient talks to a signing relay server.
type RelayClient struct {
	baseURL string
	http    *http.Client
}

func NewRelayClient(baseURL string) *RelayClient {
	return &RelayClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RelayClient) post(path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %v", err)
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("relay request failed: %v", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *RelayClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("relay request failed: %v", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Initiate opens a new signing session for the given message payload and
// returns the session ID for members to join.
func (c *RelayClient) Initiate(cfg Config, payload []byte) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	members := make([]string, len(cfg.Members))
	for i, m := range cfg.Members {
		members[i] = m.String()
	}
	var res struct {
		SessionID string `json:"sessionID"`
	}
	err := c.post("/session/initiate", map[string]interface{}{
		"transaction": base64.StdEncoding.EncodeToString(payload),
		"threshold":   cfg.Threshold,
		"members":     members,
	}, &res)
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

// Join registers a member with an existing session.
func (c *RelayClient) Join(sessionID string, member solana.PublicKey) error {
	return c.post(fmt.Sprintf("/session/%s/join", sessionID),
		map[string]string{"member": member.String()}, nil)
}

// FetchPayload returns the canonical message bytes the session is signing.
func (c *RelayClient) FetchPayload(sessionID string) ([]byte, error) {
	var res struct {
		Transaction string `json:"transaction"`
	}
	if err := c.get(fmt.Sprintf("/session/%s/transaction", sessionID), &res); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(res.Transaction)
}

// SubmitSignature posts a member's signature over the session payload.
func (c *RelayClient) SubmitSignature(sessionID string, member solana.PublicKey, sig solana.Signature) error {
	return c.post(fmt.Sprintf("/session/%s/signature", sessionID), map[string]string{
		"member":    member.String(),
		"signature": base64.StdEncoding.EncodeToString(sig[:]),
	}, nil)
}

// Ready reports whether the session has collected enough signatures.
func (c *RelayClient) Ready(sessionID string) (bool, error) {
	var res struct {
		Ready bool `json:"ready"`
	}
	if err := c.get(fmt.Sprintf("/session/%s/status", sessionID), &res); err != nil {
		return false, err
	}
	return res.Ready, nil
}

// Finalize fetches the collected signatures once the threshold is met.
func (c *RelayClient) Finalize(sessionID string) (map[solana.PublicKey]solana.Signature, error) {
	var res struct {
		Signatures map[string]string `json:"signatures"`
	}
	if err := c.get(fmt.Sprintf("/session/%s/finalize", sessionID), &res); err != nil {
		return nil, err
	}
	out := make(map[solana.PublicKey]solana.Signature, len(res.Signatures))
	for member, encoded := range res.Signatures {
		key, err := solana.PublicKeyFromBase58(member)
		if err != nil {
			return nil, fmt.Errorf("relay returned invalid member key %s: %v", member, err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(raw) != 64 {
			return nil, fmt.Errorf("relay returned invalid signature for %s", member)
		}
		out[key] = solana.SignatureFromBytes(raw)
	}
	return out, nil
}

// RelaySigner collects threshold signatures for a transaction through a
// relay session and applies them. It satisfies the submission engine's
// Signer interface; because signatures cover the exact message bytes,
// a rebuilt transaction always needs a fresh session.
type RelaySigner struct {
	Client *RelayClient
	Config Config
}

func (r *RelaySigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	payload, err := TransactionPayload(tx)
	if err != nil {
		return err
	}

	sessionID, err := r.Client.Initiate(r.Config, payload)
	if err != nil {
		return fmt.Errorf("failed to open signing session: %v", err)
	}
	log.Printf("signing session %s open, waiting for %d signature(s)", sessionID, r.Config.Threshold)

	ticker := time.NewTicker(relayPollInterval)
	defer ticker.Stop()
	for {
		ready, err := r.Client.Ready(sessionID)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	collected, err := r.Client.Finalize(sessionID)
	if err != nil {
		return err
	}

	// Re-validate everything locally before applying; the relay is not
	// trusted to have verified correctly.
	set, err := NewSigningSet(r.Config, payload)
	if err != nil {
		return err
	}
	for member, sig := range collected {
		if _, err := set.AddSignature(member, sig); err != nil {
			return fmt.Errorf("relay signature from %s rejected: %v", member, err)
		}
	}
	return set.Apply(tx)
}
