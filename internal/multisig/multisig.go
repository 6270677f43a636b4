package multisig

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUnknownSigner     = errors.New("signer is not a member of the multisig")
	ErrInvalidSignature  = errors.New("signature does not verify against the transaction payload")
	ErrPayloadMismatch   = errors.New("signature set was collected for a different transaction payload")
	ErrThresholdNotMet   = errors.New("signature threshold not met")
	ErrNotRequiredSigner = errors.New("member is not a required signer of this transaction")
)

// Config is the treasury's K-of-N signer set. The deployed treasury runs
// 2-of-3.
type Config struct {
	Members   []solana.PublicKey
	Threshold int
}

func (c Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1, got %d", c.Threshold)
	}
	if len(c.Members) < c.Threshold {
		return fmt.Errorf("threshold %d exceeds member count %d", c.Threshold, len(c.Members))
	}
	return nil
}

// SignerSubset scopes the config to the K members who will co-sign one
// specific transaction. A transaction's required-signer slots are fixed
// when the instruction is built, so the signing session must admit
// exactly that subset: a signature from any other member could never be
// placed and would be wasted work. Submissions from off-subset members
// are rejected at the relay with ErrUnknownSigner instead.
func (c Config) SignerSubset() (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	subset := Config{
		Members:   c.Members[:c.Threshold],
		Threshold: c.Threshold,
	}
	return subset, nil
}

func (c Config) IsMember(key solana.PublicKey) bool {
	for _, m := range c.Members {
		if m.Equals(key) {
			return true
		}
	}
	return false
}

// State of a signature set: Empty until the first signature lands,
// PartiallySigned below threshold, Ready at or above it.
type State int

const (
	StateEmpty State = iota
	StatePartiallySigned
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePartiallySigned:
		return "partially-signed"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// SigningSet collects partial signatures over one canonical unsigned
// payload. Signers act independently and out-of-band; the set only
// cares that every signature verifies against the exact payload bytes.
// Because the payload embeds the blockhash anchor, a signature produced
// over an earlier build of the same logical operation fails verification
// here instead of being silently mixed in.
type SigningSet struct {
	cfg     Config
	payload []byte
	sigs    map[solana.PublicKey]solana.Signature
	order   []solana.PublicKey
}

// NewSigningSet starts an empty set over the given payload (the
// transaction's serialized message bytes).
func NewSigningSet(cfg Config, payload []byte) (*SigningSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("empty transaction payload")
	}
	return &SigningSet{
		cfg:     cfg,
		payload: payload,
		sigs:    make(map[solana.PublicKey]solana.Signature),
	}, nil
}

// TransactionPayload returns the canonical byte payload every signature
// must cover.
func TransactionPayload(tx *solana.Transaction) ([]byte, error) {
	payload, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize transaction message: %v", err)
	}
	return payload, nil
}

func (s *SigningSet) Payload() []byte { return s.payload }

// AddSignature validates and records one member's signature. Signatures
// from non-members are rejected outright; a duplicate member counts
// once. Returns the set's state after the addition.
func (s *SigningSet) AddSignature(signer solana.PublicKey, sig solana.Signature) (State, error) {
	if !s.cfg.IsMember(signer) {
		return s.State(), fmt.Errorf("%w: %s", ErrUnknownSigner, signer)
	}
	if !ed25519.Verify(ed25519.PublicKey(signer[:]), s.payload, sig[:]) {
		return s.State(), fmt.Errorf("%w (signer %s)", ErrInvalidSignature, signer)
	}
	if _, seen := s.sigs[signer]; !seen {
		s.order = append(s.order, signer)
	}
	s.sigs[signer] = sig
	return s.State(), nil
}

func (s *SigningSet) Count() int { return len(s.sigs) }

func (s *SigningSet) MeetsThreshold() bool { return len(s.sigs) >= s.cfg.Threshold }

func (s *SigningSet) State() State {
	switch {
	case len(s.sigs) == 0:
		return StateEmpty
	case s.MeetsThreshold():
		return StateReady
	default:
		return StatePartiallySigned
	}
}

// Signatures returns the collected signatures in arrival order.
func (s *SigningSet) Signatures() map[solana.PublicKey]solana.Signature {
	out := make(map[solana.PublicKey]solana.Signature, len(s.sigs))
	for k, v := range s.sigs {
		out[k] = v
	}
	return out
}

// Apply finalizes the set into the transaction, placing each signature
// at its member's required-signer slot. It refuses a transaction whose
// message bytes differ from the payload the signatures were collected
// over (a rebuilt transaction needs a fresh signing round).
func (s *SigningSet) Apply(tx *solana.Transaction) error {
	if !s.MeetsThreshold() {
		return fmt.Errorf("%w: have %d of %d", ErrThresholdNotMet, len(s.sigs), s.cfg.Threshold)
	}

	payload, err := TransactionPayload(tx)
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, s.payload) {
		return ErrPayloadMismatch
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}

	for signer, sig := range s.sigs {
		idx := -1
		for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
			if tx.Message.AccountKeys[i].Equals(signer) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrNotRequiredSigner, signer)
		}
		tx.Signatures[idx] = sig
	}
	return nil
}
