package submit

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gagliardetto/solana-go"

	"co2e-escrow-go/internal/ledger"
)

const defaultMaxRebuilds = 3

// Ledger is the slice of the RPC boundary the engine drives.
type Ledger interface {
	LatestValidityWindow(ctx context.Context) (ledger.ValidityWindow, error)
	Broadcast(ctx context.Context, signedTx []byte) (solana.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error
}

// Signer applies whatever signatures it can to a built transaction.
// A local signer holds private keys; a relay signer blocks until remote
// parties have met the threshold.
type Signer interface {
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// LocalSigner signs with in-process private keys.
type LocalSigner struct {
	keys []solana.PrivateKey
}

func NewLocalSigner(keys ...solana.PrivateKey) *LocalSigner {
	return &LocalSigner{keys: keys}
}

func (s *LocalSigner) Sign(ctx context.Context, tx *solana.Transaction) error {
	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range s.keys {
			if key.Equals(s.keys[i].PublicKey()) {
				return &s.keys[i]
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %v", err)
	}
	return nil
}

// Engine signs, broadcasts, and confirms operations, rebuilding from
// scratch when a validity window lapses.
type Engine struct {
	Ledger      Ledger
	Signers     []Signer
	MaxRebuilds int

	records []*Record
}

func NewEngine(l Ledger, signers ...Signer) *Engine {
	return &Engine{Ledger: l, Signers: signers, MaxRebuilds: defaultMaxRebuilds}
}

// Execute runs one logical operation to confirmation.
//
// On expiry the built transaction is discarded entirely: a fresh anchor
// is fetched, the operation re-emits its instructions from fresh ledger
// reads, and signing restarts. Identical bytes are never resent, since
// the ledger rejects a stale anchor. A ProtocolError is terminal and
// surfaced verbatim: the ledger's execution verdict is authoritative,
// and retrying a semantically invalid operation cannot change it.
func (e *Engine) Execute(ctx context.Context, op Operation) (solana.Signature, error) {
	maxRebuilds := e.MaxRebuilds
	if maxRebuilds <= 0 {
		maxRebuilds = defaultMaxRebuilds
	}

	var lastErr error
	for attempt := 0; attempt <= maxRebuilds; attempt++ {
		if attempt > 0 {
			log.Printf("%s: validity window expired, rebuilding (attempt %d)", op.Label(), attempt+1)
		}

		sig, rec, err := e.attempt(ctx, op)
		if rec != nil {
			e.records = append(e.records, rec)
		}
		if err == nil {
			return sig, nil
		}
		if rec != nil {
			log.Printf("%s: attempt ended %s", op.Label(), rec.Status)
		}
		if !errors.Is(err, ledger.ErrExpired) {
			return solana.Signature{}, err
		}
		lastErr = err
	}
	return solana.Signature{}, fmt.Errorf("%s: gave up after %d rebuilds: %w", op.Label(), maxRebuilds+1, lastErr)
}

// Records returns the per-attempt records accumulated so far, in attempt
// order. An expired record is never resubmitted; the rebuild that follows
// it gets a record of its own.
func (e *Engine) Records() []*Record {
	out := make([]*Record, len(e.records))
	copy(out, e.records)
	return out
}

func (e *Engine) attempt(ctx context.Context, op Operation) (solana.Signature, *Record, error) {
	window, err := e.Ledger.LatestValidityWindow(ctx)
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("%s: %w", op.Label(), err)
	}

	// Fresh reads: the operation re-derives its instruction list now,
	// against current ledger state.
	instructions, err := op.Instructions(ctx)
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("%s: %w", op.Label(), err)
	}

	tx, err := BuildTransaction(instructions, op.FeePayer(), window)
	if err != nil {
		return solana.Signature{}, nil, fmt.Errorf("%s: %w", op.Label(), err)
	}
	rec := newRecord(op.Label(), window)

	for _, signer := range e.Signers {
		if err := signer.Sign(ctx, tx); err != nil {
			rec.Status = StatusFailed
			return solana.Signature{}, rec, fmt.Errorf("%s: %w", op.Label(), err)
		}
		if signed, missing := signatureProgress(tx); signed > 0 && missing > 0 {
			rec.Status = StatusPartiallySigned
		}
	}
	if _, missing := signatureProgress(tx); missing > 0 {
		rec.Status = StatusFailed
		return solana.Signature{}, rec, fmt.Errorf("%s: %d required signature(s) missing", op.Label(), missing)
	}
	rec.Status = StatusSigned

	raw, err := tx.MarshalBinary()
	if err != nil {
		rec.Status = StatusFailed
		return solana.Signature{}, rec, fmt.Errorf("%s: failed to serialize transaction: %v", op.Label(), err)
	}

	sig, err := e.Ledger.Broadcast(ctx, raw)
	if err != nil {
		rec.Status = StatusFailed
		return solana.Signature{}, rec, fmt.Errorf("%s: %w", op.Label(), err)
	}
	rec.Signature = sig
	rec.Status = StatusSubmitted
	log.Printf("%s: submitted %s (valid through height %d)", op.Label(), sig, window.LastValidBlockHeight)

	if err := e.Ledger.AwaitConfirmation(ctx, sig, window.LastValidBlockHeight); err != nil {
		if errors.Is(err, ledger.ErrExpired) {
			rec.Status = StatusExpired
			return solana.Signature{}, rec, err
		}
		rec.Status = StatusFailed
		return solana.Signature{}, rec, fmt.Errorf("%s: %w", op.Label(), err)
	}
	rec.Status = StatusConfirmed
	log.Printf("%s: confirmed %s", op.Label(), sig)
	return sig, rec, nil
}

// signatureProgress counts populated and missing signatures among the
// transaction's required signers.
func signatureProgress(tx *solana.Transaction) (signed, missing int) {
	required := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < required; i++ {
		if i < len(tx.Signatures) && !tx.Signatures[i].IsZero() {
			signed++
		} else {
			missing++
		}
	}
	return signed, missing
}
