package submit

import (
	"github.com/gagliardetto/solana-go"

	"co2e-escrow-go/internal/ledger"
)

// Status tracks a transaction record through its lifecycle. Records are
// ephemeral: they exist for one attempt and are discarded once the
// attempt confirms, fails, or expires. An Expired record is never
// resubmitted; the operation is rebuilt against a fresh anchor.
type Status int

const (
	StatusBuilt Status = iota
	StatusPartiallySigned
	StatusSigned
	StatusSubmitted
	StatusConfirmed
	StatusExpired
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilt:
		return "built"
	case StatusPartiallySigned:
		return "partially-signed"
	case StatusSigned:
		return "signed"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusExpired:
		return "expired"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the per-attempt bookkeeping for one built transaction.
type Record struct {
	Label     string
	Window    ledger.ValidityWindow
	Signature solana.Signature
	Status    Status
}

func newRecord(label string, window ledger.ValidityWindow) *Record {
	return &Record{Label: label, Window: window, Status: StatusBuilt}
}
