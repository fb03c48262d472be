package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SolverID identifies a registered solver. Derived at registration time,
// never chosen by the solver.
type SolverID = common.Hash

// ReceiptID is the content hash of an IntentReceipt.
type ReceiptID = common.Hash

// DisputeID identifies a dispute against a receipt.
type DisputeID = common.Hash

// EscrowID identifies an escrow hold bound to a receipt.
type EscrowID = common.Hash

// SolverStatus represents the lifecycle state of a solver.
type SolverStatus uint8

const (
	SolverInactive SolverStatus = iota
	SolverActive
	SolverJailed
	SolverBanned
)

func (s SolverStatus) String() string {
	switch s {
	case SolverInactive:
		return "inactive"
	case SolverActive:
		return "active"
	case SolverJailed:
		return "jailed"
	case SolverBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Solver holds a solver's identity and economic state. The bond ledger owns
// these records exclusively; other components hold only the SolverID.
type Solver struct {
	ID       SolverID
	Operator common.Address
	Metadata string

	// BondBalance is available collateral; LockedBalance is committed to
	// open receipts and disputes. Their sum equals the custodied funds
	// attributable to this solver.
	BondBalance   *big.Int
	LockedBalance *big.Int

	Status       SolverStatus
	RegisteredAt time.Time

	// Lifetime counters.
	TotalFilled   uint64
	TotalDisputes uint64
	TotalSlashed  *big.Int

	// Pending two-phase withdrawal, zero amount when none.
	WithdrawalAmount      *big.Int
	WithdrawalRequestedAt time.Time
}

// Stats returns a reputation snapshot for outcome publishing.
func (s *Solver) Stats() SolverStats {
	return SolverStats{
		SolverID:      s.ID,
		Status:        s.Status,
		TotalFilled:   s.TotalFilled,
		TotalDisputes: s.TotalDisputes,
		TotalSlashed:  new(big.Int).Set(s.TotalSlashed),
	}
}

// SolverStats is the outcome snapshot emitted to reputation consumers.
type SolverStats struct {
	SolverID      SolverID
	Status        SolverStatus
	TotalFilled   uint64
	TotalDisputes uint64
	TotalSlashed  *big.Int
}

// ReceiptStatus represents the lifecycle state of a receipt.
type ReceiptStatus uint8

const (
	ReceiptNone ReceiptStatus = iota
	ReceiptPending
	ReceiptDisputed
	ReceiptFinalized
	ReceiptSlashed
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptNone:
		return "none"
	case ReceiptPending:
		return "pending"
	case ReceiptDisputed:
		return "disputed"
	case ReceiptFinalized:
		return "finalized"
	case ReceiptSlashed:
		return "slashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptFinalized || s == ReceiptSlashed
}

// DisputeStatus represents the lifecycle state of a dispute.
type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeEvidencePhase
	DisputeEscalated
	DisputeResolvedFault
	DisputeResolvedNoFault
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeOpen:
		return "open"
	case DisputeEvidencePhase:
		return "evidence"
	case DisputeEscalated:
		return "escalated"
	case DisputeResolvedFault:
		return "resolved_fault"
	case DisputeResolvedNoFault:
		return "resolved_no_fault"
	default:
		return "unknown"
	}
}

// Resolved reports whether the dispute has reached a terminal outcome.
func (s DisputeStatus) Resolved() bool {
	return s == DisputeResolvedFault || s == DisputeResolvedNoFault
}

// Dispute is the common record for all three resolution paths. Optimistic
// and arbitration fields are zero-valued when unused.
type Dispute struct {
	ID         DisputeID
	ReceiptID  ReceiptID
	Reason     DisputeReason
	Challenger common.Address
	// Beneficiary is the affected user receiving the user share of any
	// slash. Supplied by the challenger; overridden by the verified intent
	// recipient when fact-based deterministic rules run.
	Beneficiary common.Address
	OpenedAt    time.Time
	Evidence    []EvidenceEntry
	Status      DisputeStatus
}

// EvidenceEntry is a single evidence commitment submitted during a dispute.
type EvidenceEntry struct {
	Submitter   common.Address
	Hash        common.Hash
	SubmittedAt time.Time
}

// EscrowStatus represents the lifecycle state of an escrow hold.
type EscrowStatus uint8

const (
	EscrowHeld EscrowStatus = iota
	EscrowReleased
	EscrowRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowHeld:
		return "held"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Escrow is a fund hold whose disposition is keyed to its receipt's terminal
// outcome. Token is the zero address for the native asset.
type Escrow struct {
	ID        EscrowID
	ReceiptID ReceiptID
	Amount    *big.Int
	Token     common.Address
	Depositor common.Address
	Recipient common.Address
	Status    EscrowStatus
	HeldAt    time.Time
}

// ValidateAmount checks an economic amount argument: non-nil and positive.
func ValidateAmount(amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrInvalidInput)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, amount.String())
	}
	return nil
}
