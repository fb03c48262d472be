package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names every observable protocol outcome.
type EventKind string

const (
	EvSolverRegistered       EventKind = "solver_registered"
	EvBondDeposited          EventKind = "bond_deposited"
	EvWithdrawalRequested    EventKind = "withdrawal_requested"
	EvBondWithdrawn          EventKind = "bond_withdrawn"
	EvSolverStatusChanged    EventKind = "solver_status_changed"
	EvSolverSlashed          EventKind = "solver_slashed"
	EvReceiptPosted          EventKind = "receipt_posted"
	EvReceiptFinalized       EventKind = "receipt_finalized"
	EvDisputeOpened          EventKind = "dispute_opened"
	EvDisputeResolved        EventKind = "dispute_resolved"
	EvEvidenceSubmitted      EventKind = "evidence_submitted"
	EvArbitrationEscalated   EventKind = "arbitration_escalated"
	EvArbitrationResolved    EventKind = "arbitration_resolved"
	EvCounterBondPosted      EventKind = "counter_bond_posted"
	EvEscrowDeposited        EventKind = "escrow_deposited"
	EvEscrowReleased         EventKind = "escrow_released"
	EvEscrowRefunded         EventKind = "escrow_refunded"
	EvReputationSnapshot     EventKind = "reputation_snapshot"
)

// Event is a single observable protocol outcome. Only the fields relevant to
// the kind are populated.
type Event struct {
	Kind      EventKind      `json:"kind"`
	At        time.Time      `json:"at"`
	SolverID  SolverID       `json:"solver_id,omitempty"`
	ReceiptID ReceiptID      `json:"receipt_id,omitempty"`
	DisputeID DisputeID      `json:"dispute_id,omitempty"`
	EscrowID  EscrowID       `json:"escrow_id,omitempty"`
	Actor     common.Address `json:"actor,omitempty"`
	Amount    *big.Int       `json:"amount,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Status    string         `json:"status,omitempty"`
	Stats     *SolverStats   `json:"stats,omitempty"`
}
