package receipt

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/pkg/types"
)

// Caller is the hub's name on the ledger's authorized-caller allow-list.
const Caller = "receipthub"

// postedAtSkew bounds how far a receipt's createdAt may drift from the
// clock at posting time. The challenge window anchors on createdAt, so an
// unchecked backdated timestamp would shrink the window.
const postedAtSkew = 10 * time.Minute

// Params are the hub's protocol parameters.
type Params struct {
	ChallengeWindow    time.Duration
	ReceiptBond        *big.Int
	MinActivationBond  *big.Int
	DeterministicSplit ledger.Split // user / challenger / treasury
	Treasury           common.Address
	Domain             types.SignatureDomain
}

// record is the hub's mutable state for one receipt.
type record struct {
	receipt       *types.IntentReceipt
	status        types.ReceiptStatus
	postedAt      time.Time
	challengeEnds time.Time

	// settlementProof is the proof commitment submitted before expiry,
	// zero hash when none. Timeout evaluation keys off it.
	settlementProof common.Hash

	// disputeID of the single active or settled dispute, zero when none.
	disputeID types.DisputeID

	// adjudicated marks a receipt that went through dispute resolution.
	// An adjudicated receipt is fully terminal: no re-dispute, no further
	// evidence, regardless of outcome.
	adjudicated bool
}

// Hub owns receipt posting, the challenge window, deterministic dispute
// resolution and finalization. It is the only component that transitions
// receipt status.
type Hub struct {
	mu      sync.RWMutex
	params  Params
	clock   engine.Clock
	bus     *engine.Bus
	ledger  *ledger.Ledger
	records map[types.ReceiptID]*record

	// Common dispute records for every path; sibling modules keep their
	// own path state keyed by dispute id.
	disputes   map[types.DisputeID]*types.Dispute
	disputeSeq uint64
}

// NewHub creates a receipt hub bound to the ledger.
func NewHub(params Params, l *ledger.Ledger, clock engine.Clock, bus *engine.Bus) *Hub {
	return &Hub{
		params:   params,
		clock:    clock,
		bus:      bus,
		ledger:   l,
		records:  make(map[types.ReceiptID]*record),
		disputes: make(map[types.DisputeID]*types.Dispute),
	}
}

// ComputeReceiptID is the pure content hash of a receipt.
func ComputeReceiptID(r *types.IntentReceipt) types.ReceiptID {
	return types.ComputeReceiptID(r)
}

// PostReceipt validates and stores a signed receipt, locks the receipt bond
// and opens the challenge window. Returns the content-derived receipt id.
func (h *Hub) PostReceipt(r *types.IntentReceipt) (types.ReceiptID, error) {
	if r == nil {
		return types.ReceiptID{}, fmt.Errorf("%w: nil receipt", types.ErrInvalidInput)
	}
	if err := r.Validate(); err != nil {
		return types.ReceiptID{}, err
	}

	now := h.clock.Now()
	if r.CreatedAt.After(now.Add(postedAtSkew)) || r.CreatedAt.Before(now.Add(-postedAtSkew)) {
		return types.ReceiptID{}, fmt.Errorf("%w: createdAt %s too far from current time", types.ErrInvalidInput, r.CreatedAt.UTC().Format(time.RFC3339))
	}

	id := types.ComputeReceiptID(r)

	signer, err := r.RecoverSigner(h.params.Domain)
	if err != nil {
		return types.ReceiptID{}, err
	}
	operator, err := h.ledger.Operator(r.SolverID)
	if err != nil {
		return types.ReceiptID{}, err
	}
	if signer != operator {
		return types.ReceiptID{}, fmt.Errorf("%w: signer %s is not operator %s", types.ErrInvalidSignature, signer.Hex(), operator.Hex())
	}
	if !h.ledger.IsActive(r.SolverID, h.params.MinActivationBond) {
		return types.ReceiptID{}, fmt.Errorf("%w: %s", types.ErrSolverNotActive, r.SolverID.Hex())
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.records[id]; exists {
		return types.ReceiptID{}, fmt.Errorf("%w: receipt %s already posted", types.ErrDuplicate, id.Hex())
	}

	if err := h.ledger.Lock(Caller, r.SolverID, id, h.params.ReceiptBond); err != nil {
		return types.ReceiptID{}, err
	}

	cp := *r
	cp.Signature = append([]byte(nil), r.Signature...)
	h.records[id] = &record{
		receipt:       &cp,
		status:        types.ReceiptPending,
		postedAt:      now,
		challengeEnds: r.CreatedAt.Add(h.params.ChallengeWindow),
	}

	h.publish(types.Event{Kind: types.EvReceiptPosted, At: now, ReceiptID: id, SolverID: r.SolverID})
	logging.Info("receipt posted",
		logging.Receipt(id.Hex()),
		logging.Solver(r.SolverID.Hex()),
		"challenge_ends", h.records[id].challengeEnds.UTC().Format(time.RFC3339))

	return id, nil
}

// SubmitSettlementProof records the settlement proof commitment for a
// receipt. Admissible only before the receipt turns terminal; the Timeout
// rule checks for its presence after expiry.
func (h *Hub) SubmitSettlementProof(id types.ReceiptID, proof common.Hash) error {
	if proof == (common.Hash{}) {
		return fmt.Errorf("%w: empty settlement proof", types.ErrInvalidInput)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return err
	}
	if rec.status.Terminal() {
		return fmt.Errorf("%w: receipt is %s", types.ErrInvalidTransition, rec.status)
	}
	if rec.settlementProof != (common.Hash{}) {
		return fmt.Errorf("%w: settlement proof already submitted", types.ErrDuplicate)
	}

	rec.settlementProof = proof
	return nil
}

// OpenDispute opens the single dispute a receipt may carry. Any party may
// dispute a Pending receipt before its challenge window closes.
func (h *Hub) OpenDispute(id types.ReceiptID, challenger, beneficiary common.Address, reason types.DisputeReason, evidence common.Hash) (types.DisputeID, error) {
	if reason.Kind == types.ReasonNone {
		return types.DisputeID{}, fmt.Errorf("%w: missing dispute reason", types.ErrInvalidInput)
	}
	if challenger == (common.Address{}) {
		return types.DisputeID{}, fmt.Errorf("%w: zero challenger address", types.ErrInvalidInput)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return types.DisputeID{}, err
	}
	if rec.adjudicated {
		return types.DisputeID{}, fmt.Errorf("%w: receipt already adjudicated", types.ErrInvalidTransition)
	}
	switch rec.status {
	case types.ReceiptPending:
	case types.ReceiptDisputed:
		return types.DisputeID{}, fmt.Errorf("%w: dispute already open", types.ErrDuplicate)
	default:
		return types.DisputeID{}, fmt.Errorf("%w: receipt is %s", types.ErrInvalidTransition, rec.status)
	}

	now := h.clock.Now()
	if now.After(rec.challengeEnds) {
		return types.DisputeID{}, fmt.Errorf("%w: challenge window ended %s", types.ErrWindowClosed, rec.challengeEnds.UTC().Format(time.RFC3339))
	}

	h.disputeSeq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], h.disputeSeq)
	disputeID := crypto.Keccak256Hash(id.Bytes(), challenger.Bytes(), seq[:])

	d := &types.Dispute{
		ID:          disputeID,
		ReceiptID:   id,
		Reason:      reason,
		Challenger:  challenger,
		Beneficiary: beneficiary,
		OpenedAt:    now,
		Status:      types.DisputeOpen,
	}
	if evidence != (common.Hash{}) {
		d.Evidence = append(d.Evidence, types.EvidenceEntry{
			Submitter:   challenger,
			Hash:        evidence,
			SubmittedAt: now,
		})
	}

	j := engine.NewJournal()
	h.disputes[disputeID] = d
	j.Record(func() { delete(h.disputes, disputeID) })
	rec.status = types.ReceiptDisputed
	rec.disputeID = disputeID
	j.Record(func() {
		rec.status = types.ReceiptPending
		rec.disputeID = types.DisputeID{}
	})

	if err := h.ledger.RecordDispute(Caller, rec.receipt.SolverID); err != nil {
		j.Rollback()
		return types.DisputeID{}, err
	}
	j.Commit()

	h.publish(types.Event{
		Kind:      types.EvDisputeOpened,
		At:        now,
		ReceiptID: id,
		DisputeID: disputeID,
		SolverID:  rec.receipt.SolverID,
		Actor:     challenger,
		Reason:    reason.Kind.String(),
	})
	logging.Info("dispute opened",
		logging.Receipt(id.Hex()),
		logging.Dispute(disputeID.Hex()),
		"reason", reason.Kind.String())

	return disputeID, nil
}

// Finalize settles a receipt unopposed after its challenge window: unlocks
// the bond and marks the receipt Finalized.
func (h *Hub) Finalize(id types.ReceiptID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return err
	}
	if rec.status != types.ReceiptPending {
		return fmt.Errorf("%w: receipt is %s, not pending", types.ErrInvalidTransition, rec.status)
	}
	now := h.clock.Now()
	if !now.After(rec.challengeEnds) {
		return fmt.Errorf("%w: challenge window open until %s", types.ErrWindowNotOpen, rec.challengeEnds.UTC().Format(time.RFC3339))
	}

	return h.finalizeLocked(rec, id)
}

// finalizeLocked unlocks the remaining receipt bond and marks the receipt
// Finalized. Caller holds h.mu.
func (h *Hub) finalizeLocked(rec *record, id types.ReceiptID) error {
	solverID := rec.receipt.SolverID
	remaining := h.ledger.LockedFor(solverID, id)
	if remaining.Sign() > 0 {
		if err := h.ledger.Unlock(Caller, solverID, id, remaining); err != nil {
			return err
		}
	}
	rec.status = types.ReceiptFinalized
	if err := h.ledger.RecordFill(Caller, solverID); err != nil {
		return err
	}

	h.publish(types.Event{Kind: types.EvReceiptFinalized, At: h.clock.Now(), ReceiptID: id, SolverID: solverID})
	logging.Info("receipt finalized", logging.Receipt(id.Hex()), logging.Solver(solverID.Hex()))
	return nil
}

// ResolveFault settles a disputed receipt against the solver: slashes the
// given amount from the receipt's lock, distributes it per shares, unlocks
// any remainder and marks the receipt Slashed. Used by the deterministic
// path and by the arbitration/optimistic modules applying their rulings.
func (h *Hub) ResolveFault(id types.ReceiptID, disputeID types.DisputeID, amount *big.Int, shares []ledger.Share, reason string, severe bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveFaultLocked(id, disputeID, amount, shares, reason, severe)
}

func (h *Hub) resolveFaultLocked(id types.ReceiptID, disputeID types.DisputeID, amount *big.Int, shares []ledger.Share, reason string, severe bool) error {
	rec, d, err := h.activeDisputeLocked(id, disputeID)
	if err != nil {
		return err
	}
	solverID := rec.receipt.SolverID

	slashed, err := h.ledger.Slash(Caller, solverID, id, amount, reason, severe)
	if err != nil {
		return err
	}
	if err := h.ledger.Distribute(Caller, slashed, shares); err != nil {
		// The slash went through; a distribution failure here means the
		// shares were malformed. Surface loudly rather than strand funds.
		return fmt.Errorf("slash distribution failed: %w", err)
	}

	remaining := h.ledger.LockedFor(solverID, id)
	if remaining.Sign() > 0 {
		if err := h.ledger.Unlock(Caller, solverID, id, remaining); err != nil {
			return err
		}
	}

	rec.status = types.ReceiptSlashed
	rec.adjudicated = true
	d.Status = types.DisputeResolvedFault

	now := h.clock.Now()
	h.publish(types.Event{
		Kind:      types.EvDisputeResolved,
		At:        now,
		ReceiptID: id,
		DisputeID: disputeID,
		SolverID:  solverID,
		Amount:    slashed,
		Reason:    reason,
		Status:    types.DisputeResolvedFault.String(),
	})
	return nil
}

// ResolveNoFault settles a disputed receipt in the solver's favor: unlocks
// the bond and finalizes the receipt. The receipt never reverts to Pending;
// an adjudicated receipt cannot be rechallenged.
func (h *Hub) ResolveNoFault(id types.ReceiptID, disputeID types.DisputeID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveNoFaultLocked(id, disputeID)
}

func (h *Hub) resolveNoFaultLocked(id types.ReceiptID, disputeID types.DisputeID) error {
	rec, d, err := h.activeDisputeLocked(id, disputeID)
	if err != nil {
		return err
	}

	j := engine.NewJournal()
	rec.adjudicated = true
	j.Record(func() { rec.adjudicated = false })
	prior := d.Status
	d.Status = types.DisputeResolvedNoFault
	j.Record(func() { d.Status = prior })
	if err := h.finalizeLocked(rec, id); err != nil {
		j.Rollback()
		return err
	}
	j.Commit()

	h.publish(types.Event{
		Kind:      types.EvDisputeResolved,
		At:        h.clock.Now(),
		ReceiptID: id,
		DisputeID: disputeID,
		SolverID:  rec.receipt.SolverID,
		Status:    types.DisputeResolvedNoFault.String(),
	})
	return nil
}

// activeDisputeLocked fetches the receipt record and its open dispute,
// rejecting settled or mismatched pairs. Caller holds h.mu.
func (h *Hub) activeDisputeLocked(id types.ReceiptID, disputeID types.DisputeID) (*record, *types.Dispute, error) {
	rec, err := h.getLocked(id)
	if err != nil {
		return nil, nil, err
	}
	d, ok := h.disputes[disputeID]
	if !ok || d.ReceiptID != id || rec.disputeID != disputeID {
		return nil, nil, fmt.Errorf("%w: dispute %s for receipt %s", types.ErrNotFound, disputeID.Hex(), id.Hex())
	}
	if d.Status.Resolved() {
		return nil, nil, fmt.Errorf("%w: dispute settled as %s", types.ErrAlreadyResolved, d.Status)
	}
	if rec.status != types.ReceiptDisputed {
		return nil, nil, fmt.Errorf("%w: receipt is %s, not disputed", types.ErrInvalidTransition, rec.status)
	}
	return rec, d, nil
}

// GetReceipt returns a copy of the stored receipt and its status.
func (h *Hub) GetReceipt(id types.ReceiptID) (*types.IntentReceipt, types.ReceiptStatus, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return nil, types.ReceiptNone, err
	}
	cp := *rec.receipt
	cp.Signature = append([]byte(nil), rec.receipt.Signature...)
	return &cp, rec.status, nil
}

// ChallengeEnds returns when the receipt's challenge window closes.
func (h *Hub) ChallengeEnds(id types.ReceiptID) (time.Time, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return time.Time{}, err
	}
	return rec.challengeEnds, nil
}

// GetDispute returns a copy of a dispute record.
func (h *Hub) GetDispute(id types.DisputeID) (*types.Dispute, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	d, ok := h.disputes[id]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s", types.ErrNotFound, id.Hex())
	}
	cp := *d
	cp.Evidence = append([]types.EvidenceEntry(nil), d.Evidence...)
	return &cp, nil
}

// AppendEvidence adds an evidence commitment to an unresolved dispute.
// Window policing is the arbitration module's concern.
func (h *Hub) AppendEvidence(disputeID types.DisputeID, submitter common.Address, hash common.Hash) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.disputes[disputeID]
	if !ok {
		return fmt.Errorf("%w: dispute %s", types.ErrNotFound, disputeID.Hex())
	}
	if d.Status.Resolved() {
		return fmt.Errorf("%w: dispute settled as %s", types.ErrAlreadyResolved, d.Status)
	}
	d.Evidence = append(d.Evidence, types.EvidenceEntry{
		Submitter:   submitter,
		Hash:        hash,
		SubmittedAt: h.clock.Now(),
	})
	h.publish(types.Event{Kind: types.EvEvidenceSubmitted, At: h.clock.Now(), DisputeID: disputeID, Actor: submitter})
	return nil
}

// MarkDisputeStatus moves an unresolved dispute between non-terminal
// states (evidence phase, escalated). Terminal transitions go through
// ResolveFault/ResolveNoFault only.
func (h *Hub) MarkDisputeStatus(disputeID types.DisputeID, status types.DisputeStatus) error {
	if status.Resolved() {
		return fmt.Errorf("%w: terminal transitions use resolve paths", types.ErrInvalidInput)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.disputes[disputeID]
	if !ok {
		return fmt.Errorf("%w: dispute %s", types.ErrNotFound, disputeID.Hex())
	}
	if d.Status.Resolved() {
		return fmt.Errorf("%w: dispute settled as %s", types.ErrAlreadyResolved, d.Status)
	}
	d.Status = status
	return nil
}

// SolverOf returns the solver that posted a receipt.
func (h *Hub) SolverOf(id types.ReceiptID) (types.SolverID, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return types.SolverID{}, err
	}
	return rec.receipt.SolverID, nil
}

func (h *Hub) getLocked(id types.ReceiptID) (*record, error) {
	rec, ok := h.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: receipt %s", types.ErrNotFound, id.Hex())
	}
	return rec, nil
}

func (h *Hub) publish(ev types.Event) {
	if h.bus != nil {
		h.bus.Publish(ev)
	}
}
