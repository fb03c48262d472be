package arbitration

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/receipt"
	"github.com/solverbond/solverbond/pkg/types"
)

// Caller is the module's name on the ledger's authorized-caller allow-list.
const Caller = "arbitration"

// Params are the subjective-path parameters.
type Params struct {
	EvidenceWindow     time.Duration
	ArbitrationTimeout time.Duration
	ArbitrationFee     *big.Int
	// ArbitratedSplit is user / treasury / arbitrator.
	ArbitratedSplit ledger.Split
	Arbitrator      common.Address
	Treasury        common.Address
}

// arbCase is the module's state for one subjective dispute.
type arbCase struct {
	receiptID   types.ReceiptID
	openedAt    time.Time
	escalatedAt time.Time
	escalatedBy common.Address
	feePaid     *big.Int
	settled     bool
}

// Module runs the subjective dispute pipeline: evidence collection,
// escalation to an arbitrator, ruling, and the timeout default that keeps an
// unresponsive arbitrator from holding a dispute hostage.
type Module struct {
	mu     sync.RWMutex
	params Params
	clock  engine.Clock
	bus    *engine.Bus
	ledger *ledger.Ledger
	hub    *receipt.Hub
	cases  map[types.DisputeID]*arbCase
}

// New creates the arbitration module.
func New(params Params, l *ledger.Ledger, hub *receipt.Hub, clock engine.Clock, bus *engine.Bus) *Module {
	return &Module{
		params: params,
		clock:  clock,
		bus:    bus,
		ledger: l,
		hub:    hub,
		cases:  make(map[types.DisputeID]*arbCase),
	}
}

// Open admits a subjective dispute into the evidence phase. Called by the
// engine when routing a freshly opened dispute.
func (m *Module) Open(disputeID types.DisputeID) error {
	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}
	if d.Reason.Kind.Deterministic() {
		return fmt.Errorf("%w: reason %s resolves deterministically", types.ErrInvalidInput, d.Reason.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cases[disputeID]; exists {
		return fmt.Errorf("%w: dispute already admitted", types.ErrDuplicate)
	}
	if err := m.hub.MarkDisputeStatus(disputeID, types.DisputeEvidencePhase); err != nil {
		return err
	}
	m.cases[disputeID] = &arbCase{
		receiptID: d.ReceiptID,
		openedAt:  d.OpenedAt,
		feePaid:   big.NewInt(0),
	}
	return nil
}

// OpenEscalated admits a dispute straight into the escalated state. Used by
// the optimistic path when a counter-bond lands: the dispute is already
// contested and bonded on both sides, so the fee-gated Escalate step is
// skipped and the arbitration clock starts immediately.
func (m *Module) OpenEscalated(disputeID types.DisputeID, by common.Address) error {
	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cases[disputeID]; exists {
		return fmt.Errorf("%w: dispute already admitted", types.ErrDuplicate)
	}
	if err := m.hub.MarkDisputeStatus(disputeID, types.DisputeEscalated); err != nil {
		return err
	}
	now := m.clock.Now()
	m.cases[disputeID] = &arbCase{
		receiptID:   d.ReceiptID,
		openedAt:    d.OpenedAt,
		escalatedAt: now,
		escalatedBy: by,
		feePaid:     big.NewInt(0),
	}
	m.publish(types.Event{Kind: types.EvArbitrationEscalated, At: now, DisputeID: disputeID, Actor: by})
	return nil
}

// SubmitEvidence records an evidence commitment. Either party, the
// challenger or the solver's operator, may submit during the evidence
// window.
func (m *Module) SubmitEvidence(disputeID types.DisputeID, by common.Address, evidence common.Hash) error {
	if evidence == (common.Hash{}) {
		return fmt.Errorf("%w: empty evidence hash", types.ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.caseLocked(disputeID)
	if err != nil {
		return err
	}
	if err := m.checkPartyLocked(disputeID, c, by); err != nil {
		return err
	}

	now := m.clock.Now()
	windowEnds := c.openedAt.Add(m.params.EvidenceWindow)
	if now.After(windowEnds) {
		return fmt.Errorf("%w: evidence window ended %s", types.ErrWindowClosed, windowEnds.UTC().Format(time.RFC3339))
	}

	return m.hub.AppendEvidence(disputeID, by, evidence)
}

// Escalate starts the arbitration clock. Only the challenger or the
// solver's operator may escalate; anyone-may-escalate invites griefing.
// Requires the arbitration fee.
func (m *Module) Escalate(disputeID types.DisputeID, by common.Address, fee *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.caseLocked(disputeID)
	if err != nil {
		return err
	}
	if !c.escalatedAt.IsZero() {
		return fmt.Errorf("%w: already escalated", types.ErrInvalidTransition)
	}
	if err := m.checkPartyLocked(disputeID, c, by); err != nil {
		return err
	}
	if fee == nil || fee.Cmp(m.params.ArbitrationFee) < 0 {
		return fmt.Errorf("%w: arbitration fee is %s", types.ErrInsufficientFunds, m.params.ArbitrationFee)
	}

	if err := m.hub.MarkDisputeStatus(disputeID, types.DisputeEscalated); err != nil {
		return err
	}
	c.escalatedAt = m.clock.Now()
	c.escalatedBy = by
	c.feePaid = new(big.Int).Set(fee)

	m.publish(types.Event{Kind: types.EvArbitrationEscalated, At: c.escalatedAt, DisputeID: disputeID, Actor: by, Amount: new(big.Int).Set(fee)})
	logging.Info("dispute escalated to arbitration",
		logging.Dispute(disputeID.Hex()),
		"by", by.Hex())
	return nil
}

// Resolve applies the arbitrator's ruling. slashPct is the percentage of
// the receipt's locked bond forfeited when the solver is at fault; the
// arbitrated split pays the user, the treasury and the arbitrator.
func (m *Module) Resolve(disputeID types.DisputeID, by common.Address, solverFault bool, slashPct int, reason string) error {
	if by != m.params.Arbitrator {
		return fmt.Errorf("%w: only the arbitrator may rule", types.ErrUnauthorized)
	}
	if slashPct < 0 || slashPct > 100 {
		return fmt.Errorf("%w: slash percentage %d out of range", types.ErrInvalidInput, slashPct)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.caseLocked(disputeID)
	if err != nil {
		return err
	}
	if c.escalatedAt.IsZero() {
		return fmt.Errorf("%w: dispute was never escalated", types.ErrInvalidTransition)
	}

	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}

	if !solverFault {
		if err := m.hub.ResolveNoFault(c.receiptID, disputeID); err != nil {
			return err
		}
		m.sweepFeeLocked(c)
		m.settleLocked(c, disputeID, false, reason)
		return nil
	}

	solverID, err := m.hub.SolverOf(c.receiptID)
	if err != nil {
		return err
	}
	locked := m.ledger.LockedFor(solverID, c.receiptID)
	amount := new(big.Int).Mul(locked, big.NewInt(int64(slashPct)))
	amount.Div(amount, big.NewInt(100))

	shares := m.params.ArbitratedSplit.Shares(d.Beneficiary, m.params.Treasury, m.params.Arbitrator)
	if err := m.hub.ResolveFault(c.receiptID, disputeID, amount, shares, reason, false); err != nil {
		return err
	}
	m.sweepFeeLocked(c)
	m.settleLocked(c, disputeID, true, reason)
	return nil
}

// sweepFeeLocked retains the arbitration fee for the protocol once a ruling
// lands. Only a timeout refunds it.
func (m *Module) sweepFeeLocked(c *arbCase) {
	if c.feePaid.Sign() > 0 {
		if err := m.ledger.Credit(Caller, m.params.Treasury, c.feePaid); err != nil {
			logging.Warn("arbitration fee sweep failed", logging.Err(err))
		}
	}
}

// ResolveByTimeout settles an escalated dispute once the arbitration
// timeout has elapsed without a ruling. Permissionless: admissibility is
// decided from recorded timestamps alone, never caller identity. Default
// outcome is solver not at fault; the arbitration fee returns to whoever
// escalated.
func (m *Module) ResolveByTimeout(disputeID types.DisputeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.caseLocked(disputeID)
	if err != nil {
		return err
	}
	if c.escalatedAt.IsZero() {
		return fmt.Errorf("%w: dispute was never escalated", types.ErrInvalidTransition)
	}

	now := m.clock.Now()
	deadline := c.escalatedAt.Add(m.params.ArbitrationTimeout)
	if now.Before(deadline) {
		return fmt.Errorf("%w: arbitration timeout at %s", types.ErrWindowNotOpen, deadline.UTC().Format(time.RFC3339))
	}

	if err := m.hub.ResolveNoFault(c.receiptID, disputeID); err != nil {
		return err
	}
	if c.feePaid.Sign() > 0 {
		if err := m.ledger.Credit(Caller, c.escalatedBy, c.feePaid); err != nil {
			return err
		}
	}
	m.settleLocked(c, disputeID, false, "arbitration timeout")
	return nil
}

// ResolveUnescalated lapses a dispute whose evidence window passed with no
// escalation. Permissionless; solver not at fault.
func (m *Module) ResolveUnescalated(disputeID types.DisputeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.caseLocked(disputeID)
	if err != nil {
		return err
	}
	if !c.escalatedAt.IsZero() {
		return fmt.Errorf("%w: dispute is escalated", types.ErrInvalidTransition)
	}

	now := m.clock.Now()
	windowEnds := c.openedAt.Add(m.params.EvidenceWindow)
	if !now.After(windowEnds) {
		return fmt.Errorf("%w: evidence window open until %s", types.ErrWindowNotOpen, windowEnds.UTC().Format(time.RFC3339))
	}

	if err := m.hub.ResolveNoFault(c.receiptID, disputeID); err != nil {
		return err
	}
	m.settleLocked(c, disputeID, false, "unescalated")
	return nil
}

// EscalatedAt returns when the dispute was escalated, zero if never.
func (m *Module) EscalatedAt(disputeID types.DisputeID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[disputeID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: dispute %s", types.ErrNotFound, disputeID.Hex())
	}
	return c.escalatedAt, nil
}

func (m *Module) settleLocked(c *arbCase, disputeID types.DisputeID, fault bool, reason string) {
	c.settled = true
	status := "no_fault"
	if fault {
		status = "fault"
	}
	m.publish(types.Event{
		Kind:      types.EvArbitrationResolved,
		At:        m.clock.Now(),
		DisputeID: disputeID,
		ReceiptID: c.receiptID,
		Reason:    reason,
		Status:    status,
	})
}

func (m *Module) caseLocked(disputeID types.DisputeID) (*arbCase, error) {
	c, ok := m.cases[disputeID]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s not under arbitration", types.ErrNotFound, disputeID.Hex())
	}
	if c.settled {
		return nil, fmt.Errorf("%w: arbitration case settled", types.ErrAlreadyResolved)
	}
	return c, nil
}

// checkPartyLocked enforces the party-only rule: the challenger or the
// solver's current operator.
func (m *Module) checkPartyLocked(disputeID types.DisputeID, c *arbCase, by common.Address) error {
	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}
	if by == d.Challenger {
		return nil
	}
	solverID, err := m.hub.SolverOf(c.receiptID)
	if err != nil {
		return err
	}
	operator, err := m.ledger.Operator(solverID)
	if err != nil {
		return err
	}
	if by == operator {
		return nil
	}
	return fmt.Errorf("%w: only the challenger or the solver's operator", types.ErrUnauthorized)
}

func (m *Module) publish(ev types.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
