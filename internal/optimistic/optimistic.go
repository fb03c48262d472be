package optimistic

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
const Caller = "optimistic"

// Arbiter is how a contested challenge hands off. Satisfied by the
// arbitration module.
type Arbiter interface {
	OpenEscalated(disputeID types.DisputeID, by common.Address) error
}

// Params are the optimistic-path parameters.
type Params struct {
	CounterBondWindow time.Duration
	// ChallengerBondBps of the receipt's locked amount, required to
	// challenge. Skin in the game against frivolous challenges.
	ChallengerBondBps int
	// ProtocolFeeBps taken from a forfeited bond before it reaches the
	// winner.
	ProtocolFeeBps int
	// UncontestedSplit distributes the slash when a challenge goes
	// unanswered: user / challenger / treasury.
	UncontestedSplit ledger.Split
	Treasury         common.Address
}

// challenge is the module's state for one optimistic dispute.
type challenge struct {
	receiptID  types.ReceiptID
	challenger common.Address
	bond       *big.Int
	openedAt   time.Time

	// counterBond is nil until the solver contests.
	counterBond *big.Int
	counteredBy common.Address
	counteredAt time.Time
	settled     bool
}

// Module runs the optimistic dispute path: a bonded challenge the solver
// either lets time out, conceding, or answers with a counter-bond that
// escalates the dispute to arbitration. The loser's bond goes to the winner
// minus a protocol fee.
type Module struct {
	mu      sync.RWMutex
	params  Params
	clock   engine.Clock
	bus     *engine.Bus
	ledger  *ledger.Ledger
	hub     *receipt.Hub
	arbiter Arbiter

	challenges map[types.DisputeID]*challenge

	// held is the sum of all outstanding challenge and counter bonds.
	// Conserved: every wei posted is either still here or credited out.
	held *big.Int
}

// New creates the optimistic dispute module.
func New(params Params, l *ledger.Ledger, hub *receipt.Hub, arbiter Arbiter, clock engine.Clock, bus *engine.Bus) *Module {
	return &Module{
		params:     params,
		clock:      clock,
		bus:        bus,
		ledger:     l,
		hub:        hub,
		arbiter:    arbiter,
		challenges: make(map[types.DisputeID]*challenge),
		held:       big.NewInt(0),
	}
}

// RequiredBond returns the challenger bond for a receipt: a fixed fraction
// of the amount locked behind it.
func (m *Module) RequiredBond(id types.ReceiptID) (*big.Int, error) {
	solverID, err := m.hub.SolverOf(id)
	if err != nil {
		return nil, err
	}
	locked := m.ledger.LockedFor(solverID, id)
	bond := new(big.Int).Mul(locked, big.NewInt(int64(m.params.ChallengerBondBps)))
	return bond.Div(bond, big.NewInt(10000)), nil
}

// Open admits a dispute onto the optimistic path, taking the challenger's
// bond. Called by the engine when routing a freshly opened dispute.
func (m *Module) Open(disputeID types.DisputeID, bond *big.Int) error {
	if err := types.ValidateAmount(bond); err != nil {
		return err
	}

	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}
	required, err := m.RequiredBond(d.ReceiptID)
	if err != nil {
		return err
	}
	if required.Sign() == 0 {
		return fmt.Errorf("%w: receipt has no locked bond to challenge", types.ErrInvalidTransition)
	}
	if bond.Cmp(required) < 0 {
		return fmt.Errorf("%w: challenger bond %s below required %s", types.ErrInsufficientFunds, bond, required)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.challenges[disputeID]; exists {
		return fmt.Errorf("%w: dispute already challenged", types.ErrDuplicate)
	}

	m.challenges[disputeID] = &challenge{
		receiptID:  d.ReceiptID,
		challenger: d.Challenger,
		bond:       new(big.Int).Set(bond),
		openedAt:   m.clock.Now(),
	}
	m.held.Add(m.held, bond)

	logging.Info("optimistic challenge opened",
		logging.Dispute(disputeID.Hex()),
		logging.Receipt(d.ReceiptID.Hex()),
		logging.Amount(bond.String()))
	return nil
}

// PostCounterBond is the solver's answer to a challenge. Only the solver's
// operator, within the counter-bond window, matching the challenger's bond.
// A counter-bond escalates the dispute to arbitration.
func (m *Module) PostCounterBond(disputeID types.DisputeID, by common.Address, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.challengeLocked(disputeID)
	if err != nil {
		return err
	}
	if c.counterBond != nil {
		return fmt.Errorf("%w: counter-bond already posted", types.ErrDuplicate)
	}

	solverID, err := m.hub.SolverOf(c.receiptID)
	if err != nil {
		return err
	}
	operator, err := m.ledger.Operator(solverID)
	if err != nil {
		return err
	}
	if by != operator {
		return fmt.Errorf("%w: only the solver's operator may counter", types.ErrUnauthorized)
	}

	now := m.clock.Now()
	deadline := c.openedAt.Add(m.params.CounterBondWindow)
	if now.After(deadline) {
		return fmt.Errorf("%w: counter-bond window ended %s", types.ErrWindowClosed, deadline.UTC().Format(time.RFC3339))
	}
	if amount.Cmp(c.bond) < 0 {
		return fmt.Errorf("%w: counter-bond %s below challenger bond %s", types.ErrInsufficientFunds, amount, c.bond)
	}

	if err := m.arbiter.OpenEscalated(disputeID, by); err != nil {
		return err
	}
	c.counterBond = new(big.Int).Set(amount)
	c.counteredBy = by
	c.counteredAt = now
	m.held.Add(m.held, amount)

	m.publish(types.Event{
		Kind:      types.EvCounterBondPosted,
		At:        now,
		DisputeID: disputeID,
		ReceiptID: c.receiptID,
		Actor:     by,
		Amount:    new(big.Int).Set(amount),
	})
	logging.Info("counter-bond posted, dispute escalated",
		logging.Dispute(disputeID.Hex()),
		logging.Amount(amount.String()))
	return nil
}

// ResolveByTimeout settles an uncontested challenge once the counter-bond
// window lapses. Permissionless. The silent solver concedes: the full
// receipt lock is slashed and distributed, and the challenger's bond comes
// back whole.
func (m *Module) ResolveByTimeout(disputeID types.DisputeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.challengeLocked(disputeID)
	if err != nil {
		return err
	}
	if c.counterBond != nil {
		return fmt.Errorf("%w: challenge was contested", types.ErrInvalidTransition)
	}

	now := m.clock.Now()
	deadline := c.openedAt.Add(m.params.CounterBondWindow)
	if !now.After(deadline) {
		return fmt.Errorf("%w: counter-bond window open until %s", types.ErrWindowNotOpen, deadline.UTC().Format(time.RFC3339))
	}

	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}
	solverID, err := m.hub.SolverOf(c.receiptID)
	if err != nil {
		return err
	}
	locked := m.ledger.LockedFor(solverID, c.receiptID)

	shares := m.params.UncontestedSplit.Shares(d.Beneficiary, c.challenger, m.params.Treasury)
	if err := m.hub.ResolveFault(c.receiptID, disputeID, locked, shares, "unanswered challenge", false); err != nil {
		return err
	}

	// Bond back to the challenger in full; nothing was forfeited.
	if err := m.payOutLocked(c.challenger, c.bond); err != nil {
		return err
	}
	c.settled = true

	logging.Info("uncontested challenge resolved for challenger",
		logging.Dispute(disputeID.Hex()),
		logging.Amount(locked.String()))
	return nil
}

// Settle pays out the bonds of a contested challenge after arbitration
// lands. Permissionless; admissibility is read off the dispute's terminal
// status. The loser's bond goes to the winner minus the protocol fee.
func (m *Module) Settle(disputeID types.DisputeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.challengeLocked(disputeID)
	if err != nil {
		return err
	}
	if c.counterBond == nil {
		return fmt.Errorf("%w: challenge was never contested", types.ErrInvalidTransition)
	}

	d, err := m.hub.GetDispute(disputeID)
	if err != nil {
		return err
	}

	var winner, loser common.Address
	var winnerBond, forfeit *big.Int
	switch d.Status {
	case types.DisputeResolvedFault:
		winner, loser = c.challenger, c.counteredBy
		winnerBond, forfeit = c.bond, c.counterBond
	case types.DisputeResolvedNoFault:
		winner, loser = c.counteredBy, c.challenger
		winnerBond, forfeit = c.counterBond, c.bond
	default:
		return fmt.Errorf("%w: dispute still %s", types.ErrWindowNotOpen, d.Status)
	}

	fee := new(big.Int).Mul(forfeit, big.NewInt(int64(m.params.ProtocolFeeBps)))
	fee.Div(fee, big.NewInt(10000))
	won := new(big.Int).Sub(forfeit, fee)

	// Winner's own bond back plus the forfeit net of fee.
	if err := m.payOutLocked(winner, new(big.Int).Add(winnerBond, won)); err != nil {
		return err
	}
	if fee.Sign() > 0 {
		if err := m.payOutLocked(m.params.Treasury, fee); err != nil {
			return err
		}
	}
	c.settled = true

	logging.Info("contested challenge settled",
		logging.Dispute(disputeID.Hex()),
		"winner", winner.Hex(),
		"loser", loser.Hex(),
		logging.Amount(won.String()))
	return nil
}

// Held reports the sum of bonds the module is currently holding.
func (m *Module) Held() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.held)
}

// CounterBondDeadline returns when the counter-bond window closes.
func (m *Module) CounterBondDeadline(disputeID types.DisputeID) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.challenges[disputeID]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: dispute %s", types.ErrNotFound, disputeID.Hex())
	}
	return c.openedAt.Add(m.params.CounterBondWindow), nil
}

// payOutLocked moves held funds to a claimable payout account. Caller holds
// m.mu.
func (m *Module) payOutLocked(to common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if m.held.Cmp(amount) < 0 {
		return fmt.Errorf("%w: module holds %s, paying %s", types.ErrInsufficientFunds, m.held, amount)
	}
	if err := m.ledger.Credit(Caller, to, amount); err != nil {
		return err
	}
	m.held.Sub(m.held, amount)
	return nil
}

func (m *Module) challengeLocked(disputeID types.DisputeID) (*challenge, error) {
	c, ok := m.challenges[disputeID]
	if !ok {
		return nil, fmt.Errorf("%w: dispute %s not on the optimistic path", types.ErrNotFound, disputeID.Hex())
	}
	if c.settled {
		return nil, fmt.Errorf("%w: challenge settled", types.ErrAlreadyResolved)
	}
	return c, nil
}

func (m *Module) publish(ev types.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}
