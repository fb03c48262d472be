package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/pkg/types"
)

// Params are the ledger's economic parameters.
type Params struct {
	MinActivationBond  *big.Int
	WithdrawalCooldown time.Duration
	JailAfterFaults    int
	Treasury           common.Address
}

// Ledger owns solver records and all bond accounting. It is the only
// component that mutates balances; ReceiptHub, ArbitrationModule and
// OptimisticDispute act through the authorized-caller interface.
//
// Custody invariant: for every solver, BondBalance + LockedBalance equals the
// custodied funds attributable to that solver. Locked balance only decreases
// via Unlock or Slash.
type Ledger struct {
	mu      sync.RWMutex
	params  Params
	clock   engine.Clock
	bus     *engine.Bus
	solvers map[types.SolverID]*types.Solver

	// Per-solver custodied funds; the invariant ties this to the balances.
	custodied map[types.SolverID]*big.Int

	// Per-solver, per-reference lock amounts. A caller may only unlock or
	// slash against a reference it locked, up to the remaining lock.
	locks map[types.SolverID]map[common.Hash]*big.Int

	// Fault counts driving jail escalation.
	faults map[types.SolverID]int

	// Claimable payout accounts credited by slash distribution.
	payouts map[common.Address]*big.Int

	// Allow-list of component names permitted to lock/unlock/slash.
	authorized map[string]bool

	regSeq uint64
}

// New creates a bond ledger.
func New(params Params, clock engine.Clock, bus *engine.Bus) *Ledger {
	return &Ledger{
		params:     params,
		clock:      clock,
		bus:        bus,
		solvers:    make(map[types.SolverID]*types.Solver),
		custodied:  make(map[types.SolverID]*big.Int),
		locks:      make(map[types.SolverID]map[common.Hash]*big.Int),
		faults:     make(map[types.SolverID]int),
		payouts:    make(map[common.Address]*big.Int),
		authorized: make(map[string]bool),
	}
}

// Authorize adds a component to the lock/unlock/slash allow-list.
func (l *Ledger) Authorize(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized[caller] = true
}

func (l *Ledger) checkCaller(caller string) error {
	if !l.authorized[caller] {
		return fmt.Errorf("%w: %q may not move bonds", types.ErrUnauthorized, caller)
	}
	return nil
}

// Register creates a solver in Inactive status and returns its id.
func (l *Ledger) Register(operator common.Address, metadata string) (types.SolverID, error) {
	if operator == (common.Address{}) {
		return types.SolverID{}, fmt.Errorf("%w: zero operator address", types.ErrInvalidInput)
	}
	if len(metadata) > 512 {
		return types.SolverID{}, fmt.Errorf("%w: metadata exceeds 512 bytes", types.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.regSeq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.regSeq)
	id := crypto.Keccak256Hash(operator.Bytes(), seq[:])

	if _, exists := l.solvers[id]; exists {
		return types.SolverID{}, fmt.Errorf("%w: solver id collision", types.ErrDuplicate)
	}

	l.solvers[id] = &types.Solver{
		ID:               id,
		Operator:         operator,
		Metadata:         metadata,
		BondBalance:      big.NewInt(0),
		LockedBalance:    big.NewInt(0),
		Status:           types.SolverInactive,
		RegisteredAt:     now,
		TotalSlashed:     big.NewInt(0),
		WithdrawalAmount: big.NewInt(0),
	}
	l.custodied[id] = big.NewInt(0)
	l.locks[id] = make(map[common.Hash]*big.Int)

	l.publish(types.Event{Kind: types.EvSolverRegistered, At: now, SolverID: id, Actor: operator})
	logging.Info("solver registered", logging.Solver(id.Hex()), "operator", operator.Hex())

	return id, nil
}

// Deposit increases a solver's available bond. Anyone may fund a solver.
// Crossing the activation threshold moves an Inactive solver to Active.
func (l *Ledger) Deposit(id types.SolverID, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if s.Status == types.SolverBanned {
		return fmt.Errorf("%w: cannot fund a banned solver", types.ErrSolverBanned)
	}

	s.BondBalance.Add(s.BondBalance, amount)
	l.custodied[id].Add(l.custodied[id], amount)

	now := l.clock.Now()
	l.publish(types.Event{Kind: types.EvBondDeposited, At: now, SolverID: id, Amount: new(big.Int).Set(amount)})

	if s.Status == types.SolverInactive && s.BondBalance.Cmp(l.params.MinActivationBond) >= 0 {
		l.setStatus(s, types.SolverActive)
	}
	return nil
}

// RequestWithdrawal starts the two-phase withdrawal. Only the operator may
// request; the cooldown bounds the damage window of a compromised key.
func (l *Ledger) RequestWithdrawal(id types.SolverID, by common.Address, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if by != s.Operator {
		return fmt.Errorf("%w: only the operator may withdraw", types.ErrUnauthorized)
	}
	if s.Status == types.SolverBanned {
		return fmt.Errorf("%w: bond of a banned solver is frozen", types.ErrSolverBanned)
	}
	if amount.Cmp(s.BondBalance) > 0 {
		return fmt.Errorf("%w: requested %s, available %s", types.ErrInsufficientBond, amount, s.BondBalance)
	}

	s.WithdrawalAmount = new(big.Int).Set(amount)
	s.WithdrawalRequestedAt = l.clock.Now()

	l.publish(types.Event{Kind: types.EvWithdrawalRequested, At: s.WithdrawalRequestedAt, SolverID: id, Amount: new(big.Int).Set(amount)})
	return nil
}

// ExecuteWithdrawal completes a pending withdrawal after the cooldown. The
// amount is re-checked against the available balance at execution time; a
// slash during the cooldown can shrink or void the withdrawal.
func (l *Ledger) ExecuteWithdrawal(id types.SolverID, by common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	if by != s.Operator {
		return nil, fmt.Errorf("%w: only the operator may withdraw", types.ErrUnauthorized)
	}
	if s.Status == types.SolverBanned {
		return nil, fmt.Errorf("%w: bond of a banned solver is frozen", types.ErrSolverBanned)
	}
	if s.WithdrawalAmount.Sign() == 0 {
		return nil, fmt.Errorf("%w: no pending withdrawal", types.ErrInvalidTransition)
	}

	now := l.clock.Now()
	ready := s.WithdrawalRequestedAt.Add(l.params.WithdrawalCooldown)
	if now.Before(ready) {
		return nil, fmt.Errorf("%w: withdrawal ready at %s", types.ErrWindowNotOpen, ready.UTC().Format(time.RFC3339))
	}

	amount := s.WithdrawalAmount
	if amount.Cmp(s.BondBalance) > 0 {
		return nil, fmt.Errorf("%w: pending %s exceeds available %s", types.ErrInsufficientBond, amount, s.BondBalance)
	}

	s.BondBalance.Sub(s.BondBalance, amount)
	l.custodied[id].Sub(l.custodied[id], amount)
	s.WithdrawalAmount = big.NewInt(0)
	s.WithdrawalRequestedAt = time.Time{}

	if s.Status == types.SolverActive && s.BondBalance.Cmp(l.params.MinActivationBond) < 0 {
		l.setStatus(s, types.SolverInactive)
	}

	l.publish(types.Event{Kind: types.EvBondWithdrawn, At: now, SolverID: id, Amount: new(big.Int).Set(amount)})
	logging.Audit(logging.AuditEvent{
		Operation: "bond_withdrawn",
		Actor:     by.Hex(),
		Target:    id.Hex(),
		Result:    "success",
		Details:   amount.String(),
	})
	return new(big.Int).Set(amount), nil
}

// Lock moves available bond into the locked balance under a reference id.
// Authorized callers only.
func (l *Ledger) Lock(caller string, id types.SolverID, ref common.Hash, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if amount.Cmp(s.BondBalance) > 0 {
		return fmt.Errorf("%w: lock %s, available %s", types.ErrInsufficientBond, amount, s.BondBalance)
	}

	s.BondBalance.Sub(s.BondBalance, amount)
	s.LockedBalance.Add(s.LockedBalance, amount)

	lk := l.locks[id]
	if cur, ok := lk[ref]; ok {
		cur.Add(cur, amount)
	} else {
		lk[ref] = new(big.Int).Set(amount)
	}
	return nil
}

// Unlock returns locked bond under a reference to the available balance.
func (l *Ledger) Unlock(caller string, id types.SolverID, ref common.Hash, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	cur, ok := l.locks[id][ref]
	if !ok || amount.Cmp(cur) > 0 {
		return fmt.Errorf("%w: unlock %s against ref %s", types.ErrInsufficientLocked, amount, ref.Hex())
	}

	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		delete(l.locks[id], ref)
	}
	s.LockedBalance.Sub(s.LockedBalance, amount)
	s.BondBalance.Add(s.BondBalance, amount)
	return nil
}

// LockedFor returns the remaining lock held under a reference.
func (l *Ledger) LockedFor(id types.SolverID, ref common.Hash) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lk, ok := l.locks[id]; ok {
		if cur, ok := lk[ref]; ok {
			return new(big.Int).Set(cur)
		}
	}
	return big.NewInt(0)
}

// Slash forfeits locked bond under a reference. A zero amount is a fatal
// input, never a silent no-op. The caller may not slash more than it locked
// under the reference. Returns the actually slashed amount.
func (l *Ledger) Slash(caller string, id types.SolverID, ref common.Hash, amount *big.Int, reason string, severe bool) (*big.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return nil, fmt.Errorf("%w: reason %q", types.ErrZeroSlash, reason)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative slash amount", types.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return nil, err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	cur, ok := l.locks[id][ref]
	if !ok || amount.Cmp(cur) > 0 {
		return nil, fmt.Errorf("%w: slash %s against ref %s", types.ErrInsufficientLocked, amount, ref.Hex())
	}

	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		delete(l.locks[id], ref)
	}
	s.LockedBalance.Sub(s.LockedBalance, amount)
	l.custodied[id].Sub(l.custodied[id], amount)
	s.TotalSlashed.Add(s.TotalSlashed, amount)

	l.faults[id]++
	if s.Status != types.SolverBanned {
		if severe || l.faults[id] >= l.params.JailAfterFaults {
			if s.Status != types.SolverJailed {
				l.setStatus(s, types.SolverJailed)
			}
		}
	}

	now := l.clock.Now()
	l.publish(types.Event{
		Kind:     types.EvSolverSlashed,
		At:       now,
		SolverID: id,
		Amount:   new(big.Int).Set(amount),
		Reason:   reason,
	})
	l.publish(types.Event{Kind: types.EvReputationSnapshot, At: now, SolverID: id, Stats: ptrStats(s)})
	logging.Audit(logging.AuditEvent{
		Operation: "bond_slashed",
		Actor:     caller,
		Target:    id.Hex(),
		Result:    "success",
		Details:   fmt.Sprintf("amount=%s reason=%s", amount, reason),
	})

	return new(big.Int).Set(amount), nil
}

// SetOperator rotates the solver's signing key. Only the current operator
// may rotate. No timelock; the withdrawal cooldown bounds the damage of a
// rotation by a compromised key.
func (l *Ledger) SetOperator(id types.SolverID, by, newOperator common.Address) error {
	if newOperator == (common.Address{}) {
		return fmt.Errorf("%w: zero operator address", types.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if by != s.Operator {
		return fmt.Errorf("%w: only the current operator may rotate", types.ErrUnauthorized)
	}
	if s.Status == types.SolverBanned {
		return fmt.Errorf("%w: banned solver", types.ErrSolverBanned)
	}

	old := s.Operator
	s.Operator = newOperator

	logging.Audit(logging.AuditEvent{
		Operation: "operator_rotated",
		Actor:     old.Hex(),
		Target:    id.Hex(),
		Result:    "success",
		Details:   "new operator " + newOperator.Hex(),
	})
	return nil
}

// Ban permanently disables a solver. Terminal: a banned solver never
// transitions to any other status.
func (l *Ledger) Ban(id types.SolverID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if s.Status == types.SolverBanned {
		return fmt.Errorf("%w: already banned", types.ErrInvalidTransition)
	}

	l.setStatus(s, types.SolverBanned)
	logging.Audit(logging.AuditEvent{
		Operation: "solver_banned",
		Actor:     "admin",
		Target:    id.Hex(),
		Result:    "success",
		Details:   reason,
	})
	return nil
}

// Unjail returns a jailed solver to Active (or Inactive below the activation
// threshold). Operator action; fault count resets.
func (l *Ledger) Unjail(id types.SolverID, by common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if by != s.Operator {
		return fmt.Errorf("%w: only the operator may unjail", types.ErrUnauthorized)
	}
	if s.Status != types.SolverJailed {
		return fmt.Errorf("%w: solver is %s, not jailed", types.ErrInvalidTransition, s.Status)
	}

	l.faults[id] = 0
	if s.BondBalance.Cmp(l.params.MinActivationBond) >= 0 {
		l.setStatus(s, types.SolverActive)
	} else {
		l.setStatus(s, types.SolverInactive)
	}
	return nil
}

// RecordFill increments the lifetime fill counter on finalization.
func (l *Ledger) RecordFill(caller string, id types.SolverID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	s.TotalFilled++
	l.publish(types.Event{Kind: types.EvReputationSnapshot, At: l.clock.Now(), SolverID: id, Stats: ptrStats(s)})
	return nil
}

// RecordDispute increments the lifetime dispute counter.
func (l *Ledger) RecordDispute(caller string, id types.SolverID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	s.TotalDisputes++
	return nil
}

// Jail moves a solver to Jailed. Authorized callers use this for violations
// that mandate jailing regardless of fault count.
func (l *Ledger) Jail(caller string, id types.SolverID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	s, err := l.getLocked(id)
	if err != nil {
		return err
	}
	if s.Status == types.SolverBanned {
		return fmt.Errorf("%w: banned is terminal", types.ErrInvalidTransition)
	}
	if s.Status != types.SolverJailed {
		l.setStatus(s, types.SolverJailed)
	}
	return nil
}

// GetSolver returns a copy of the solver record.
func (l *Ledger) GetSolver(id types.SolverID) (*types.Solver, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, err := l.getLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *s
	cp.BondBalance = new(big.Int).Set(s.BondBalance)
	cp.LockedBalance = new(big.Int).Set(s.LockedBalance)
	cp.TotalSlashed = new(big.Int).Set(s.TotalSlashed)
	cp.WithdrawalAmount = new(big.Int).Set(s.WithdrawalAmount)
	return &cp, nil
}

// Operator returns the solver's current signing authority.
func (l *Ledger) Operator(id types.SolverID) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, err := l.getLocked(id)
	if err != nil {
		return common.Address{}, err
	}
	return s.Operator, nil
}

// IsActive reports whether the solver is Active with at least minBond
// available.
func (l *Ledger) IsActive(id types.SolverID, minBond *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.solvers[id]
	if !ok || s.Status != types.SolverActive {
		return false
	}
	if minBond == nil {
		return true
	}
	return s.BondBalance.Cmp(minBond) >= 0
}

// Custodied returns the custodied funds attributable to a solver. Exposed
// for invariant checking.
func (l *Ledger) Custodied(id types.SolverID) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c, ok := l.custodied[id]; ok {
		return new(big.Int).Set(c)
	}
	return big.NewInt(0)
}

func (l *Ledger) getLocked(id types.SolverID) (*types.Solver, error) {
	s, ok := l.solvers[id]
	if !ok {
		return nil, fmt.Errorf("%w: solver %s", types.ErrNotFound, id.Hex())
	}
	return s, nil
}

// setStatus transitions solver status and emits the change. Banned is
// terminal; callers must check before calling.
func (l *Ledger) setStatus(s *types.Solver, to types.SolverStatus) {
	from := s.Status
	s.Status = to
	l.publish(types.Event{
		Kind:     types.EvSolverStatusChanged,
		At:       l.clock.Now(),
		SolverID: s.ID,
		Status:   to.String(),
		Reason:   from.String(),
	})
	logging.Info("solver status changed",
		logging.Solver(s.ID.Hex()),
		"from", from.String(),
		"to", to.String())
}

func (l *Ledger) publish(ev types.Event) {
	if l.bus != nil {
		l.bus.Publish(ev)
	}
}

func ptrStats(s *types.Solver) *types.SolverStats {
	st := s.Stats()
	return &st
}
