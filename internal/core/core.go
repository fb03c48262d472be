package core

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solverbond/solverbond/internal/arbitration"
	"github.com/solverbond/solverbond/internal/config"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/escrow"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/optimistic"
	"github.com/solverbond/solverbond/internal/receipt"
	"github.com/solverbond/solverbond/pkg/types"
)

// Core wires the protocol modules together and sequences every mutating
// operation under one mutex, in submission order. Reads go straight to the
// modules, which lock for themselves.
type Core struct {
	mu sync.Mutex

	clock engine.Clock
	bus   *engine.Bus

	ledger *ledger.Ledger
	hub    *receipt.Hub
	arb    *arbitration.Module
	opt    *optimistic.Module
	vault  *escrow.Vault
}

// New assembles a core from configuration. The transferor may be nil for
// out-of-band escrow settlement.
func New(cfg *config.Config, transferor escrow.TokenTransferor, clock engine.Clock, bus *engine.Bus) (*Core, error) {
	if clock == nil {
		clock = engine.SystemClock()
	}
	p := cfg.Protocol
	treasury := common.HexToAddress(p.TreasuryAddress)
	arbitrator := common.HexToAddress(p.ArbitratorAddress)

	l := ledger.New(ledger.Params{
		MinActivationBond:  p.MinActivationBond,
		WithdrawalCooldown: p.WithdrawalCooldown,
		JailAfterFaults:    p.JailAfterFaults,
		Treasury:           treasury,
	}, clock, bus)
	l.Authorize(receipt.Caller)
	l.Authorize(arbitration.Caller)
	l.Authorize(optimistic.Caller)

	domain := types.SignatureDomain{
		ChainID:  big.NewInt(cfg.Chain.ChainID),
		Contract: common.HexToAddress(cfg.Chain.ContractAddress),
	}
	hub := receipt.NewHub(receipt.Params{
		ChallengeWindow:   p.ChallengeWindow,
		ReceiptBond:       p.ReceiptBond,
		MinActivationBond: p.MinActivationBond,
		DeterministicSplit: ledger.Split{
			UserBps:   p.DeterministicSplit.UserBps,
			SecondBps: p.DeterministicSplit.ChallengerBps,
			ThirdBps:  p.DeterministicSplit.TreasuryBps,
		},
		Treasury: treasury,
		Domain:   domain,
	}, l, clock, bus)

	arb := arbitration.New(arbitration.Params{
		EvidenceWindow:     p.EvidenceWindow,
		ArbitrationTimeout: p.ArbitrationTimeout,
		ArbitrationFee:     p.ArbitrationFee,
		ArbitratedSplit: ledger.Split{
			UserBps:   p.ArbitratedSplit.UserBps,
			SecondBps: p.ArbitratedSplit.ChallengerBps,
			ThirdBps:  p.ArbitratedSplit.TreasuryBps,
		},
		Arbitrator: arbitrator,
		Treasury:   treasury,
	}, l, hub, clock, bus)

	opt := optimistic.New(optimistic.Params{
		CounterBondWindow: p.CounterBondWindow,
		ChallengerBondBps: p.ChallengerBondBps,
		ProtocolFeeBps:    p.ProtocolFeeBps,
		UncontestedSplit: ledger.Split{
			UserBps:   p.DeterministicSplit.UserBps,
			SecondBps: p.DeterministicSplit.ChallengerBps,
			ThirdBps:  p.DeterministicSplit.TreasuryBps,
		},
		Treasury: treasury,
	}, l, hub, arb, clock, bus)

	vault := escrow.NewVault(l, hub, transferor, clock, bus)

	return &Core{
		clock:  clock,
		bus:    bus,
		ledger: l,
		hub:    hub,
		arb:    arb,
		opt:    opt,
		vault:  vault,
	}, nil
}

// Ledger exposes the bond ledger for reads.
func (c *Core) Ledger() *ledger.Ledger { return c.ledger }

// Hub exposes the receipt hub for reads.
func (c *Core) Hub() *receipt.Hub { return c.hub }

// Vault exposes the escrow vault for reads.
func (c *Core) Vault() *escrow.Vault { return c.vault }

// Arbitration exposes the arbitration module for reads.
func (c *Core) Arbitration() *arbitration.Module { return c.arb }

// Optimistic exposes the optimistic module for reads.
func (c *Core) Optimistic() *optimistic.Module { return c.opt }

// Solver lifecycle.

func (c *Core) RegisterSolver(operator common.Address, metadata string) (types.SolverID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Register(operator, metadata)
}

func (c *Core) DepositBond(id types.SolverID, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Deposit(id, amount)
}

func (c *Core) RequestWithdrawal(id types.SolverID, by common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.RequestWithdrawal(id, by, amount)
}

func (c *Core) ExecuteWithdrawal(id types.SolverID, by common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ExecuteWithdrawal(id, by)
}

func (c *Core) RotateOperator(id types.SolverID, by, newOperator common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.SetOperator(id, by, newOperator)
}

func (c *Core) Unjail(id types.SolverID, by common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Unjail(id, by)
}

func (c *Core) BanSolver(id types.SolverID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Ban(id, reason)
}

func (c *Core) Claim(addr common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Claim(addr)
}

// Receipt lifecycle.

func (c *Core) PostReceipt(r *types.IntentReceipt) (types.ReceiptID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.PostReceipt(r)
}

func (c *Core) SubmitSettlementProof(id types.ReceiptID, proof common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.SubmitSettlementProof(id, proof)
}

func (c *Core) Finalize(id types.ReceiptID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.Finalize(id)
}

// OpenDispute opens a dispute and routes it by reason. Deterministic
// reasons stay on the hub awaiting facts; subjective ones go to the
// optimistic path when a challenger bond accompanies them, otherwise
// straight to arbitration's evidence phase.
func (c *Core) OpenDispute(id types.ReceiptID, challenger, beneficiary common.Address, reason types.DisputeReason, evidence common.Hash, bond *big.Int) (types.DisputeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Validate the optimistic bond up front so the hub record never needs
	// unwinding.
	if !reason.Kind.Deterministic() && bond != nil {
		required, err := c.opt.RequiredBond(id)
		if err != nil {
			return types.DisputeID{}, err
		}
		if bond.Cmp(required) < 0 {
			return types.DisputeID{}, fmt.Errorf("%w: challenger bond %s below required %s", types.ErrInsufficientFunds, bond, required)
		}
	}

	disputeID, err := c.hub.OpenDispute(id, challenger, beneficiary, reason, evidence)
	if err != nil {
		return types.DisputeID{}, err
	}
	if reason.Kind.Deterministic() {
		return disputeID, nil
	}

	if bond != nil {
		err = c.opt.Open(disputeID, bond)
	} else {
		err = c.arb.Open(disputeID)
	}
	if err != nil {
		// Pre-validation makes this unreachable short of a bug; surface it
		// rather than leave a half-routed dispute.
		return types.DisputeID{}, fmt.Errorf("dispute %s routed but not admitted: %w", disputeID.Hex(), err)
	}
	return disputeID, nil
}

// ResolveDeterministic applies the objective rule evaluation to a
// deterministic dispute, given the opened fact records.
func (c *Core) ResolveDeterministic(id types.ReceiptID, facts *types.ResolutionFacts) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hub.ResolveDeterministic(id, facts)
}

// Subjective path.

func (c *Core) SubmitEvidence(disputeID types.DisputeID, by common.Address, evidence common.Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arb.SubmitEvidence(disputeID, by, evidence)
}

func (c *Core) Escalate(disputeID types.DisputeID, by common.Address, fee *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arb.Escalate(disputeID, by, fee)
}

func (c *Core) Arbitrate(disputeID types.DisputeID, by common.Address, solverFault bool, slashPct int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.arb.Resolve(disputeID, by, solverFault, slashPct, reason); err != nil {
		return err
	}
	// A contested optimistic challenge settles its bonds off the ruling.
	if err := c.opt.Settle(disputeID); err != nil && !types.IsNotFound(err) {
		return err
	}
	return nil
}

func (c *Core) PostCounterBond(disputeID types.DisputeID, by common.Address, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opt.PostCounterBond(disputeID, by, amount)
}

func (c *Core) EscrowDeposit(receiptID types.ReceiptID, depositor, token common.Address, amount *big.Int) (types.EscrowID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vault.Deposit(receiptID, depositor, token, amount)
}

func (c *Core) EscrowSettle(ctx context.Context, id types.EscrowID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vault.Settle(ctx, id)
}

// Progress drives every lapsed window forward for a dispute: uncontested
// optimistic challenges, unescalated evidence phases and timed-out
// arbitrations. Permissionless; anyone observing a lapsed window may call
// it. Returns whether anything moved.
func (c *Core) Progress(disputeID types.DisputeID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Optimistic timeout first: an uncontested challenge needs no ruling.
	err := c.opt.ResolveByTimeout(disputeID)
	switch {
	case err == nil:
		return true, nil
	case types.IsNotFound(err):
		// Not on the optimistic path; fall through.
	case types.IsWindowErr(err) || types.IsTransitionErr(err):
		// Contested or still in window; fall through to arbitration.
	default:
		return false, err
	}

	if err := c.arb.ResolveUnescalated(disputeID); err == nil {
		c.settleBondsBestEffort(disputeID)
		return true, nil
	} else if !types.IsNotFound(err) && !types.IsWindowErr(err) && !types.IsTransitionErr(err) {
		return false, err
	}

	if err := c.arb.ResolveByTimeout(disputeID); err == nil {
		c.settleBondsBestEffort(disputeID)
		return true, nil
	} else if !types.IsNotFound(err) && !types.IsWindowErr(err) && !types.IsTransitionErr(err) {
		return false, err
	}

	return false, nil
}

// settleBondsBestEffort pays out contested optimistic bonds after a
// terminal dispute status. Disputes that never went optimistic are not an
// error.
func (c *Core) settleBondsBestEffort(disputeID types.DisputeID) {
	if err := c.opt.Settle(disputeID); err != nil && !types.IsNotFound(err) && !types.IsTransitionErr(err) {
		// Bonds stay held; the permissionless SettleBonds path can still
		// claim them.
		logging.Warn("bond settlement deferred",
			logging.Dispute(disputeID.Hex()),
			logging.Err(err))
	}
}

// SettleBonds pays out the bonds of a contested challenge whose dispute
// reached a terminal status. Permissionless.
func (c *Core) SettleBonds(disputeID types.DisputeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opt.Settle(disputeID)
}

// Now reports the core's clock, for window queries.
func (c *Core) Now() time.Time { return c.clock.Now() }
