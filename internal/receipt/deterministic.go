package receipt

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solverbond/solverbond/pkg/types"
)

// ResolveDeterministic adjudicates the open dispute on a receipt from the
// receipt's commitments and recorded state alone.
//
// On violation the solver is slashed per the rules table and the receipt
// turns Slashed. On non-violation the receipt is finalized; it never
// reverts to Pending, and an adjudicated receipt cannot be rechallenged.
//
// The Timeout rule needs no facts but cannot resolve before the receipt's
// expiry has passed. Every other rule needs the commitment
// preimages: facts are rejected outright if any supplied record does not
// hash to the receipt's stored commitment.
func (h *Hub) ResolveDeterministic(id types.ReceiptID, facts *types.ResolutionFacts) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, err := h.getLocked(id)
	if err != nil {
		return err
	}
	if rec.status != types.ReceiptDisputed {
		if rec.adjudicated || rec.status.Terminal() {
			return fmt.Errorf("%w: receipt settled as %s", types.ErrAlreadyResolved, rec.status)
		}
		return fmt.Errorf("%w: receipt is %s, not disputed", types.ErrInvalidTransition, rec.status)
	}
	d, ok := h.disputes[rec.disputeID]
	if !ok {
		return fmt.Errorf("%w: dispute %s", types.ErrNotFound, rec.disputeID.Hex())
	}
	if !d.Reason.Kind.Deterministic() {
		return fmt.Errorf("%w: reason %s requires arbitration", types.ErrInvalidInput, d.Reason.Kind)
	}

	violated, slash, severe, beneficiary, err := h.evaluateLocked(id, rec, d, facts)
	if err != nil {
		return err
	}

	if !violated {
		return h.resolveNoFaultLocked(id, rec.disputeID)
	}

	if beneficiary == (common.Address{}) {
		beneficiary = d.Beneficiary
	}
	shares := h.params.DeterministicSplit.Shares(beneficiary, d.Challenger, h.params.Treasury)
	return h.resolveFaultLocked(id, rec.disputeID, slash, shares, d.Reason.Kind.String(), severe)
}

// evaluateLocked runs the rule for the dispute's reason. Returns whether the
// rule is violated, the slash amount, whether the violation mandates jail,
// and the verified beneficiary when facts carry one. Caller holds h.mu.
func (h *Hub) evaluateLocked(id types.ReceiptID, rec *record, d *types.Dispute, facts *types.ResolutionFacts) (bool, *big.Int, bool, common.Address, error) {
	locked := h.ledger.LockedFor(rec.receipt.SolverID, id)

	switch d.Reason.Kind {
	case types.ReasonTimeout:
		if rec.settlementProof != (common.Hash{}) {
			return false, nil, false, common.Address{}, nil
		}
		if now := h.clock.Now(); !now.After(rec.receipt.Expiry) {
			// The deadline has not passed yet, so nothing can be concluded
			// either way. The dispute stays open until the expiry is reached
			// or a settlement proof is recorded.
			return false, nil, false, common.Address{}, fmt.Errorf("%w: receipt expires at %s", types.ErrWindowNotOpen, rec.receipt.Expiry.UTC().Format("2006-01-02T15:04:05Z"))
		}
		return true, locked, false, common.Address{}, nil

	case types.ReasonInvalidSignature:
		// The signature must recover to the solver's registered operator.
		// Violation mandates jail on top of the full slash.
		operator, err := h.ledger.Operator(rec.receipt.SolverID)
		if err != nil {
			return false, nil, false, common.Address{}, err
		}
		signer, err := rec.receipt.RecoverSigner(h.params.Domain)
		if err != nil || signer != operator {
			return true, locked, true, common.Address{}, nil
		}
		return false, nil, false, common.Address{}, nil

	case types.ReasonMinOutViolation, types.ReasonWrongToken, types.ReasonWrongChain,
		types.ReasonWrongRecipient, types.ReasonReceiptMismatch:
		return h.evaluateFactsLocked(rec, d, facts, locked)

	default:
		return false, nil, false, common.Address{}, fmt.Errorf("%w: reason %s is not deterministic", types.ErrInvalidInput, d.Reason.Kind)
	}
}

// evaluateFactsLocked handles the fact-based rules. All supplied preimages
// must match the receipt's commitments or the call is rejected as invalid
// input; mismatched facts prove nothing about the solver.
func (h *Hub) evaluateFactsLocked(rec *record, d *types.Dispute, facts *types.ResolutionFacts, locked *big.Int) (bool, *big.Int, bool, common.Address, error) {
	if facts == nil || facts.Intent == nil || facts.Constraints == nil || facts.Outcome == nil {
		return false, nil, false, common.Address{}, fmt.Errorf("%w: reason %s needs intent, constraints and outcome facts", types.ErrInvalidInput, d.Reason.Kind)
	}
	if err := facts.Constraints.Validate(); err != nil {
		return false, nil, false, common.Address{}, err
	}
	if err := facts.Outcome.Validate(); err != nil {
		return false, nil, false, common.Address{}, err
	}
	if got := facts.Intent.Hash(); got != rec.receipt.IntentHash {
		return false, nil, false, common.Address{}, fmt.Errorf("%w: intent facts do not match commitment", types.ErrInvalidInput)
	}
	if got := facts.Constraints.Hash(); got != rec.receipt.ConstraintsHash {
		return false, nil, false, common.Address{}, fmt.Errorf("%w: constraint facts do not match commitment", types.ErrInvalidInput)
	}
	if got := facts.Outcome.Hash(); got != rec.receipt.OutcomeHash {
		return false, nil, false, common.Address{}, fmt.Errorf("%w: outcome facts do not match commitment", types.ErrInvalidInput)
	}

	beneficiary := facts.Intent.Recipient

	switch d.Reason.Kind {
	case types.ReasonReceiptMismatch:
		// The committed outcome must line up leg-for-leg with the
		// committed constraints.
		if len(facts.Outcome.TokensOut) != len(facts.Constraints.TokensOut) {
			return true, locked, false, beneficiary, nil
		}
		return false, nil, false, beneficiary, nil

	case types.ReasonWrongChain:
		if facts.Outcome.ChainID.Cmp(facts.Intent.ChainID) != 0 {
			return true, locked, false, beneficiary, nil
		}
		return false, nil, false, beneficiary, nil

	case types.ReasonWrongRecipient:
		if facts.Outcome.Recipient != facts.Intent.Recipient {
			return true, locked, false, beneficiary, nil
		}
		return false, nil, false, beneficiary, nil

	case types.ReasonWrongToken:
		leg := d.Reason.Leg
		if leg < 0 || leg >= len(facts.Constraints.TokensOut) {
			return false, nil, false, common.Address{}, fmt.Errorf("%w: leg %d out of range", types.ErrInvalidInput, leg)
		}
		if leg >= len(facts.Outcome.TokensOut) || facts.Outcome.TokensOut[leg] != facts.Constraints.TokensOut[leg] {
			return true, locked, false, beneficiary, nil
		}
		return false, nil, false, beneficiary, nil

	case types.ReasonMinOutViolation:
		slash, violated, err := minOutSlash(facts.Constraints, facts.Outcome, locked)
		if err != nil {
			return false, nil, false, common.Address{}, err
		}
		if violated {
			return true, slash, false, beneficiary, nil
		}
		return false, nil, false, beneficiary, nil
	}

	return false, nil, false, common.Address{}, fmt.Errorf("%w: reason %s", types.ErrInvalidInput, d.Reason.Kind)
}

// minOutSlash computes the pro-rata slash for output shortfalls: the sum of
// per-leg shortfall ratios, capped at 100% of the locked bond. Per-leg cuts
// round up so a real shortfall can never round to a zero slash.
func minOutSlash(constraints *types.ConstraintFacts, outcome *types.OutcomeFacts, locked *big.Int) (*big.Int, bool, error) {
	if len(outcome.AmountsOut) < len(constraints.MinAmountsOut) {
		return nil, false, fmt.Errorf("%w: outcome misses %d legs", types.ErrInvalidInput, len(constraints.MinAmountsOut)-len(outcome.AmountsOut))
	}

	total := new(big.Int)
	violated := false
	for i, min := range constraints.MinAmountsOut {
		actual := outcome.AmountsOut[i]
		if actual.Cmp(min) >= 0 {
			continue
		}
		violated = true

		shortfall := new(big.Int).Sub(min, actual)
		// ceil(locked * shortfall / min)
		cut := new(big.Int).Mul(locked, shortfall)
		cut.Add(cut, new(big.Int).Sub(min, big.NewInt(1)))
		cut.Div(cut, min)
		total.Add(total, cut)
	}

	if !violated {
		return nil, false, nil
	}
	if total.Cmp(locked) > 0 {
		total.Set(locked)
	}
	return total, true, nil
}
