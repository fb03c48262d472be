package arbitration

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/receipt"
	"github.com/solverbond/solverbond/pkg/types"
)

var (
	treasury   = common.HexToAddress("0x7000000000000000000000000000000000000001")
	arbitrator = common.HexToAddress("0x00000000000000000000000000000000000000AB")
	challenger = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	stranger   = common.HexToAddress("0x00000000000000000000000000000000000000DD")
	oneBond    = big.NewInt(1e18)
	arbFee     = big.NewInt(1e16)
)

type fixture struct {
	mod       *Module
	hub       *receipt.Hub
	ledger    *ledger.Ledger
	clock     *engine.FakeClock
	key       *ecdsa.PrivateKey
	operator  common.Address
	solverID  types.SolverID
	receiptID types.ReceiptID
	disputeID types.DisputeID
}

// newFixture boots a ledger, hub and arbitration module, posts one receipt
// and opens a subjective dispute already admitted into the evidence phase.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := engine.NewFakeClock(time.Unix(1_700_000_000, 0))
	l := ledger.New(ledger.Params{
		MinActivationBond:  oneBond,
		WithdrawalCooldown: 7 * 24 * time.Hour,
		JailAfterFaults:    3,
		Treasury:           treasury,
	}, clock, nil)
	l.Authorize(receipt.Caller)
	l.Authorize(Caller)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator := crypto.PubkeyToAddress(key.PublicKey)

	solverID, err := l.Register(operator, "fixture solver")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Deposit(solverID, oneBond); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	domain := types.SignatureDomain{
		ChainID:  big.NewInt(8453),
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000AA"),
	}
	hub := receipt.NewHub(receipt.Params{
		ChallengeWindow:    time.Hour,
		ReceiptBond:        oneBond,
		MinActivationBond:  oneBond,
		DeterministicSplit: ledger.Split{UserBps: 8000, SecondBps: 1500, ThirdBps: 500},
		Treasury:           treasury,
		Domain:             domain,
	}, l, clock, nil)

	mod := New(Params{
		EvidenceWindow:     24 * time.Hour,
		ArbitrationTimeout: 7 * 24 * time.Hour,
		ArbitrationFee:     arbFee,
		ArbitratedSplit:    ledger.Split{UserBps: 7000, SecondBps: 2000, ThirdBps: 1000},
		Arbitrator:         arbitrator,
		Treasury:           treasury,
	}, l, hub, clock, nil)

	now := clock.Now()
	r := &types.IntentReceipt{
		IntentHash:      crypto.Keccak256Hash([]byte("intent")),
		ConstraintsHash: crypto.Keccak256Hash([]byte("constraints")),
		RouteHash:       crypto.Keccak256Hash([]byte("route")),
		OutcomeHash:     crypto.Keccak256Hash([]byte("outcome")),
		EvidenceHash:    crypto.Keccak256Hash([]byte("evidence")),
		CreatedAt:       now,
		Expiry:          now.Add(time.Hour),
		SolverID:        solverID,
	}
	sig, err := crypto.Sign(r.SigningDigest(domain).Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r.Signature = sig

	receiptID, err := hub.PostReceipt(r)
	if err != nil {
		t.Fatalf("post receipt: %v", err)
	}
	disputeID, err := hub.OpenDispute(receiptID, challenger, user, types.SubjectiveReason(), crypto.Keccak256Hash([]byte("ev-0")))
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if err := mod.Open(disputeID); err != nil {
		t.Fatalf("admit dispute: %v", err)
	}

	return &fixture{
		mod:       mod,
		hub:       hub,
		ledger:    l,
		clock:     clock,
		key:       key,
		operator:  operator,
		solverID:  solverID,
		receiptID: receiptID,
		disputeID: disputeID,
	}
}

func (f *fixture) escalate(t *testing.T, by common.Address) {
	t.Helper()
	if err := f.mod.Escalate(f.disputeID, by, arbFee); err != nil {
		t.Fatalf("escalate: %v", err)
	}
}

func TestOpen_RejectsDeterministicReason(t *testing.T) {
	f := newFixture(t)

	r2 := &types.IntentReceipt{
		IntentHash:      crypto.Keccak256Hash([]byte("intent-2")),
		ConstraintsHash: crypto.Keccak256Hash([]byte("constraints-2")),
		RouteHash:       crypto.Keccak256Hash([]byte("route-2")),
		OutcomeHash:     crypto.Keccak256Hash([]byte("outcome-2")),
		EvidenceHash:    crypto.Keccak256Hash([]byte("evidence-2")),
		CreatedAt:       f.clock.Now(),
		Expiry:          f.clock.Now().Add(time.Hour),
		SolverID:        f.solverID,
	}
	// Second receipt needs its own bond.
	if err := f.ledger.Deposit(f.solverID, oneBond); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	domain := types.SignatureDomain{ChainID: big.NewInt(8453), Contract: common.HexToAddress("0x00000000000000000000000000000000000000AA")}
	sig, err := crypto.Sign(r2.SigningDigest(domain).Bytes(), f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	r2.Signature = sig
	rid, err := f.hub.PostReceipt(r2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	did, err := f.hub.OpenDispute(rid, challenger, user, types.TimeoutReason(), common.Hash{})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}

	if err := f.mod.Open(did); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("admit deterministic reason: err = %v, want ErrInvalidInput", err)
	}
}

func TestOpen_Duplicate(t *testing.T) {
	f := newFixture(t)
	if err := f.mod.Open(f.disputeID); !errors.Is(err, types.ErrDuplicate) {
		t.Errorf("err = %v, want ErrDuplicate", err)
	}
}

func TestSubmitEvidence(t *testing.T) {
	f := newFixture(t)

	if err := f.mod.SubmitEvidence(f.disputeID, challenger, crypto.Keccak256Hash([]byte("ev-1"))); err != nil {
		t.Fatalf("challenger evidence: %v", err)
	}
	if err := f.mod.SubmitEvidence(f.disputeID, f.operator, crypto.Keccak256Hash([]byte("ev-2"))); err != nil {
		t.Fatalf("operator evidence: %v", err)
	}

	d, err := f.hub.GetDispute(f.disputeID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	// One entry from OpenDispute plus the two above.
	if len(d.Evidence) != 3 {
		t.Errorf("evidence entries = %d, want 3", len(d.Evidence))
	}
}

func TestSubmitEvidence_StrangerRejected(t *testing.T) {
	f := newFixture(t)
	err := f.mod.SubmitEvidence(f.disputeID, stranger, crypto.Keccak256Hash([]byte("ev")))
	if !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSubmitEvidence_WindowClosed(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(24*time.Hour + time.Minute)

	err := f.mod.SubmitEvidence(f.disputeID, challenger, crypto.Keccak256Hash([]byte("late")))
	if !errors.Is(err, types.ErrWindowClosed) {
		t.Errorf("err = %v, want ErrWindowClosed", err)
	}
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, challenger)

	d, err := f.hub.GetDispute(f.disputeID)
	if err != nil {
		t.Fatalf("get dispute: %v", err)
	}
	if d.Status != types.DisputeEscalated {
		t.Errorf("status = %s, want escalated", d.Status)
	}

	at, err := f.mod.EscalatedAt(f.disputeID)
	if err != nil || at.IsZero() {
		t.Errorf("EscalatedAt = %v, %v", at, err)
	}
}

func TestEscalate_Guards(t *testing.T) {
	f := newFixture(t)

	if err := f.mod.Escalate(f.disputeID, stranger, arbFee); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("stranger: err = %v, want ErrUnauthorized", err)
	}
	if err := f.mod.Escalate(f.disputeID, challenger, big.NewInt(1)); !errors.Is(err, types.ErrInsufficientFunds) {
		t.Errorf("short fee: err = %v, want ErrInsufficientFunds", err)
	}

	f.escalate(t, challenger)
	if err := f.mod.Escalate(f.disputeID, f.operator, arbFee); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("double escalate: err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolve_SolverFault(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, challenger)

	// 40% of the locked bond.
	if err := f.mod.Resolve(f.disputeID, arbitrator, true, 40, "partial fill ruled against solver"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, status, err := f.hub.GetReceipt(f.receiptID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if status != types.ReceiptSlashed {
		t.Errorf("receipt = %s, want slashed", status)
	}

	slashed := big.NewInt(4e17)
	wantUser := new(big.Int).Div(new(big.Int).Mul(slashed, big.NewInt(7000)), big.NewInt(10000))
	wantArb := new(big.Int).Div(new(big.Int).Mul(slashed, big.NewInt(1000)), big.NewInt(10000))
	if got := f.ledger.Claimable(user); got.Cmp(wantUser) != 0 {
		t.Errorf("user claimable = %s, want %s", got, wantUser)
	}
	if got := f.ledger.Claimable(arbitrator); got.Cmp(wantArb) != 0 {
		t.Errorf("arbitrator claimable = %s, want %s", got, wantArb)
	}
	// Treasury gets its 20% cut plus the retained arbitration fee.
	wantTreasury := new(big.Int).Div(new(big.Int).Mul(slashed, big.NewInt(2000)), big.NewInt(10000))
	wantTreasury.Add(wantTreasury, arbFee)
	if got := f.ledger.Claimable(treasury); got.Cmp(wantTreasury) != 0 {
		t.Errorf("treasury claimable = %s, want %s", got, wantTreasury)
	}

	// Unslashed 60% returns to the bond.
	s, _ := f.ledger.GetSolver(f.solverID)
	if s.LockedBalance.Sign() != 0 {
		t.Errorf("locked = %s after resolution", s.LockedBalance)
	}
	if want := big.NewInt(6e17); s.BondBalance.Cmp(want) != 0 {
		t.Errorf("bond = %s, want %s", s.BondBalance, want)
	}
}

func TestResolve_NoFault(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, f.operator)

	if err := f.mod.Resolve(f.disputeID, arbitrator, false, 0, "challenge unsubstantiated"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, status, err := f.hub.GetReceipt(f.receiptID)
	if err != nil {
		t.Fatalf("get receipt: %v", err)
	}
	if status != types.ReceiptFinalized {
		t.Errorf("receipt = %s, want finalized", status)
	}

	s, _ := f.ledger.GetSolver(f.solverID)
	if s.BondBalance.Cmp(oneBond) != 0 {
		t.Errorf("bond = %s, want restored", s.BondBalance)
	}
	// Fee is retained even when the solver prevails.
	if got := f.ledger.Claimable(treasury); got.Cmp(arbFee) != 0 {
		t.Errorf("treasury claimable = %s, want fee %s", got, arbFee)
	}
}

func TestResolve_Guards(t *testing.T) {
	f := newFixture(t)

	if err := f.mod.Resolve(f.disputeID, arbitrator, true, 50, "x"); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("unescalated: err = %v, want ErrInvalidTransition", err)
	}

	f.escalate(t, challenger)

	if err := f.mod.Resolve(f.disputeID, stranger, true, 50, "x"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("non-arbitrator: err = %v, want ErrUnauthorized", err)
	}
	if err := f.mod.Resolve(f.disputeID, arbitrator, true, 101, "x"); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("pct 101: err = %v, want ErrInvalidInput", err)
	}

	if err := f.mod.Resolve(f.disputeID, arbitrator, true, 100, "total failure"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := f.mod.Resolve(f.disputeID, arbitrator, false, 0, "again"); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("double resolve: err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveByTimeout(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, challenger)

	// Too early.
	if err := f.mod.ResolveByTimeout(f.disputeID); !errors.Is(err, types.ErrWindowNotOpen) {
		t.Errorf("early: err = %v, want ErrWindowNotOpen", err)
	}

	f.clock.Advance(7*24*time.Hour + time.Second)
	if err := f.mod.ResolveByTimeout(f.disputeID); err != nil {
		t.Fatalf("timeout: %v", err)
	}

	// Solver not at fault: bond restored, receipt finalized.
	_, status, _ := f.hub.GetReceipt(f.receiptID)
	if status != types.ReceiptFinalized {
		t.Errorf("receipt = %s, want finalized", status)
	}
	s, _ := f.ledger.GetSolver(f.solverID)
	if s.BondBalance.Cmp(oneBond) != 0 {
		t.Errorf("bond = %s, want restored", s.BondBalance)
	}

	// Fee refunded to the escalator, not the treasury.
	if got := f.ledger.Claimable(challenger); got.Cmp(arbFee) != 0 {
		t.Errorf("escalator claimable = %s, want refunded fee %s", got, arbFee)
	}
	if got := f.ledger.Claimable(treasury); got.Sign() != 0 {
		t.Errorf("treasury claimable = %s, want 0", got)
	}

	// The late ruling bounces.
	if err := f.mod.Resolve(f.disputeID, arbitrator, true, 50, "late"); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("late ruling: err = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveByTimeout_NotEscalated(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(30 * 24 * time.Hour)

	if err := f.mod.ResolveByTimeout(f.disputeID); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestResolveUnescalated(t *testing.T) {
	f := newFixture(t)

	if err := f.mod.ResolveUnescalated(f.disputeID); !errors.Is(err, types.ErrWindowNotOpen) {
		t.Errorf("early: err = %v, want ErrWindowNotOpen", err)
	}

	f.clock.Advance(24*time.Hour + time.Minute)
	if err := f.mod.ResolveUnescalated(f.disputeID); err != nil {
		t.Fatalf("lapse: %v", err)
	}

	_, status, _ := f.hub.GetReceipt(f.receiptID)
	if status != types.ReceiptFinalized {
		t.Errorf("receipt = %s, want finalized", status)
	}
}

func TestResolveUnescalated_AfterEscalation(t *testing.T) {
	f := newFixture(t)
	f.escalate(t, challenger)
	f.clock.Advance(48 * time.Hour)

	if err := f.mod.ResolveUnescalated(f.disputeID); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}
