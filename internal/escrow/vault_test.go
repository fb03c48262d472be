package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/receipt"
	"github.com/solverbond/solverbond/internal/util"
	"github.com/solverbond/solverbond/pkg/types"
)

var (
	treasury   = common.HexToAddress("0x7000000000000000000000000000000000000001")
	challenger = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	user       = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	token      = common.HexToAddress("0x00000000000000000000000000000000000000F0")
	oneBond    = big.NewInt(1e18)
	payment    = big.NewInt(5e17)
)

// recordingTransferor captures transfers and optionally fails or re-enters
// the vault.
type recordingTransferor struct {
	calls []transferCall
	fail  error
	// reenter, when set, is invoked during Transfer to probe reentrancy.
	reenter func() error
	// reentryErr captures what the nested call returned.
	reentryErr error
}

type transferCall struct {
	token  common.Address
	to     common.Address
	amount *big.Int
}

func (r *recordingTransferor) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	if r.reenter != nil {
		r.reentryErr = r.reenter()
		r.reenter = nil
	}
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, transferCall{token: token, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

type fixture struct {
	vault      *Vault
	hub        *receipt.Hub
	ledger     *ledger.Ledger
	clock      *engine.FakeClock
	transferor *recordingTransferor
	key        *ecdsa.PrivateKey
	operator   common.Address
	solverID   types.SolverID
	receiptID  types.ReceiptID
}

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

	transferor := &recordingTransferor{}
	vault := NewVault(l, hub, transferor, clock, nil)

	return &fixture{
		vault:      vault,
		hub:        hub,
		ledger:     l,
		clock:      clock,
		transferor: transferor,
		key:        key,
		operator:   operator,
		solverID:   solverID,
		receiptID:  receiptID,
	}
}

func (f *fixture) deposit(t *testing.T) types.EscrowID {
	t.Helper()
	id, err := f.vault.Deposit(f.receiptID, user, token, payment)
	if err != nil {
		t.Fatalf("escrow deposit: %v", err)
	}
	return id
}

// finalize runs the receipt past its challenge window.
func (f *fixture) finalize(t *testing.T) {
	t.Helper()
	f.clock.Advance(time.Hour + time.Minute)
	if err := f.hub.Finalize(f.receiptID); err != nil {
		t.Fatalf("finalize: %v", err)
	}
}

// slash disputes the receipt and resolves it against the solver.
func (f *fixture) slash(t *testing.T) {
	t.Helper()
	disputeID, err := f.hub.OpenDispute(f.receiptID, challenger, user, types.SubjectiveReason(), common.Hash{})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	shares := ledger.Split{UserBps: 8000, SecondBps: 1500, ThirdBps: 500}.Shares(user, challenger, treasury)
	if err := f.hub.ResolveFault(f.receiptID, disputeID, oneBond, shares, "test slash", false); err != nil {
		t.Fatalf("resolve fault: %v", err)
	}
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)

	e, err := f.vault.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != types.EscrowHeld {
		t.Errorf("status = %s, want held", e.Status)
	}
	if e.Amount.Cmp(payment) != 0 {
		t.Errorf("amount = %s, want %s", e.Amount, payment)
	}

	byReceipt, err := f.vault.ByReceipt(f.receiptID)
	if err != nil || byReceipt.ID != id {
		t.Errorf("ByReceipt = %v, %v, want escrow %s", byReceipt, err, id.Hex())
	}
}

func TestDeposit_Guards(t *testing.T) {
	f := newFixture(t)
	f.deposit(t)

	// One escrow per receipt.
	if _, err := f.vault.Deposit(f.receiptID, user, token, payment); !errors.Is(err, types.ErrDuplicate) {
		t.Errorf("second deposit: err = %v, want ErrDuplicate", err)
	}
	if _, err := f.vault.Deposit(f.receiptID, common.Address{}, token, payment); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("zero depositor: err = %v, want ErrInvalidInput", err)
	}
	if _, err := f.vault.Deposit(types.ReceiptID(crypto.Keccak256Hash([]byte("nope"))), user, token, payment); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown receipt: err = %v, want ErrNotFound", err)
	}
}

func TestDeposit_TerminalReceipt(t *testing.T) {
	f := newFixture(t)
	f.finalize(t)

	if _, err := f.vault.Deposit(f.receiptID, user, token, payment); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRelease_OnFinalized(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.finalize(t)

	if err := f.vault.Release(context.Background(), id); err != nil {
		t.Fatalf("release: %v", err)
	}

	e, _ := f.vault.Get(id)
	if e.Status != types.EscrowReleased {
		t.Errorf("status = %s, want released", e.Status)
	}
	if e.Recipient != f.operator {
		t.Errorf("recipient = %s, want operator", e.Recipient.Hex())
	}

	if len(f.transferor.calls) != 1 {
		t.Fatalf("transfers = %d, want 1", len(f.transferor.calls))
	}
	call := f.transferor.calls[0]
	if call.to != f.operator || call.amount.Cmp(payment) != 0 || call.token != token {
		t.Errorf("transfer = %+v, want payment to operator", call)
	}
}

func TestRelease_BeforeFinalized(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)

	if err := f.vault.Release(context.Background(), id); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if len(f.transferor.calls) != 0 {
		t.Errorf("transfers = %d, want none", len(f.transferor.calls))
	}
}

func TestRefund_OnSlashed(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.slash(t)

	// Release is the wrong disposition for a slashed receipt.
	if err := f.vault.Release(context.Background(), id); !errors.Is(err, types.ErrInvalidTransition) {
		t.Errorf("release on slashed: err = %v, want ErrInvalidTransition", err)
	}

	if err := f.vault.Refund(context.Background(), id); err != nil {
		t.Fatalf("refund: %v", err)
	}

	e, _ := f.vault.Get(id)
	if e.Status != types.EscrowRefunded {
		t.Errorf("status = %s, want refunded", e.Status)
	}
	call := f.transferor.calls[0]
	if call.to != user || call.amount.Cmp(payment) != 0 {
		t.Errorf("transfer = %+v, want refund to depositor", call)
	}
}

func TestSettle_Routes(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)

	if err := f.vault.Settle(context.Background(), id); !errors.Is(err, types.ErrWindowNotOpen) {
		t.Errorf("pending: err = %v, want ErrWindowNotOpen", err)
	}

	f.finalize(t)
	if err := f.vault.Settle(context.Background(), id); err != nil {
		t.Fatalf("settle: %v", err)
	}
	e, _ := f.vault.Get(id)
	if e.Status != types.EscrowReleased {
		t.Errorf("status = %s, want released", e.Status)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.finalize(t)

	if err := f.vault.Release(context.Background(), id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := f.vault.Release(context.Background(), id); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("double release: err = %v, want ErrAlreadyResolved", err)
	}
	if err := f.vault.Refund(context.Background(), id); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("refund after release: err = %v, want ErrAlreadyResolved", err)
	}
	if len(f.transferor.calls) != 1 {
		t.Errorf("transfers = %d, want exactly 1", len(f.transferor.calls))
	}
}

func TestRelease_TransferFailureReverts(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.finalize(t)

	f.transferor.fail = fmt.Errorf("rpc unavailable")
	if err := f.vault.Release(context.Background(), id); err == nil {
		t.Fatal("release succeeded despite transfer failure")
	}

	// The flip reverted; a retry succeeds.
	e, _ := f.vault.Get(id)
	if e.Status != types.EscrowHeld {
		t.Errorf("status = %s, want held after failed transfer", e.Status)
	}

	f.transferor.fail = nil
	if err := f.vault.Release(context.Background(), id); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

// A transferor that re-enters the vault mid-transfer must find the escrow
// already settled.
func TestRelease_ReentrancyGuard(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.finalize(t)

	f.transferor.reenter = func() error {
		return f.vault.Release(context.Background(), id)
	}
	if err := f.vault.Release(context.Background(), id); err != nil {
		t.Fatalf("release: %v", err)
	}

	if !errors.Is(f.transferor.reentryErr, types.ErrAlreadyResolved) {
		t.Errorf("reentrant release: err = %v, want ErrAlreadyResolved", f.transferor.reentryErr)
	}
	if len(f.transferor.calls) != 1 {
		t.Errorf("transfers = %d, want exactly 1", len(f.transferor.calls))
	}
}

func TestWithRetry_TransientFailure(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)
	f.finalize(t)

	attempts := 0
	flaky := transferFunc(func(ctx context.Context, token, to common.Address, amount *big.Int) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("rpc unavailable")
		}
		return f.transferor.Transfer(ctx, token, to, amount)
	})
	f.vault.transferor = WithRetry(flaky, &util.RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	})

	if err := f.vault.Release(context.Background(), id); err != nil {
		t.Fatalf("release through flaky transferor: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(f.transferor.calls) != 1 {
		t.Errorf("transfers = %d, want 1", len(f.transferor.calls))
	}
}

// transferFunc adapts a function to TokenTransferor.
type transferFunc func(ctx context.Context, token, to common.Address, amount *big.Int) error

func (f transferFunc) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return f(ctx, token, to, amount)
}

func TestRefund_AfterOperatorRotation(t *testing.T) {
	f := newFixture(t)
	id := f.deposit(t)

	// Rotation must not redirect a refund; it goes to the depositor.
	newOp := common.HexToAddress("0x0000000000000000000000000000000000000099")
	if err := f.ledger.SetOperator(f.solverID, f.operator, newOp); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	f.slash(t)

	if err := f.vault.Refund(context.Background(), id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if call := f.transferor.calls[0]; call.to != user {
		t.Errorf("refund to %s, want depositor", call.to.Hex())
	}
}
