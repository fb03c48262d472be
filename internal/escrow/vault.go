package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/internal/ledger"
	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/internal/receipt"
	"github.com/solverbond/solverbond/pkg/types"
)

// TokenTransferor moves escrowed value to its destination. The zero token
// address means the native asset. Implementations talk to the outside world;
// the vault never calls one while holding its lock.
type TokenTransferor interface {
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
}

// NopTransferor records nothing and always succeeds. Used when settlement
// happens out of band.
type NopTransferor struct{}

func (NopTransferor) Transfer(context.Context, common.Address, common.Address, *big.Int) error {
	return nil
}

// Vault holds user payments one-to-one against receipts. Disposition follows
// the receipt's terminal outcome: release to the solver on finalization,
// refund to the depositor on a slash.
type Vault struct {
	mu         sync.Mutex
	clock      engine.Clock
	bus        *engine.Bus
	ledger     *ledger.Ledger
	hub        *receipt.Hub
	transferor TokenTransferor

	escrows   map[types.EscrowID]*types.Escrow
	byReceipt map[types.ReceiptID]types.EscrowID
}

// NewVault creates an escrow vault bound to the hub and ledger.
func NewVault(l *ledger.Ledger, hub *receipt.Hub, transferor TokenTransferor, clock engine.Clock, bus *engine.Bus) *Vault {
	if transferor == nil {
		transferor = NopTransferor{}
	}
	return &Vault{
		clock:      clock,
		bus:        bus,
		ledger:     l,
		hub:        hub,
		transferor: transferor,
		escrows:    make(map[types.EscrowID]*types.Escrow),
		byReceipt:  make(map[types.ReceiptID]types.EscrowID),
	}
}

// Deposit binds a payment to a receipt. One escrow per receipt; the receipt
// must not be terminal yet.
func (v *Vault) Deposit(receiptID types.ReceiptID, depositor, token common.Address, amount *big.Int) (types.EscrowID, error) {
	if err := types.ValidateAmount(amount); err != nil {
		return types.EscrowID{}, err
	}
	if depositor == (common.Address{}) {
		return types.EscrowID{}, fmt.Errorf("%w: zero depositor address", types.ErrInvalidInput)
	}

	_, status, err := v.hub.GetReceipt(receiptID)
	if err != nil {
		return types.EscrowID{}, err
	}
	if status.Terminal() {
		return types.EscrowID{}, fmt.Errorf("%w: receipt is %s", types.ErrInvalidTransition, status)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.byReceipt[receiptID]; exists {
		return types.EscrowID{}, fmt.Errorf("%w: receipt %s already escrowed", types.ErrDuplicate, receiptID.Hex())
	}

	id := types.EscrowID(crypto.Keccak256Hash([]byte("escrow"), receiptID.Bytes(), depositor.Bytes()))
	now := v.clock.Now()
	v.escrows[id] = &types.Escrow{
		ID:        id,
		ReceiptID: receiptID,
		Amount:    new(big.Int).Set(amount),
		Token:     token,
		Depositor: depositor,
		Status:    types.EscrowHeld,
		HeldAt:    now,
	}
	v.byReceipt[receiptID] = id

	v.publish(types.Event{Kind: types.EvEscrowDeposited, At: now, EscrowID: id, ReceiptID: receiptID, Actor: depositor, Amount: new(big.Int).Set(amount)})
	logging.Info("escrow deposited",
		logging.Escrow(id.Hex()),
		logging.Receipt(receiptID.Hex()),
		logging.Amount(amount.String()))
	return id, nil
}

// Release pays a held escrow to the solver's operator. Admissible only once
// the bound receipt is Finalized. Permissionless.
func (v *Vault) Release(ctx context.Context, id types.EscrowID) error {
	return v.settle(ctx, id, types.ReceiptFinalized)
}

// Refund returns a held escrow to its depositor. Admissible only once the
// bound receipt is Slashed. Permissionless.
func (v *Vault) Refund(ctx context.Context, id types.EscrowID) error {
	return v.settle(ctx, id, types.ReceiptSlashed)
}

// Settle routes a held escrow by its receipt's terminal status.
func (v *Vault) Settle(ctx context.Context, id types.EscrowID) error {
	v.mu.Lock()
	e, ok := v.escrows[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: escrow %s", types.ErrNotFound, id.Hex())
	}
	receiptID := e.ReceiptID
	v.mu.Unlock()

	_, status, err := v.hub.GetReceipt(receiptID)
	if err != nil {
		return err
	}
	switch status {
	case types.ReceiptFinalized:
		return v.settle(ctx, id, types.ReceiptFinalized)
	case types.ReceiptSlashed:
		return v.settle(ctx, id, types.ReceiptSlashed)
	default:
		return fmt.Errorf("%w: receipt still %s", types.ErrWindowNotOpen, status)
	}
}

// settle flips the escrow state, then performs the external transfer. The
// state flip before the call is the reentrancy guard: a reentrant settle of
// the same escrow finds it no longer held and bounces. A failed transfer
// reverts the flip.
func (v *Vault) settle(ctx context.Context, id types.EscrowID, want types.ReceiptStatus) error {
	v.mu.Lock()
	e, ok := v.escrows[id]
	if !ok {
		v.mu.Unlock()
		return fmt.Errorf("%w: escrow %s", types.ErrNotFound, id.Hex())
	}
	if e.Status != types.EscrowHeld {
		v.mu.Unlock()
		return fmt.Errorf("%w: escrow is %s", types.ErrAlreadyResolved, e.Status)
	}

	_, status, err := v.hub.GetReceipt(e.ReceiptID)
	if err != nil {
		v.mu.Unlock()
		return err
	}
	if status != want {
		v.mu.Unlock()
		return fmt.Errorf("%w: receipt is %s, want %s", types.ErrInvalidTransition, status, want)
	}

	var to common.Address
	var next types.EscrowStatus
	var kind types.EventKind
	if want == types.ReceiptFinalized {
		solverID, err := v.hub.SolverOf(e.ReceiptID)
		if err != nil {
			v.mu.Unlock()
			return err
		}
		to, err = v.ledger.Operator(solverID)
		if err != nil {
			v.mu.Unlock()
			return err
		}
		next, kind = types.EscrowReleased, types.EvEscrowReleased
	} else {
		to = e.Depositor
		next, kind = types.EscrowRefunded, types.EvEscrowRefunded
	}

	e.Status = next
	e.Recipient = to
	token := e.Token
	amount := new(big.Int).Set(e.Amount)
	v.mu.Unlock()

	if err := v.transferor.Transfer(ctx, token, to, amount); err != nil {
		v.mu.Lock()
		e.Status = types.EscrowHeld
		e.Recipient = common.Address{}
		v.mu.Unlock()
		return fmt.Errorf("escrow transfer: %w", err)
	}

	v.publish(types.Event{Kind: kind, At: v.clock.Now(), EscrowID: id, ReceiptID: e.ReceiptID, Actor: to, Amount: amount})
	logging.Info("escrow settled",
		logging.Escrow(id.Hex()),
		"disposition", next.String(),
		"to", to.Hex())
	return nil
}

// Get returns a copy of an escrow record.
func (v *Vault) Get(id types.EscrowID) (*types.Escrow, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", types.ErrNotFound, id.Hex())
	}
	cp := *e
	cp.Amount = new(big.Int).Set(e.Amount)
	return &cp, nil
}

// ByReceipt returns the escrow bound to a receipt, if any.
func (v *Vault) ByReceipt(receiptID types.ReceiptID) (*types.Escrow, error) {
	v.mu.Lock()
	id, ok := v.byReceipt[receiptID]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no escrow for receipt %s", types.ErrNotFound, receiptID.Hex())
	}
	return v.Get(id)
}

// HeldAt reports when the escrow was deposited.
func (v *Vault) HeldAt(id types.EscrowID) (time.Time, error) {
	e, err := v.Get(id)
	if err != nil {
		return time.Time{}, err
	}
	return e.HeldAt, nil
}

func (v *Vault) publish(ev types.Event) {
	if v.bus != nil {
		v.bus.Publish(ev)
	}
}
