package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solverbond/solverbond/pkg/types"
)

// Share is one leg of a slash distribution.
type Share struct {
	Recipient common.Address
	Bps       int
}

// Split is a three-way slash distribution in basis points.
type Split struct {
	UserBps   int
	SecondBps int
	ThirdBps  int
}

// Shares binds a split to three recipients in order.
func (s Split) Shares(user, second, third common.Address) []Share {
	return []Share{
		{Recipient: user, Bps: s.UserBps},
		{Recipient: second, Bps: s.SecondBps},
		{Recipient: third, Bps: s.ThirdBps},
	}
}

// SplitExact divides amount across shares by basis points with no residue:
// each share gets floor(amount*bps/10000) and the rounding remainder goes to
// the first share. The share basis points must sum to exactly 10000.
func SplitExact(amount *big.Int, shares []Share) ([]*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: distribution of non-positive amount", types.ErrInvalidInput)
	}
	total := 0
	for _, s := range shares {
		if s.Bps < 0 {
			return nil, fmt.Errorf("%w: negative share", types.ErrInvalidInput)
		}
		total += s.Bps
	}
	if total != 10000 {
		return nil, fmt.Errorf("%w: shares sum to %d bps, want 10000", types.ErrInvalidInput, total)
	}

	out := make([]*big.Int, len(shares))
	distributed := new(big.Int)
	for i, s := range shares {
		cut := new(big.Int).Mul(amount, big.NewInt(int64(s.Bps)))
		cut.Div(cut, big.NewInt(10000))
		out[i] = cut
		distributed.Add(distributed, cut)
	}

	// Rounding residue goes to the first share so the sum is exact.
	residue := new(big.Int).Sub(amount, distributed)
	out[0].Add(out[0], residue)
	return out, nil
}

// Distribute credits a slashed amount to the payout accounts per the shares.
// A share whose recipient is the zero address is folded into the treasury
// (e.g. no external challenger on a protocol-initiated dispute).
func (l *Ledger) Distribute(caller string, amount *big.Int, shares []Share) error {
	cuts, err := SplitExact(amount, shares)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}

	for i, s := range shares {
		recipient := s.Recipient
		if recipient == (common.Address{}) {
			recipient = l.params.Treasury
		}
		if cuts[i].Sign() == 0 {
			continue
		}
		l.credit(recipient, cuts[i])
	}
	return nil
}

func (l *Ledger) credit(addr common.Address, amount *big.Int) {
	if cur, ok := l.payouts[addr]; ok {
		cur.Add(cur, amount)
	} else {
		l.payouts[addr] = new(big.Int).Set(amount)
	}
}

// Credit adds to a claimable payout account. Authorized callers only; used
// for bond forfeits and fee refunds outside slash distribution.
func (l *Ledger) Credit(caller string, addr common.Address, amount *big.Int) error {
	if err := types.ValidateAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkCaller(caller); err != nil {
		return err
	}
	if addr == (common.Address{}) {
		addr = l.params.Treasury
	}
	l.credit(addr, amount)
	return nil
}

// Claimable returns the claimable payout balance of an address.
func (l *Ledger) Claimable(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if cur, ok := l.payouts[addr]; ok {
		return new(big.Int).Set(cur)
	}
	return big.NewInt(0)
}

// Claim zeroes and returns the claimable balance; the actual value transfer
// is the settlement collaborator's concern.
func (l *Ledger) Claim(addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.payouts[addr]
	if !ok || cur.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing claimable for %s", types.ErrNotFound, addr.Hex())
	}
	out := new(big.Int).Set(cur)
	cur.SetInt64(0)
	return out, nil
}
