package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/solverbond/solverbond/internal/util"
)

// RetryingTransferor wraps a TokenTransferor with exponential backoff, for
// settlement backends with transient failures (RPC nodes, payment rails).
type RetryingTransferor struct {
	inner TokenTransferor
	cfg   *util.RetryConfig
}

// WithRetry wraps t; a nil cfg uses the default backoff.
func WithRetry(t TokenTransferor, cfg *util.RetryConfig) *RetryingTransferor {
	if cfg == nil {
		cfg = util.DefaultRetryConfig()
	}
	return &RetryingTransferor{inner: t, cfg: cfg}
}

func (r *RetryingTransferor) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return util.Retry(ctx, r.cfg, func() error {
		return r.inner.Transfer(ctx, token, to, amount)
	})
}
