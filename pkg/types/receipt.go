package types

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureDomain binds signed messages to one chain and one deployment so a
// signature can never be replayed in another context.
type SignatureDomain struct {
	ChainID  *big.Int
	Contract common.Address
}

// Separator returns the domain separator hash mixed into every signing digest.
func (d SignatureDomain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		[]byte("solverbond/receipt/v1"),
		common.LeftPadBytes(d.ChainID.Bytes(), 32),
		d.Contract.Bytes(),
	)
}

// IntentReceipt is a solver's signed claim of execution. All commitment
// fields are opaque 32-byte hashes; the core never interprets their
// preimages except when a challenger supplies them for deterministic
// resolution.
type IntentReceipt struct {
	IntentHash      common.Hash
	ConstraintsHash common.Hash
	RouteHash       common.Hash
	OutcomeHash     common.Hash
	EvidenceHash    common.Hash
	CreatedAt       time.Time
	Expiry          time.Time
	SolverID        SolverID
	Signature       []byte
}

// contentBytes is the canonical fixed-order encoding of the receipt content,
// excluding the signature.
func (r *IntentReceipt) contentBytes() []byte {
	buf := make([]byte, 0, 7*32+16)
	buf = append(buf, r.IntentHash.Bytes()...)
	buf = append(buf, r.ConstraintsHash.Bytes()...)
	buf = append(buf, r.RouteHash.Bytes()...)
	buf = append(buf, r.OutcomeHash.Bytes()...)
	buf = append(buf, r.EvidenceHash.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.CreatedAt.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Expiry.Unix()))
	buf = append(buf, r.SolverID.Bytes()...)
	return buf
}

// ComputeReceiptID returns the deterministic content hash used as the
// receipt's identity. Pure; identical content always yields the same id.
func ComputeReceiptID(r *IntentReceipt) ReceiptID {
	return crypto.Keccak256Hash(r.contentBytes())
}

// SigningDigest returns the digest the solver's operator signs: the domain
// separator followed by the canonical content encoding.
func (r *IntentReceipt) SigningDigest(domain SignatureDomain) common.Hash {
	sep := domain.Separator()
	return crypto.Keccak256Hash(sep.Bytes(), r.contentBytes())
}

// RecoverSigner recovers the address that signed the receipt within the
// given domain.
func (r *IntentReceipt) RecoverSigner(domain SignatureDomain) (common.Address, error) {
	if len(r.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(r.Signature))
	}
	digest := r.SigningDigest(domain)
	pub, err := crypto.SigToPub(digest.Bytes(), r.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Validate checks structural well-formedness of a receipt before posting.
func (r *IntentReceipt) Validate() error {
	if r.IntentHash == (common.Hash{}) {
		return fmt.Errorf("%w: empty intent hash", ErrInvalidInput)
	}
	if r.OutcomeHash == (common.Hash{}) {
		return fmt.Errorf("%w: empty outcome hash", ErrInvalidInput)
	}
	if r.SolverID == (common.Hash{}) {
		return fmt.Errorf("%w: empty solver id", ErrInvalidInput)
	}
	if !r.Expiry.After(r.CreatedAt) {
		return fmt.Errorf("%w: expiry not after creation", ErrInvalidInput)
	}
	return nil
}

// IntentFacts is the preimage of a receipt's intentHash, supplied by a
// challenger during deterministic resolution.
type IntentFacts struct {
	Recipient common.Address
	ChainID   *big.Int
	Nonce     common.Hash
}

// Hash returns the canonical commitment of the intent facts.
func (f *IntentFacts) Hash() common.Hash {
	return crypto.Keccak256Hash(
		f.Recipient.Bytes(),
		common.LeftPadBytes(f.ChainID.Bytes(), 32),
		f.Nonce.Bytes(),
	)
}

// ConstraintFacts is the preimage of a receipt's constraintsHash: the output
// legs the solver committed to. TokensOut and MinAmountsOut are parallel.
type ConstraintFacts struct {
	TokensOut     []common.Address
	MinAmountsOut []*big.Int
}

// Hash returns the canonical commitment of the constraint facts.
func (f *ConstraintFacts) Hash() common.Hash {
	buf := binary.BigEndian.AppendUint64(nil, uint64(len(f.TokensOut)))
	for _, t := range f.TokensOut {
		buf = append(buf, t.Bytes()...)
	}
	for _, m := range f.MinAmountsOut {
		buf = append(buf, common.LeftPadBytes(m.Bytes(), 32)...)
	}
	return crypto.Keccak256Hash(buf)
}

// Validate checks the parallel legs line up.
func (f *ConstraintFacts) Validate() error {
	if len(f.TokensOut) == 0 {
		return fmt.Errorf("%w: no output legs", ErrInvalidInput)
	}
	if len(f.TokensOut) != len(f.MinAmountsOut) {
		return fmt.Errorf("%w: %d tokens vs %d min amounts", ErrInvalidInput, len(f.TokensOut), len(f.MinAmountsOut))
	}
	for i, m := range f.MinAmountsOut {
		if m == nil || m.Sign() <= 0 {
			return fmt.Errorf("%w: leg %d min amount not positive", ErrInvalidInput, i)
		}
	}
	return nil
}

// OutcomeFacts is the preimage of a receipt's outcomeHash: what the solver
// claims was actually delivered.
type OutcomeFacts struct {
	TokensOut  []common.Address
	AmountsOut []*big.Int
	Recipient  common.Address
	ChainID    *big.Int
}

// Hash returns the canonical commitment of the outcome facts.
func (f *OutcomeFacts) Hash() common.Hash {
	buf := binary.BigEndian.AppendUint64(nil, uint64(len(f.TokensOut)))
	for _, t := range f.TokensOut {
		buf = append(buf, t.Bytes()...)
	}
	for _, a := range f.AmountsOut {
		buf = append(buf, common.LeftPadBytes(a.Bytes(), 32)...)
	}
	buf = append(buf, f.Recipient.Bytes()...)
	buf = append(buf, common.LeftPadBytes(f.ChainID.Bytes(), 32)...)
	return crypto.Keccak256Hash(buf)
}

// Validate checks the parallel legs line up.
func (f *OutcomeFacts) Validate() error {
	if len(f.TokensOut) != len(f.AmountsOut) {
		return fmt.Errorf("%w: %d tokens vs %d amounts", ErrInvalidInput, len(f.TokensOut), len(f.AmountsOut))
	}
	for i, a := range f.AmountsOut {
		if a == nil || a.Sign() < 0 {
			return fmt.Errorf("%w: leg %d amount negative or nil", ErrInvalidInput, i)
		}
	}
	return nil
}

// ResolutionFacts bundles the commitment preimages a challenger must supply
// for fact-based deterministic rules. The hub verifies each against the
// receipt's stored commitments before evaluating any rule.
type ResolutionFacts struct {
	Intent      *IntentFacts
	Constraints *ConstraintFacts
	Outcome     *OutcomeFacts
}
