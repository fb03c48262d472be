package types

import "math/big"

// ReasonKind tags the dispute reason variants.
type ReasonKind uint8

const (
	ReasonNone ReasonKind = iota
	ReasonTimeout
	ReasonMinOutViolation
	ReasonWrongToken
	ReasonWrongChain
	ReasonWrongRecipient
	ReasonReceiptMismatch
	ReasonInvalidSignature
	ReasonSubjective
	ReasonCustom
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonNone:
		return "none"
	case ReasonTimeout:
		return "timeout"
	case ReasonMinOutViolation:
		return "min_out_violation"
	case ReasonWrongToken:
		return "wrong_token"
	case ReasonWrongChain:
		return "wrong_chain"
	case ReasonWrongRecipient:
		return "wrong_recipient"
	case ReasonReceiptMismatch:
		return "receipt_mismatch"
	case ReasonInvalidSignature:
		return "invalid_signature"
	case ReasonSubjective:
		return "subjective"
	case ReasonCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Deterministic reports whether disputes of this kind are resolvable purely
// from the receipt and recorded chain state, with no external judgment.
func (k ReasonKind) Deterministic() bool {
	switch k {
	case ReasonTimeout, ReasonMinOutViolation, ReasonWrongToken,
		ReasonWrongChain, ReasonWrongRecipient, ReasonReceiptMismatch,
		ReasonInvalidSignature:
		return true
	default:
		return false
	}
}

// DisputeReason carries the reason kind plus its variant payload. Leg and
// the min-out amounts are meaningful only for MinOutViolation and WrongToken;
// Tag only for Custom.
type DisputeReason struct {
	Kind ReasonKind

	// MinOutViolation payload: the violated output leg.
	Leg       int
	MinOut    *big.Int
	ActualOut *big.Int

	// Custom payload.
	Tag string
}

// TimeoutReason constructs a Timeout dispute reason.
func TimeoutReason() DisputeReason {
	return DisputeReason{Kind: ReasonTimeout}
}

// MinOutReason constructs a MinOutViolation reason for one output leg.
func MinOutReason(leg int, minOut, actual *big.Int) DisputeReason {
	return DisputeReason{Kind: ReasonMinOutViolation, Leg: leg, MinOut: minOut, ActualOut: actual}
}

// WrongTokenReason constructs a WrongToken reason for one output leg.
func WrongTokenReason(leg int) DisputeReason {
	return DisputeReason{Kind: ReasonWrongToken, Leg: leg}
}

// WrongChainReason constructs a WrongChain reason.
func WrongChainReason() DisputeReason {
	return DisputeReason{Kind: ReasonWrongChain}
}

// WrongRecipientReason constructs a WrongRecipient reason.
func WrongRecipientReason() DisputeReason {
	return DisputeReason{Kind: ReasonWrongRecipient}
}

// ReceiptMismatchReason constructs a ReceiptMismatch reason.
func ReceiptMismatchReason() DisputeReason {
	return DisputeReason{Kind: ReasonReceiptMismatch}
}

// InvalidSignatureReason constructs an InvalidSignature reason. A proven
// violation mandates jail on top of the slash.
func InvalidSignatureReason() DisputeReason {
	return DisputeReason{Kind: ReasonInvalidSignature}
}

// SubjectiveReason constructs a reason requiring arbitrator judgment.
func SubjectiveReason() DisputeReason {
	return DisputeReason{Kind: ReasonSubjective}
}

// CustomReason constructs a tagged custom reason; always subjective.
func CustomReason(tag string) DisputeReason {
	return DisputeReason{Kind: ReasonCustom, Tag: tag}
}
