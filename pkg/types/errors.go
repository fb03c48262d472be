package types

import "errors"

// Protocol error kinds. Every rejection surfaced by the core wraps exactly
// one of these so callers can distinguish cause with errors.Is.
var (
	// Validation errors: the caller's input is malformed or forbidden.
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDuplicate        = errors.New("duplicate")
	ErrZeroSlash        = errors.New("zero-amount slash")
	ErrUnauthorized     = errors.New("unauthorized caller")

	// State errors: the operation is not admissible in the current state.
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrSolverBanned      = errors.New("solver banned")
	ErrSolverNotActive   = errors.New("solver not active")

	// Economic errors: never silently clamped.
	ErrInsufficientBond   = errors.New("insufficient available bond")
	ErrInsufficientLocked = errors.New("insufficient locked bond")
	ErrInsufficientFunds  = errors.New("insufficient custodied funds")

	// Timing errors: the action is outside its valid window.
	ErrWindowNotOpen = errors.New("window not yet open")
	ErrWindowClosed  = errors.New("window closed")
)

// IsNotFound reports whether err is a missing-entity rejection.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsWindowErr reports whether err is a timing rejection, either side.
func IsWindowErr(err error) bool {
	return errors.Is(err, ErrWindowNotOpen) || errors.Is(err, ErrWindowClosed)
}

// IsTransitionErr reports whether err is a state-machine rejection,
// including operations landing on an already settled record.
func IsTransitionErr(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyResolved)
}
