package domain

import "errors"

// Sentinel errors forming the engine's error taxonomy. Callers branch with
// errors.Is. Gate rejections (profitability, caps) are not errors; they
// surface as (approved, reason) results.
var (
	// ErrNotFound indicates a player, rule, reward or redemption rule is absent.
	ErrNotFound = errors.New("record not found")

	// ErrConfiguration indicates bad setup data, e.g. an unmapped reward type
	// or an inactive redemption rule. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrInsufficientBalance is the precondition failure on any debit.
	// No partial effect is applied.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStateTransition indicates an illegal reward status transition,
	// e.g. issuing a reward that is no longer PENDING.
	ErrStateTransition = errors.New("invalid state transition")

	// ErrValidation marks a routine precondition failure on operations that
	// have no (approved, reason) shape, e.g. a redemption tier requirement
	// not met.
	ErrValidation = errors.New("validation failed")
)
