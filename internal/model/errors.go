package model

import "errors"

// Error taxonomy of the engine. Callers wrap these with detail via
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrInvalidOrder is returned for bad input to order placement.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInvalidTransition is returned for an illegal order or position state change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidThreshold is returned when a TP/SL can never trigger for the
	// position's direction.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrAlreadyClosed is returned to the loser of a close race.
	ErrAlreadyClosed = errors.New("position already closed")

	// ErrInsufficientBalance is returned when an order costs more than the
	// available funds.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrPersistenceFailure wraps backend I/O errors.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNotFound is returned for unknown order, position or option ids.
	ErrNotFound = errors.New("not found")
)
