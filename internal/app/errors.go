package app

import (
	"errors"

	"github.com/transfa/escrow-service/internal/domain"
)

// Rejection taxonomy surfaced to callers. Every error returned by Service for an expected
// rejection matches exactly one of these with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrInvalidInput = errors.New("invalid input")
)

// ErrInvalidAmount is returned when a transfer amount is not strictly positive.
var ErrInvalidAmount = &InputError{Field: "amount", Message: "Amount must be greater than zero"}

// StateError rejects a transition that is not legal from the current status.
type StateError struct {
	Message string
	Current domain.TransferStatus
}

func (e *StateError) Error() string { return e.Message }

func (e *StateError) Unwrap() error { return ErrInvalidState }

// InputError rejects a missing or malformed field.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string { return e.Message }

func (e *InputError) Unwrap() error { return ErrInvalidInput }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

const (
	msgNotPending       = "Transfer is not in pending status"
	msgCannotRelease    = "Transfer cannot be released"
	msgCannotAppeal     = "Transfer cannot be appealed"
	msgNotUnderAppeal   = "Transfer is not under appeal"
	msgActiveTransfer   = "Order already has an active transfer"
	msgReasonRequired   = "Appeal reason is required"
	msgReasonTooLong    = "Appeal reason must not exceed 1000 characters"
	msgInvalidAction    = "Action must be one of: release, cancel"
	msgFieldIsRequired  = " is required"
	msgAddressTooLong   = "Address must not exceed 255 characters"
	msgNetworkTooLong   = "Network must not exceed 64 characters"
	msgAmountTooPrecise = "Amount must have at most 18 decimal places"
	msgAmountTooLarge   = "Amount must be less than 10^18"
)
