package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized means the caller does not own the entity.
	ErrUnauthorized = errors.New("entity owned by different user")
	// ErrInvalidState means the requested transition is not legal from the
	// entity's current status.
	ErrInvalidState = errors.New("invalid state for transition")
	// ErrNoWalletConfigured means the user has no signing-capable wallet.
	ErrNoWalletConfigured = errors.New("no wallet configured")
)

// PolicyViolationError carries the structured reason a transaction was
// blocked.
type PolicyViolationError struct {
	Reason string
}

func (e PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", e.Reason)
}
