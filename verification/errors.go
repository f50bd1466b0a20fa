package verification

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrResendCooldown is returned when a resend is attempted before the
	// server-provided availability time.
	ErrResendCooldown = errors.New("verification: resend not yet available")
	// ErrWrongStep is returned when an operation does not belong to the current step.
	ErrWrongStep = errors.New("verification: operation not valid at current step")
	// ErrStale is returned when the flow moved on while a call was in flight.
	ErrStale = errors.New("verification: stale response discarded")
	// ErrSubmitPending is returned when a code submission is already in flight.
	ErrSubmitPending = errors.New("verification: submission already pending")
	// ErrInvalidCode is returned for codes that are not exactly the expected number of digits.
	ErrInvalidCode = errors.New("verification: code must be numeric and of the expected length")
	// ErrFlowMismatch is returned when a session id is reused across flow kinds.
	ErrFlowMismatch = errors.New("verification: session belongs to another flow")
	// ErrUnderage is returned by the client-side minimum age check.
	ErrUnderage = errors.New("verification: minimum age not met")
	// ErrInvalidBirthDate is returned for unparseable or future birth dates.
	ErrInvalidBirthDate = errors.New("verification: invalid birth date")
	// ErrMissingField is returned when a required input is empty.
	ErrMissingField = errors.New("verification: required field missing")
)

// CooldownError carries the availability time of a rejected resend.
// It matches [ErrResendCooldown] with errors.Is.
type CooldownError struct {
	AvailableAt int64
	Remaining   time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s (retry in %s)", ErrResendCooldown, e.Remaining)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrResendCooldown
}
