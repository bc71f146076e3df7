package coverage

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every write-time invariant failure
	ErrValidation = errors.New("validation failed")

	// ErrInvalidArgument marks caller bugs such as a negative charge
	ErrInvalidArgument = errors.New("invalid argument")

	ErrNegativeAmount = fmt.Errorf("%w: charge amount must not be negative", ErrInvalidArgument)

	ErrPolicyNotFound  = errors.New("insurance policy not found")
	ErrPatientNotFound = errors.New("patient not found")
	ErrInsurerNotFound = errors.New("insurer not found")
)

// ValidationError reports a rejected write with a human-readable message
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets every ValidationError match ErrValidation, and the wrapped cause when set
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ErrDuplicatePolicy is returned when (insurer, policy number, member id) already exists
var ErrDuplicatePolicy = &ValidationError{
	Field:   "policy_number",
	Message: "a policy already exists for this insurer, policy number and member id",
}

// IsTerminal reports whether retrying the operation can never succeed
func IsTerminal(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrInsurerNotFound)
}
