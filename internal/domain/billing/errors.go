package billing

import (
	"errors"
	"fmt"
)

var (
	ErrPatientNotFound         = errors.New("patient not found")
	ErrInvalidChargeAmount     = errors.New("total cost must be greater than zero")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrInvoiceNotFound         = errors.New("invoice not found")
	ErrInvalidStatusTransition = errors.New("invalid invoice status transition")
)

// CollaboratorError wraps an I/O failure from the patient directory or the
// billing history store. It matches ErrCollaboratorUnavailable with errors.Is
// and still unwraps to the underlying cause.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool {
	return target == ErrCollaboratorUnavailable
}

func unavailable(collaborator, op string, err error) error {
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// InvariantViolationError means the calculator produced a split that loses or
// fabricates money. It is a programming or configuration defect, never user input.
type InvariantViolationError struct {
	Request ChargeRequest
	Result  BillingCalculationResult
	Reason  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("billing invariant violated: %s (total=%s copayment=%s coverage=%s)",
		e.Reason, e.Result.TotalCost, e.Result.CopaymentAmount, e.Result.InsuranceCoverageAmount)
}
