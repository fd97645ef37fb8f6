package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/billing/pkg/money"
)

// InsuranceStatus is the patient's policy state as reported by the patient directory.
type InsuranceStatus string

const (
	InsuranceNone     InsuranceStatus = "none"
	InsuranceActive   InsuranceStatus = "active"
	InsuranceInactive InsuranceStatus = "inactive"
)

var validInsuranceStatuses = map[InsuranceStatus]bool{
	InsuranceNone: true, InsuranceActive: true, InsuranceInactive: true,
}

func ParseInsuranceStatus(s string) (InsuranceStatus, error) {
	st := InsuranceStatus(s)
	if !validInsuranceStatuses[st] {
		return "", fmt.Errorf("invalid insurance status: %q", s)
	}
	return st, nil
}

// Year is the calendar year used as the accumulation boundary.
type Year int

func YearOf(t time.Time) Year { return Year(t.Year()) }

func (y Year) Valid() bool { return y >= 1000 && y <= 9999 }

// AccumulatedYearTotals is a read-only snapshot of a patient's billing for one year.
// Cancelled invoices never contribute.
type AccumulatedYearTotals struct {
	PatientID      uuid.UUID   `json:"patient_id"`
	Year           Year        `json:"year"`
	TotalBilled    money.Money `json:"total_billed"`
	TotalCopayment money.Money `json:"total_copayment"`
	TotalCoverage  money.Money `json:"total_coverage"`
	InvoiceCount   int         `json:"invoice_count"`
}

// ChargeRequest is the calculator input.
type ChargeRequest struct {
	PatientID                        uuid.UUID
	TotalCost                        money.Money
	InsuranceStatus                  InsuranceStatus
	AccumulatedPatientResponsibility money.Money
}

// Branch identifies which rule of the copayment policy decided a result.
type Branch string

const (
	BranchNoActivePolicy     Branch = "no_active_policy"
	BranchAnnualLimitReached Branch = "annual_limit_reached"
	BranchStandardCopayment  Branch = "standard_copayment"
	BranchProratedCopayment  Branch = "prorated_copayment"
)

const (
	MessageNoActivePolicy     = "No active policy — full payment required"
	MessageAnnualLimitReached = "Annual copayment limit exceeded — insurance covers full amount"
	MessageStandardCopayment  = "Standard copayment applies"
)

// BillingCalculationResult is the coverage split for a single charge.
// CopaymentLimitExceeded and Message are filled by the Service, not the calculator.
type BillingCalculationResult struct {
	TotalCost               money.Money `json:"total_cost"`
	CopaymentAmount         money.Money `json:"copayment_amount"`
	InsuranceCoverageAmount money.Money `json:"insurance_coverage_amount"`
	RequiresFullPayment     bool        `json:"requires_full_payment"`
	Branch                  Branch      `json:"branch"`
	CopaymentLimitExceeded  bool        `json:"copayment_limit_exceeded"`
	Message                 string      `json:"message,omitempty"`
}

// InvoiceStatus is the invoice lifecycle state.
type InvoiceStatus string

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoicePending: {InvoicePaid, InvoiceCancelled},
}

func ParseInvoiceStatus(s string) (InvoiceStatus, error) {
	switch st := InvoiceStatus(s); st {
	case InvoicePending, InvoicePaid, InvoiceCancelled:
		return st, nil
	}
	return "", fmt.Errorf("invalid invoice status: %q", s)
}

// CanTransition reports whether an invoice may move from s to next.
func (s InvoiceStatus) CanTransition(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Invoice maps to the invoice table.
type Invoice struct {
	ID                      uuid.UUID     `db:"id" json:"id"`
	Number                  string        `db:"number" json:"number"`
	PatientID               uuid.UUID     `db:"patient_id" json:"patient_id"`
	Year                    Year          `db:"year" json:"year"`
	TotalCost               money.Money   `db:"total_cost_minor" json:"total_cost"`
	CopaymentAmount         money.Money   `db:"copayment_minor" json:"copayment_amount"`
	InsuranceCoverageAmount money.Money   `db:"coverage_minor" json:"insurance_coverage_amount"`
	RequiresFullPayment     bool          `db:"requires_full_payment" json:"requires_full_payment"`
	Status                  InvoiceStatus `db:"status" json:"status"`
	BillingDate             time.Time     `db:"billing_date" json:"billing_date"`
	DueDate                 time.Time     `db:"due_date" json:"due_date"`
	CreatedAt               time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time     `db:"updated_at" json:"updated_at"`
}

// Counts reports whether the invoice contributes to yearly accumulation.
func (inv *Invoice) Counts() bool {
	return inv.Status != InvoiceCancelled
}

// accumulate folds the invoices into a year snapshot.
func accumulate(patientID uuid.UUID, year Year, invoices []*Invoice) (AccumulatedYearTotals, error) {
	t := AccumulatedYearTotals{PatientID: patientID, Year: year}
	var err error
	for _, inv := range invoices {
		if inv.PatientID != patientID || inv.Year != year || !inv.Counts() {
			continue
		}
		if t.TotalBilled, err = t.TotalBilled.Add(inv.TotalCost); err != nil {
			return AccumulatedYearTotals{}, err
		}
		if t.TotalCopayment, err = t.TotalCopayment.Add(inv.CopaymentAmount); err != nil {
			return AccumulatedYearTotals{}, err
		}
		if t.TotalCoverage, err = t.TotalCoverage.Add(inv.InsuranceCoverageAmount); err != nil {
			return AccumulatedYearTotals{}, err
		}
		t.InvoiceCount++
	}
	return t, nil
}
