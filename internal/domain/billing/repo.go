package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/clinic/billing/pkg/money"
)

// PatientDirectory resolves a patient to their insurance status.
// Unknown patients yield ErrPatientNotFound.
type PatientDirectory interface {
	GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error)
}

// HistoryStore persists invoices and answers yearly accumulation queries.
// Cancelled invoices are excluded from every accumulation.
type HistoryStore interface {
	// WithYearLock runs fn while no other WithYearLock call for the same
	// (patientID, year) is running. Store calls made with the ctx passed to fn
	// take part in the same unit of work.
	WithYearLock(ctx context.Context, patientID uuid.UUID, year Year, fn func(ctx context.Context) error) error

	GetAccumulatedPatientResponsibility(ctx context.Context, patientID uuid.UUID, year Year) (money.Money, error)
	GetYearTotals(ctx context.Context, patientID uuid.UUID, year Year) (AccumulatedYearTotals, error)

	AllocateInvoiceNumber(ctx context.Context) (string, error)
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, number string) (*Invoice, error)
	ListInvoices(ctx context.Context, patientID uuid.UUID, year Year, limit, offset int) ([]*Invoice, int, error)
	UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) (*Invoice, error)
}

// InvoicePublisher announces newly generated invoices.
type InvoicePublisher interface {
	PublishInvoiceGenerated(ctx context.Context, inv *Invoice) error
}
