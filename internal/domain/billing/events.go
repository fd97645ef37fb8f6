package billing

import (
	"context"
	"time"

	"github.com/clinic/billing/pkg/money"
)

// RoutingKeyInvoiceGenerated is the routing key of InvoiceGeneratedEvent.
const RoutingKeyInvoiceGenerated = "invoice.generated"

// InvoiceGeneratedEvent is the message body published after an invoice is saved.
type InvoiceGeneratedEvent struct {
	InvoiceID               string      `json:"invoice_id"`
	Number                  string      `json:"number"`
	PatientID               string      `json:"patient_id"`
	Year                    Year        `json:"year"`
	TotalCost               money.Money `json:"total_cost"`
	CopaymentAmount         money.Money `json:"copayment_amount"`
	InsuranceCoverageAmount money.Money `json:"insurance_coverage_amount"`
	RequiresFullPayment     bool        `json:"requires_full_payment"`
	BillingDate             time.Time   `json:"billing_date"`
	DueDate                 time.Time   `json:"due_date"`
}

// Broker sends a JSON payload under a routing key.
type Broker interface {
	Publish(ctx context.Context, routingKey, messageID string, payload interface{}) error
}

type brokerPublisher struct{ broker Broker }

// NewBrokerPublisher adapts a Broker to InvoicePublisher.
func NewBrokerPublisher(b Broker) InvoicePublisher {
	return brokerPublisher{broker: b}
}

func (p brokerPublisher) PublishInvoiceGenerated(ctx context.Context, inv *Invoice) error {
	return p.broker.Publish(ctx, RoutingKeyInvoiceGenerated, inv.Number, InvoiceGeneratedEvent{
		InvoiceID:               inv.ID.String(),
		Number:                  inv.Number,
		PatientID:               inv.PatientID.String(),
		Year:                    inv.Year,
		TotalCost:               inv.TotalCost,
		CopaymentAmount:         inv.CopaymentAmount,
		InsuranceCoverageAmount: inv.InsuranceCoverageAmount,
		RequiresFullPayment:     inv.RequiresFullPayment,
		BillingDate:             inv.BillingDate,
		DueDate:                 inv.DueDate,
	})
}
