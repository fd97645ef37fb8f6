package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/billing/pkg/money"
)

const (
	DefaultInvoiceDueDays = 30

	collabDirectory = "patient directory"
	collabHistory   = "billing history store"
)

// Service is the billing orchestrator. It resolves insurance status and
// yearly accumulation through its collaborators and hands them to the
// Calculator.
type Service struct {
	directory PatientDirectory
	history   HistoryStore
	calc      *Calculator
	publisher InvoicePublisher
	logger    zerolog.Logger
	now       func() time.Time
	dueIn     time.Duration
}

func NewService(dir PatientDirectory, hist HistoryStore, calc *Calculator) *Service {
	return &Service{
		directory: dir,
		history:   hist,
		calc:      calc,
		logger:    zerolog.Nop(),
		now:       time.Now,
		dueIn:     DefaultInvoiceDueDays * 24 * time.Hour,
	}
}

// SetPublisher attaches an optional publisher for invoice.generated events.
func (s *Service) SetPublisher(p InvoicePublisher) { s.publisher = p }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// SetClock replaces the wall clock used for billing dates and the current year.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetInvoiceDueDays(days int) {
	s.dueIn = time.Duration(days) * 24 * time.Hour
}

// CurrentYear is the accumulation year for charges billed now.
func (s *Service) CurrentYear() Year { return YearOf(s.now()) }

// CalculateCharge computes the split for a charge billed now without
// persisting anything.
func (s *Service) CalculateCharge(ctx context.Context, patientID uuid.UUID, totalCost money.Money) (BillingCalculationResult, error) {
	return s.CalculateChargeForYear(ctx, patientID, s.CurrentYear(), totalCost)
}

func (s *Service) CalculateChargeForYear(ctx context.Context, patientID uuid.UUID, year Year, totalCost money.Money) (BillingCalculationResult, error) {
	if totalCost.IsZero() {
		return BillingCalculationResult{}, ErrInvalidChargeAmount
	}
	status, err := s.insuranceStatus(ctx, patientID)
	if err != nil {
		return BillingCalculationResult{}, err
	}
	return s.evaluate(ctx, patientID, year, status, totalCost)
}

// GenerateInvoice calculates a charge billed now and persists it as a
// pending invoice. The accumulation read and the save happen under the
// store's per-(patient, year) lock. The clock is read once so the invoice
// year always matches its billing date.
func (s *Service) GenerateInvoice(ctx context.Context, patientID uuid.UUID, totalCost money.Money) (*Invoice, error) {
	now := s.now()
	return s.generateInvoice(ctx, patientID, YearOf(now), now, totalCost)
}

// GenerateInvoiceForYear bills a charge now against the accumulation of year.
func (s *Service) GenerateInvoiceForYear(ctx context.Context, patientID uuid.UUID, year Year, totalCost money.Money) (*Invoice, error) {
	return s.generateInvoice(ctx, patientID, year, s.now(), totalCost)
}

func (s *Service) generateInvoice(ctx context.Context, patientID uuid.UUID, year Year, now time.Time, totalCost money.Money) (*Invoice, error) {
	if totalCost.IsZero() {
		return nil, ErrInvalidChargeAmount
	}
	status, err := s.insuranceStatus(ctx, patientID)
	if err != nil {
		return nil, err
	}

	var inv *Invoice
	err = s.history.WithYearLock(ctx, patientID, year, func(ctx context.Context) error {
		res, err := s.evaluate(ctx, patientID, year, status, totalCost)
		if err != nil {
			return err
		}
		number, err := s.history.AllocateInvoiceNumber(ctx)
		if err != nil {
			return unavailable(collabHistory, "allocate invoice number", err)
		}

		candidate := &Invoice{
			ID:                      uuid.New(),
			Number:                  number,
			PatientID:               patientID,
			Year:                    year,
			TotalCost:               res.TotalCost,
			CopaymentAmount:         res.CopaymentAmount,
			InsuranceCoverageAmount: res.InsuranceCoverageAmount,
			RequiresFullPayment:     res.RequiresFullPayment,
			Status:                  InvoicePending,
			BillingDate:             now,
			DueDate:                 now.Add(s.dueIn),
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := s.history.SaveInvoice(ctx, candidate); err != nil {
			return unavailable(collabHistory, "save invoice", err)
		}
		inv = candidate
		return nil
	})
	if err != nil {
		return nil, s.historyErr("generate invoice", err)
	}

	s.logger.Info().
		Str("invoice", inv.Number).
		Str("patient_id", patientID.String()).
		Int("year", int(year)).
		Str("copayment", inv.CopaymentAmount.String()).
		Str("coverage", inv.InsuranceCoverageAmount.String()).
		Msg("invoice generated")

	if s.publisher != nil {
		if err := s.publisher.PublishInvoiceGenerated(ctx, inv); err != nil {
			s.logger.Warn().Err(err).Str("invoice", inv.Number).Msg("publish invoice.generated failed")
		}
	}
	return inv, nil
}

// GetYearTotals returns the patient's non-cancelled totals for year.
func (s *Service) GetYearTotals(ctx context.Context, patientID uuid.UUID, year Year) (AccumulatedYearTotals, error) {
	t, err := s.history.GetYearTotals(ctx, patientID, year)
	if err != nil {
		return AccumulatedYearTotals{}, s.historyErr("get year totals", err)
	}
	return t, nil
}

func (s *Service) GetInvoice(ctx context.Context, number string) (*Invoice, error) {
	inv, err := s.history.GetInvoice(ctx, number)
	if err != nil {
		return nil, s.historyErr("get invoice", err)
	}
	return inv, nil
}

// ListInvoices lists a patient's invoices, newest first. A zero year lists every year.
func (s *Service) ListInvoices(ctx context.Context, patientID uuid.UUID, year Year, limit, offset int) ([]*Invoice, int, error) {
	items, total, err := s.history.ListInvoices(ctx, patientID, year, limit, offset)
	if err != nil {
		return nil, 0, s.historyErr("list invoices", err)
	}
	return items, total, nil
}

// UpdateInvoiceStatus forwards a lifecycle change to the store, which only
// accepts pending→paid and pending→cancelled.
func (s *Service) UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) (*Invoice, error) {
	inv, err := s.history.UpdateInvoiceStatus(ctx, number, status)
	if err != nil {
		return nil, s.historyErr("update invoice status", err)
	}
	return inv, nil
}

func (s *Service) insuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	status, err := s.directory.GetInsuranceStatus(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return "", ErrPatientNotFound
		}
		return "", unavailable(collabDirectory, "get insurance status", err)
	}
	return status, nil
}

func (s *Service) evaluate(ctx context.Context, patientID uuid.UUID, year Year, status InsuranceStatus, totalCost money.Money) (BillingCalculationResult, error) {
	acc, err := s.history.GetAccumulatedPatientResponsibility(ctx, patientID, year)
	if err != nil {
		return BillingCalculationResult{}, unavailable(collabHistory, "get accumulated patient responsibility", err)
	}

	req := ChargeRequest{
		PatientID:                        patientID,
		TotalCost:                        totalCost,
		InsuranceStatus:                  status,
		AccumulatedPatientResponsibility: acc,
	}
	res, err := s.calc.Calculate(req)
	if err != nil {
		s.logger.WithLevel(zerolog.FatalLevel).
			Err(err).
			Str("patient_id", patientID.String()).
			Int("year", int(year)).
			Str("insurance_status", string(status)).
			Str("accumulated", acc.String()).
			Str("total_cost", totalCost.String()).
			Msg("copayment calculation violated billing invariant")
		return BillingCalculationResult{}, err
	}

	res.CopaymentLimitExceeded = acc.GreaterThanOrEqual(s.calc.Policy().MaximumAnnualCopayment)
	switch res.Branch {
	case BranchNoActivePolicy:
		res.Message = MessageNoActivePolicy
	case BranchAnnualLimitReached:
		res.Message = MessageAnnualLimitReached
	default:
		res.Message = MessageStandardCopayment
	}
	return res, nil
}

// historyErr passes domain errors through and marks everything else as a
// store outage.
func (s *Service) historyErr(op string, err error) error {
	var inv *InvariantViolationError
	switch {
	case errors.Is(err, ErrCollaboratorUnavailable),
		errors.Is(err, ErrPatientNotFound),
		errors.Is(err, ErrInvoiceNotFound),
		errors.Is(err, ErrInvalidStatusTransition),
		errors.As(err, &inv):
		return err
	}
	return unavailable(collabHistory, op, err)
}
