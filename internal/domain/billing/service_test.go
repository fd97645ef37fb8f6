package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/billing/pkg/money"
)

// -- Test doubles --

type failingDirectory struct{ err error }

func (d failingDirectory) GetInsuranceStatus(context.Context, uuid.UUID) (InsuranceStatus, error) {
	return "", d.err
}

// flakyHistory wraps a working store and fails the selected calls.
type flakyHistory struct {
	HistoryStore
	accumulatedErr error
	saveErr        error
	saves          int
}

func (h *flakyHistory) GetAccumulatedPatientResponsibility(ctx context.Context, patientID uuid.UUID, year Year) (money.Money, error) {
	if h.accumulatedErr != nil {
		return money.Zero, h.accumulatedErr
	}
	return h.HistoryStore.GetAccumulatedPatientResponsibility(ctx, patientID, year)
}

func (h *flakyHistory) SaveInvoice(ctx context.Context, inv *Invoice) error {
	h.saves++
	if h.saveErr != nil {
		return h.saveErr
	}
	return h.HistoryStore.SaveInvoice(ctx, inv)
}

type recordingPublisher struct {
	mu       sync.Mutex
	invoices []*Invoice
	err      error
}

func (p *recordingPublisher) PublishInvoiceGenerated(_ context.Context, inv *Invoice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices = append(p.invoices, inv)
	return p.err
}

var testNow = time.Date(2026, 6, 15, 10, 30, 0, 0, time.UTC)

type serviceFixture struct {
	svc       *Service
	directory *MemoryDirectory
	history   HistoryStore
	active    uuid.UUID
	uninsured uuid.UUID
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{active: uuid.New(), uninsured: uuid.New()}
	f.directory = NewPatientDirectoryMemory(map[uuid.UUID]InsuranceStatus{
		f.active:    InsuranceActive,
		f.uninsured: InsuranceNone,
	})
	f.history = NewHistoryStoreMemory("INV")
	f.svc = NewService(f.directory, f.history, NewCalculator(testPolicy()))
	f.svc.SetClock(func() time.Time { return testNow })
	return f
}

// seed stores a pending invoice whose copayment brings the patient's
// accumulation up by copay.
func (f *serviceFixture) seed(t *testing.T, patientID uuid.UUID, year Year, copay int64, status InvoiceStatus) {
	t.Helper()
	ctx := context.Background()
	number, err := f.history.AllocateInvoiceNumber(ctx)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	amount := money.MustFromMajor(copay)
	err = f.history.SaveInvoice(ctx, &Invoice{
		ID:              uuid.New(),
		Number:          number,
		PatientID:       patientID,
		Year:            year,
		TotalCost:       amount,
		CopaymentAmount: amount,
		Status:          status,
		CreatedAt:       testNow.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// -- CalculateCharge --

func TestCalculateCharge_StandardCopayment(t *testing.T) {
	f := newServiceFixture()
	res, err := f.svc.CalculateCharge(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CopaymentAmount.Cmp(money.MustFromMajor(50000)) != 0 {
		t.Errorf("expected copayment 50000.00, got %s", res.CopaymentAmount)
	}
	if res.CopaymentLimitExceeded {
		t.Error("expected limit not exceeded")
	}
	if res.Message != MessageStandardCopayment {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestCalculateCharge_NoPolicy(t *testing.T) {
	f := newServiceFixture()
	res, err := f.svc.CalculateCharge(context.Background(), f.uninsured, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.RequiresFullPayment || res.CopaymentAmount.Cmp(money.MustFromMajor(200000)) != 0 {
		t.Errorf("expected full payment, got %+v", res)
	}
	if res.Message != MessageNoActivePolicy {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestCalculateCharge_LimitReached(t *testing.T) {
	f := newServiceFixture()
	f.seed(t, f.active, 2026, 1000000, InvoicePending)

	res, err := f.svc.CalculateCharge(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.CopaymentAmount.IsZero() {
		t.Errorf("expected zero copayment, got %s", res.CopaymentAmount)
	}
	if !res.CopaymentLimitExceeded {
		t.Error("expected limit exceeded")
	}
	if res.Message != MessageAnnualLimitReached {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestCalculateCharge_Prorated(t *testing.T) {
	f := newServiceFixture()
	f.seed(t, f.active, 2026, 970000, InvoicePending)
	// Other years never count.
	f.seed(t, f.active, 2025, 1000000, InvoicePending)

	res, err := f.svc.CalculateCharge(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CopaymentAmount.Cmp(money.MustFromMajor(30000)) != 0 {
		t.Errorf("expected copayment 30000.00, got %s", res.CopaymentAmount)
	}
	if res.InsuranceCoverageAmount.Cmp(money.MustFromMajor(170000)) != 0 {
		t.Errorf("expected coverage 170000.00, got %s", res.InsuranceCoverageAmount)
	}
	if res.Message != MessageStandardCopayment {
		t.Errorf("unexpected message %q", res.Message)
	}
}

func TestCalculateCharge_DoesNotPersist(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	first, err := f.svc.CalculateCharge(ctx, f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := f.svc.CalculateCharge(ctx, f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Errorf("expected identical results, got %+v and %+v", first, second)
	}
	totals, _ := f.svc.GetYearTotals(ctx, f.active, 2026)
	if totals.InvoiceCount != 0 {
		t.Errorf("expected no invoices, got %d", totals.InvoiceCount)
	}
}

func TestCalculateCharge_ZeroTotal(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.CalculateCharge(context.Background(), f.active, money.Zero)
	if !errors.Is(err, ErrInvalidChargeAmount) {
		t.Errorf("expected ErrInvalidChargeAmount, got %v", err)
	}
}

func TestCalculateCharge_UnknownPatient(t *testing.T) {
	f := newServiceFixture()
	_, err := f.svc.CalculateCharge(context.Background(), uuid.New(), money.MustFromMajor(100))
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestCalculateCharge_DirectoryUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	svc := NewService(failingDirectory{err: cause}, NewHistoryStoreMemory("INV"), NewCalculator(testPolicy()))

	_, err := svc.CalculateCharge(context.Background(), uuid.New(), money.MustFromMajor(100000))
	if !errors.Is(err, ErrCollaboratorUnavailable) {
		t.Fatalf("expected ErrCollaboratorUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected error to unwrap to the cause, got %v", err)
	}
	if errors.Is(err, ErrPatientNotFound) {
		t.Error("outage must not look like an unknown patient")
	}
}

func TestCalculateCharge_HistoryUnavailable(t *testing.T) {
	f := newServiceFixture()
	history := &flakyHistory{HistoryStore: f.history, accumulatedErr: errors.New("timeout")}
	svc := NewService(f.directory, history, NewCalculator(testPolicy()))

	_, err := svc.CalculateCharge(context.Background(), f.active, money.MustFromMajor(100000))
	var ce *CollaboratorError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CollaboratorError, got %v", err)
	}
	if ce.Collaborator != collabHistory {
		t.Errorf("expected collaborator %q, got %q", collabHistory, ce.Collaborator)
	}
}

// -- GenerateInvoice --

func TestGenerateInvoice(t *testing.T) {
	f := newServiceFixture()
	inv, err := f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Number != "INV-00000001" {
		t.Errorf("expected INV-00000001, got %s", inv.Number)
	}
	if inv.Status != InvoicePending {
		t.Errorf("expected pending, got %s", inv.Status)
	}
	if inv.Year != 2026 {
		t.Errorf("expected year 2026, got %d", inv.Year)
	}
	if !inv.BillingDate.Equal(testNow) {
		t.Errorf("expected billing date %v, got %v", testNow, inv.BillingDate)
	}
	if want := testNow.AddDate(0, 0, DefaultInvoiceDueDays); !inv.DueDate.Equal(want) {
		t.Errorf("expected due date %v, got %v", want, inv.DueDate)
	}

	totals, err := f.svc.GetYearTotals(context.Background(), f.active, 2026)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if totals.TotalCopayment.Cmp(money.MustFromMajor(50000)) != 0 || totals.InvoiceCount != 1 {
		t.Errorf("unexpected totals %+v", totals)
	}
}

func TestGenerateInvoice_YearMatchesBillingDate(t *testing.T) {
	f := newServiceFixture()
	// Each clock read moves past midnight on New Year's Eve.
	ticks := []time.Time{
		time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2027, 1, 1, 0, 0, 1, 0, time.UTC),
	}
	var mu sync.Mutex
	f.svc.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := ticks[0]
		if len(ticks) > 1 {
			ticks = ticks[1:]
		}
		return now
	})

	inv, err := f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.Year != 2026 || inv.BillingDate.Year() != 2026 {
		t.Errorf("expected year 2026 with a 2026 billing date, got year %d billed %v", inv.Year, inv.BillingDate)
	}
}

func TestGenerateInvoice_UnknownPatient(t *testing.T) {
	f := newServiceFixture()
	history := &flakyHistory{HistoryStore: f.history}
	svc := NewService(f.directory, history, NewCalculator(testPolicy()))

	_, err := svc.GenerateInvoice(context.Background(), uuid.New(), money.MustFromMajor(200000))
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	if history.saves != 0 {
		t.Errorf("expected no invoice persisted, got %d saves", history.saves)
	}
}

func TestGenerateInvoice_InvariantViolationPersistsNothing(t *testing.T) {
	f := newServiceFixture()
	history := &flakyHistory{HistoryStore: f.history}
	svc := NewService(f.directory, history, NewCalculator(testPolicy()))

	_, err := svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(100))
	var violation *InvariantViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if history.saves != 0 {
		t.Errorf("expected no invoice persisted, got %d saves", history.saves)
	}
}

func TestGenerateInvoice_SaveFails(t *testing.T) {
	f := newServiceFixture()
	history := &flakyHistory{HistoryStore: f.history, saveErr: errors.New("disk full")}
	svc := NewService(f.directory, history, NewCalculator(testPolicy()))

	_, err := svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
	if !errors.Is(err, ErrCollaboratorUnavailable) {
		t.Errorf("expected ErrCollaboratorUnavailable, got %v", err)
	}
}

func TestGenerateInvoice_CancelledInvoicesDoNotAccumulate(t *testing.T) {
	f := newServiceFixture()
	f.seed(t, f.active, 2026, 1000000, InvoiceCancelled)

	inv, err := f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inv.CopaymentAmount.Cmp(money.MustFromMajor(50000)) != 0 {
		t.Errorf("expected standard copayment, got %s", inv.CopaymentAmount)
	}
}

func TestGenerateInvoice_ConcurrentSamePatientYear(t *testing.T) {
	f := newServiceFixture()
	f.seed(t, f.active, 2026, 970000, InvoicePending)

	var wg sync.WaitGroup
	results := make([]*Invoice, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	copays := []int64{results[0].CopaymentAmount.Minor(), results[1].CopaymentAmount.Minor()}
	sort.Slice(copays, func(i, j int) bool { return copays[i] < copays[j] })
	if copays[0] != 0 || copays[1] != money.MustFromMajor(30000).Minor() {
		t.Errorf("expected copayments {0, 30000.00}, got %v", copays)
	}

	acc, err := f.history.GetAccumulatedPatientResponsibility(context.Background(), f.active, 2026)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.Cmp(money.MustFromMajor(1000000)) != 0 {
		t.Errorf("expected accumulation to stop at the ceiling, got %s", acc)
	}
}

func TestGenerateInvoice_ManyConcurrentNeverExceedCeiling(t *testing.T) {
	f := newServiceFixture()
	other := uuid.New()
	f.directory.Put(other, InsuranceActive)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			patient := f.active
			if i%2 == 1 {
				patient = other
			}
			if _, err := f.svc.GenerateInvoice(context.Background(), patient, money.MustFromMajor(70000)); err != nil {
				t.Errorf("GenerateInvoice: %v", err)
			}
		}(i)
	}
	wg.Wait()

	for _, p := range []uuid.UUID{f.active, other} {
		totals, err := f.svc.GetYearTotals(context.Background(), p, 2026)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if totals.TotalCopayment.Cmp(money.MustFromMajor(1000000)) != 0 {
			t.Errorf("patient %s: expected 1000000.00, got %s", p, totals.TotalCopayment)
		}
		if totals.InvoiceCount != 30 {
			t.Errorf("patient %s: expected 30 invoices, got %d", p, totals.InvoiceCount)
		}
	}
}

func TestGenerateInvoice_Publishes(t *testing.T) {
	f := newServiceFixture()
	pub := &recordingPublisher{}
	f.svc.SetPublisher(pub)

	inv, err := f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.invoices) != 1 || pub.invoices[0].Number != inv.Number {
		t.Errorf("expected invoice %s published, got %v", inv.Number, pub.invoices)
	}
}

func TestGenerateInvoice_PublishFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture()
	f.svc.SetPublisher(&recordingPublisher{err: errors.New("broker down")})

	if _, err := f.svc.GenerateInvoice(context.Background(), f.active, money.MustFromMajor(200000)); err != nil {
		t.Errorf("expected publish failure to be ignored, got %v", err)
	}
}

func TestGenerateInvoice_CancelledContext(t *testing.T) {
	f := newServiceFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.svc.GenerateInvoice(ctx, f.active, money.MustFromMajor(200000)); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// -- Invoice lifecycle --

func TestUpdateInvoiceStatus(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	inv, err := f.svc.GenerateInvoice(ctx, f.active, money.MustFromMajor(200000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updated, err := f.svc.UpdateInvoiceStatus(ctx, inv.Number, InvoicePaid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != InvoicePaid {
		t.Errorf("expected paid, got %s", updated.Status)
	}
	if _, err := f.svc.UpdateInvoiceStatus(ctx, inv.Number, InvoiceCancelled); !errors.Is(err, ErrInvalidStatusTransition) {
		t.Errorf("expected ErrInvalidStatusTransition, got %v", err)
	}
	if _, err := f.svc.UpdateInvoiceStatus(ctx, "INV-404", InvoicePaid); !errors.Is(err, ErrInvoiceNotFound) {
		t.Errorf("expected ErrInvoiceNotFound, got %v", err)
	}
}

func TestListInvoices(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.GenerateInvoice(ctx, f.active, money.MustFromMajor(100000)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	f.seed(t, f.active, 2025, 1000, InvoicePaid)

	items, total, err := f.svc.ListInvoices(ctx, f.active, 2026, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 3 total / 2 items, got %d / %d", total, len(items))
	}
	if items[0].Number != "INV-00000003" {
		t.Errorf("expected newest first, got %s", items[0].Number)
	}

	_, total, err = f.svc.ListInvoices(ctx, f.active, 0, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 4 {
		t.Errorf("expected 4 invoices across years, got %d", total)
	}
}
