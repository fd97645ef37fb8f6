package sandbox

import (
	"context"
	"testing"

	"github.com/clinic/billing/internal/domain/billing"
	"github.com/clinic/billing/pkg/money"
)

func newBackend() (*billing.MemoryDirectory, *billing.Service) {
	dir := billing.NewPatientDirectoryMemory(nil)
	svc := billing.NewService(dir, billing.NewHistoryStoreMemory("DEMO"), billing.NewCalculator(billing.CopaymentPolicy{
		StandardCopaymentAmount: money.MustFromMajor(50000),
		MaximumAnnualCopayment:  money.MustFromMajor(1000000),
	}))
	return dir, svc
}

func TestSeeder_Generate(t *testing.T) {
	dir, svc := newBackend()
	cfg := SeedConfig{PatientCount: 20, InvoicesPerPatient: 3, Seed: 42}

	result, err := NewSeeder(cfg, dir, svc).Generate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Patients) != 20 {
		t.Fatalf("expected 20 patients, got %d", len(result.Patients))
	}
	if result.Invoices != 60 {
		t.Errorf("expected 60 invoices, got %d", result.Invoices)
	}

	ctx := context.Background()
	for _, p := range result.Patients {
		status, err := dir.GetInsuranceStatus(ctx, p.ID)
		if err != nil {
			t.Fatalf("patient %s not stored: %v", p.ID, err)
		}
		if status != p.Status {
			t.Errorf("patient %s: expected %s, got %s", p.ID, p.Status, status)
		}
		totals, err := svc.GetYearTotals(ctx, p.ID, svc.CurrentYear())
		if err != nil {
			t.Fatalf("totals: %v", err)
		}
		if totals.InvoiceCount != 3 {
			t.Errorf("patient %s: expected 3 invoices, got %d", p.ID, totals.InvoiceCount)
		}
		if p.Status == billing.InsuranceActive && totals.TotalCopayment.Cmp(money.MustFromMajor(150000)) != 0 {
			t.Errorf("active patient %s: expected 150000.00 copayment, got %s", p.ID, totals.TotalCopayment)
		}
	}
}

func TestSeeder_Reproducible(t *testing.T) {
	cfg := SeedConfig{PatientCount: 5, Seed: 7}

	dirA, svcA := newBackend()
	a, err := NewSeeder(cfg, dirA, svcA).Generate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dirB, svcB := newBackend()
	b, err := NewSeeder(cfg, dirB, svcB).Generate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range a.Patients {
		if a.Patients[i].ID != b.Patients[i].ID || a.Patients[i].Status != b.Patients[i].Status {
			t.Errorf("patient %d differs between runs with the same seed", i)
		}
	}
}

func TestSeeder_MixesStatuses(t *testing.T) {
	dir, svc := newBackend()
	result, err := NewSeeder(SeedConfig{PatientCount: 200, Seed: 3}, dir, svc).Generate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[billing.InsuranceStatus]int{}
	for _, p := range result.Patients {
		seen[p.Status]++
	}
	for _, st := range []billing.InsuranceStatus{billing.InsuranceActive, billing.InsuranceNone, billing.InsuranceInactive} {
		if seen[st] == 0 {
			t.Errorf("expected at least one %s patient in 200", st)
		}
	}
}

func TestDefaultSeedConfig(t *testing.T) {
	cfg := DefaultSeedConfig()
	if cfg.PatientCount <= 0 || cfg.Seed == 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
