// Package sandbox seeds reproducible demo patients and invoices into an
// in-memory billing backend for local development and UI demos.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/billing/internal/domain/billing"
	"github.com/clinic/billing/pkg/money"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated demo data.
type SeedConfig struct {
	PatientCount       int
	InvoicesPerPatient int
	Seed               int64
}

// DefaultSeedConfig returns a small data set suited to a developer laptop.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:       10,
		InvoicesPerPatient: 2,
		Seed:               1,
	}
}

// PatientWriter records a patient's insurance status.
type PatientWriter interface {
	Put(patientID uuid.UUID, status billing.InsuranceStatus)
}

// InvoiceGenerator creates invoices for seeded patients.
type InvoiceGenerator interface {
	GenerateInvoice(ctx context.Context, patientID uuid.UUID, totalCost money.Money) (*billing.Invoice, error)
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// SeededPatient is one generated patient.
type SeededPatient struct {
	ID       uuid.UUID
	Status   billing.InsuranceStatus
	Invoices []string
}

// SeedResult summarises a Generate run.
type SeedResult struct {
	Patients []SeededPatient
	Invoices int
	Duration time.Duration
}

type Seeder struct {
	config    SeedConfig
	rng       *rand.Rand
	directory PatientWriter
	invoices  InvoiceGenerator
}

// NewSeeder returns a seeder. If config.Seed is 0 a time-based seed is chosen.
func NewSeeder(config SeedConfig, directory PatientWriter, invoices InvoiceGenerator) *Seeder {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{
		config:    config,
		rng:       rand.New(rand.NewSource(seed)),
		directory: directory,
		invoices:  invoices,
	}
}

// pickStatus draws roughly 60% active, 25% none and 15% inactive.
func (s *Seeder) pickStatus() billing.InsuranceStatus {
	switch n := s.rng.Intn(100); {
	case n < 60:
		return billing.InsuranceActive
	case n < 85:
		return billing.InsuranceNone
	default:
		return billing.InsuranceInactive
	}
}

// pickCost returns a charge between 100000.00 and 800000.00 in whole
// hundred-thousands.
func (s *Seeder) pickCost() money.Money {
	return money.MustFromMajor(int64(1+s.rng.Intn(8)) * 100000)
}

// Generate creates the configured patients and their invoices.
func (s *Seeder) Generate(ctx context.Context) (*SeedResult, error) {
	start := time.Now()
	result := &SeedResult{}

	for i := 0; i < s.config.PatientCount; i++ {
		id, err := uuid.NewRandomFromReader(s.rng)
		if err != nil {
			return nil, fmt.Errorf("generate patient id: %w", err)
		}
		p := SeededPatient{ID: id, Status: s.pickStatus()}
		s.directory.Put(p.ID, p.Status)

		for j := 0; j < s.config.InvoicesPerPatient; j++ {
			inv, err := s.invoices.GenerateInvoice(ctx, p.ID, s.pickCost())
			if err != nil {
				return nil, fmt.Errorf("seed invoice for %s: %w", p.ID, err)
			}
			p.Invoices = append(p.Invoices, inv.Number)
			result.Invoices++
		}
		result.Patients = append(result.Patients, p)
	}

	result.Duration = time.Since(start)
	return result, nil
}
