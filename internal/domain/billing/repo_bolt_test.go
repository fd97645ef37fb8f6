package billing

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/clinic/billing/pkg/money"
)

var _ = Describe("BoltStore", func() {
	var (
		ctx     context.Context
		store   *BoltStore
		patient uuid.UUID
	)

	newInvoice := func(number string, year Year, copay int64, status InvoiceStatus) *Invoice {
		amount := money.MustFromMajor(copay)
		return &Invoice{
			ID:              uuid.New(),
			Number:          number,
			PatientID:       patient,
			Year:            year,
			TotalCost:       amount,
			CopaymentAmount: amount,
			Status:          status,
			CreatedAt:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		patient = uuid.New()
		var err error
		store, err = NewBoltStore(filepath.Join(GinkgoT().TempDir(), "billing.db"), "INV")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	Describe("AllocateInvoiceNumber", func() {
		It("hands out increasing numbers", func() {
			first, err := store.AllocateInvoiceNumber(ctx)
			Expect(err).NotTo(HaveOccurred())
			second, err := store.AllocateInvoiceNumber(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).To(Equal("INV-00000001"))
			Expect(second).To(Equal("INV-00000002"))
		})
	})

	Describe("SaveInvoice", func() {
		It("round trips the invoice", func() {
			inv := newInvoice("INV-00000007", 2026, 50000, InvoicePending)
			Expect(store.SaveInvoice(ctx, inv)).To(Succeed())

			got, err := store.GetInvoice(ctx, "INV-00000007")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.PatientID).To(Equal(patient))
			Expect(got.CopaymentAmount.Cmp(money.MustFromMajor(50000))).To(Equal(0))
			Expect(got.Year).To(Equal(Year(2026)))
		})

		It("rejects a duplicate number", func() {
			Expect(store.SaveInvoice(ctx, newInvoice("INV-1", 2026, 10, InvoicePending))).To(Succeed())
			Expect(store.SaveInvoice(ctx, newInvoice("INV-1", 2026, 10, InvoicePending))).NotTo(Succeed())
		})
	})

	Describe("GetInvoice", func() {
		When("the invoice does not exist", func() {
			It("returns ErrInvoiceNotFound", func() {
				_, err := store.GetInvoice(ctx, "INV-404")
				Expect(err).To(MatchError(ErrInvoiceNotFound))
			})
		})
	})

	Describe("GetYearTotals", func() {
		BeforeEach(func() {
			Expect(store.SaveInvoice(ctx, newInvoice("INV-1", 2026, 50000, InvoicePending))).To(Succeed())
			Expect(store.SaveInvoice(ctx, newInvoice("INV-2", 2026, 30000, InvoicePaid))).To(Succeed())
			Expect(store.SaveInvoice(ctx, newInvoice("INV-3", 2026, 90000, InvoiceCancelled))).To(Succeed())
			Expect(store.SaveInvoice(ctx, newInvoice("INV-4", 2025, 70000, InvoicePaid))).To(Succeed())
		})

		It("sums only non-cancelled invoices of the year", func() {
			totals, err := store.GetYearTotals(ctx, patient, 2026)
			Expect(err).NotTo(HaveOccurred())
			Expect(totals.InvoiceCount).To(Equal(2))
			Expect(totals.TotalCopayment.Cmp(money.MustFromMajor(80000))).To(Equal(0))

			acc, err := store.GetAccumulatedPatientResponsibility(ctx, patient, 2025)
			Expect(err).NotTo(HaveOccurred())
			Expect(acc.Cmp(money.MustFromMajor(70000))).To(Equal(0))
		})

		It("lists invoices per year with pagination", func() {
			items, total, err := store.ListInvoices(ctx, patient, 2026, 2, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(items).To(HaveLen(2))
			Expect(items[0].Number).To(Equal("INV-2"))
		})
	})

	Describe("UpdateInvoiceStatus", func() {
		BeforeEach(func() {
			Expect(store.SaveInvoice(ctx, newInvoice("INV-1", 2026, 50000, InvoicePending))).To(Succeed())
		})

		It("moves a pending invoice to paid", func() {
			inv, err := store.UpdateInvoiceStatus(ctx, "INV-1", InvoicePaid)
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.Status).To(Equal(InvoicePaid))
		})

		It("refuses to reopen a cancelled invoice", func() {
			_, err := store.UpdateInvoiceStatus(ctx, "INV-1", InvoiceCancelled)
			Expect(err).NotTo(HaveOccurred())
			_, err = store.UpdateInvoiceStatus(ctx, "INV-1", InvoicePending)
			Expect(err).To(MatchError(ErrInvalidStatusTransition))
		})
	})

	Describe("as the backing store of the service", func() {
		var svc *Service

		BeforeEach(func() {
			Expect(store.PutPatient(ctx, patient, InsuranceActive)).To(Succeed())
			svc = NewService(store, store, NewCalculator(testPolicy()))
			svc.SetClock(func() time.Time { return testNow })
		})

		It("reports unknown patients", func() {
			_, err := svc.GenerateInvoice(ctx, uuid.New(), money.MustFromMajor(200000))
			Expect(err).To(MatchError(ErrPatientNotFound))
		})

		It("serializes concurrent invoices at the annual ceiling", func() {
			Expect(store.SaveInvoice(ctx, newInvoice("SEED-1", 2026, 970000, InvoicePending))).To(Succeed())

			var wg sync.WaitGroup
			copays := make(chan money.Money, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					inv, err := svc.GenerateInvoice(ctx, patient, money.MustFromMajor(200000))
					Expect(err).NotTo(HaveOccurred())
					copays <- inv.CopaymentAmount
				}()
			}
			wg.Wait()
			close(copays)

			var got []string
			for c := range copays {
				got = append(got, c.String())
			}
			Expect(got).To(ConsistOf("30000.00", "0.00"))
		})
	})
})
