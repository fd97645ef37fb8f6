package billing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/billing/pkg/money"
)

type yearKey struct {
	patientID uuid.UUID
	year      Year
}

// keyedMutex hands out one mutex per (patient, year); distinct keys never contend.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[yearKey]*sync.Mutex
}

func (k *keyedMutex) get(key yearKey) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[yearKey]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}

// lockContext acquires l or gives up when ctx is done.
func lockContext(ctx context.Context, l *sync.Mutex) error {
	acquired := make(chan struct{})
	go func() {
		l.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			l.Unlock()
		}()
		return ctx.Err()
	}
}

type historyStoreMemory struct {
	locks    keyedMutex
	mu       sync.RWMutex
	invoices map[string]*Invoice
	seq      atomic.Int64
	prefix   string
}

// NewHistoryStoreMemory returns a process-local HistoryStore, used by the
// sandbox driver and in tests.
func NewHistoryStoreMemory(numberPrefix string) HistoryStore {
	return &historyStoreMemory{invoices: make(map[string]*Invoice), prefix: numberPrefix}
}

func (s *historyStoreMemory) WithYearLock(ctx context.Context, patientID uuid.UUID, year Year, fn func(ctx context.Context) error) error {
	l := s.locks.get(yearKey{patientID: patientID, year: year})
	if err := lockContext(ctx, l); err != nil {
		return err
	}
	defer l.Unlock()
	return fn(ctx)
}

func (s *historyStoreMemory) snapshot(patientID uuid.UUID) []*Invoice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Invoice
	for _, inv := range s.invoices {
		if inv.PatientID == patientID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out
}

func (s *historyStoreMemory) GetAccumulatedPatientResponsibility(ctx context.Context, patientID uuid.UUID, year Year) (money.Money, error) {
	t, err := s.GetYearTotals(ctx, patientID, year)
	if err != nil {
		return money.Zero, err
	}
	return t.TotalCopayment, nil
}

func (s *historyStoreMemory) GetYearTotals(ctx context.Context, patientID uuid.UUID, year Year) (AccumulatedYearTotals, error) {
	if err := ctx.Err(); err != nil {
		return AccumulatedYearTotals{}, err
	}
	return accumulate(patientID, year, s.snapshot(patientID))
}

func (s *historyStoreMemory) AllocateInvoiceNumber(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return formatInvoiceNumber(s.prefix, s.seq.Add(1)), nil
}

func (s *historyStoreMemory) SaveInvoice(ctx context.Context, inv *Invoice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.Number]; exists {
		return fmt.Errorf("invoice %s already exists", inv.Number)
	}
	cp := *inv
	s.invoices[inv.Number] = &cp
	return nil
}

func (s *historyStoreMemory) GetInvoice(ctx context.Context, number string) (*Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[number]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *historyStoreMemory) ListInvoices(ctx context.Context, patientID uuid.UUID, year Year, limit, offset int) ([]*Invoice, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	var items []*Invoice
	for _, inv := range s.snapshot(patientID) {
		if year != 0 && inv.Year != year {
			continue
		}
		items = append(items, inv)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].Number > items[j].Number
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	total := len(items)
	if offset >= total {
		return []*Invoice{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return items[offset:end], total, nil
}

func (s *historyStoreMemory) UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) (*Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[number]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if !inv.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, inv.Status, status)
	}
	inv.Status = status
	inv.UpdatedAt = time.Now().UTC()
	cp := *inv
	return &cp, nil
}

// formatInvoiceNumber renders a sequence value as e.g. INV-00000042.
func formatInvoiceNumber(prefix string, seq int64) string {
	if prefix == "" {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%08d", prefix, seq)
}

// MemoryDirectory is a PatientDirectory backed by a map.
type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]InsuranceStatus
}

// NewPatientDirectoryMemory returns a directory seeded with the given patients.
func NewPatientDirectoryMemory(patients map[uuid.UUID]InsuranceStatus) *MemoryDirectory {
	d := &MemoryDirectory{patients: make(map[uuid.UUID]InsuranceStatus, len(patients))}
	for id, st := range patients {
		d.patients[id] = st
	}
	return d
}

func (d *MemoryDirectory) Put(patientID uuid.UUID, status InsuranceStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patients[patientID] = status
}

func (d *MemoryDirectory) GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.patients[patientID]
	if !ok {
		return "", ErrPatientNotFound
	}
	return st, nil
}
