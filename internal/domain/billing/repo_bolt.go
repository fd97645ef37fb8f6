package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/clinic/billing/pkg/money"
)

var (
	invoiceBucket  = []byte("invoices")
	patientBucket  = []byte("patients")
	sequenceBucket = []byte("invoice_numbers")
)

// BoltStore keeps invoices and patients in a single bbolt file. It serves as
// both HistoryStore and PatientDirectory for single-node deployments.
type BoltStore struct {
	db     *bbolt.DB
	prefix string
}

type boltTxKey struct{}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path, numberPrefix string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{invoiceBucket, patientBucket, sequenceBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db, prefix: numberPrefix}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// view runs fn in the write transaction carried by ctx, or in a fresh
// read-only one.
func (s *BoltStore) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := ctx.Value(boltTxKey{}).(*bbolt.Tx); ok {
		return fn(tx)
	}
	return s.db.View(fn)
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx, ok := ctx.Value(boltTxKey{}).(*bbolt.Tx); ok {
		return fn(tx)
	}
	return s.db.Update(fn)
}

// WithYearLock runs fn inside one read-write transaction. bbolt allows a
// single writer, so this serializes every (patient, year) pair, not only the
// one requested.
func (s *BoltStore) WithYearLock(ctx context.Context, _ uuid.UUID, _ Year, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(boltTxKey{}).(*bbolt.Tx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(context.WithValue(ctx, boltTxKey{}, tx))
	})
}

func (s *BoltStore) patientInvoices(tx *bbolt.Tx, patientID uuid.UUID) ([]*Invoice, error) {
	var out []*Invoice
	err := tx.Bucket(invoiceBucket).ForEach(func(_, v []byte) error {
		var inv Invoice
		if err := json.Unmarshal(v, &inv); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}
		if inv.PatientID == patientID {
			out = append(out, &inv)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) GetAccumulatedPatientResponsibility(ctx context.Context, patientID uuid.UUID, year Year) (money.Money, error) {
	t, err := s.GetYearTotals(ctx, patientID, year)
	if err != nil {
		return money.Zero, err
	}
	return t.TotalCopayment, nil
}

func (s *BoltStore) GetYearTotals(ctx context.Context, patientID uuid.UUID, year Year) (AccumulatedYearTotals, error) {
	var totals AccumulatedYearTotals
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		invoices, err := s.patientInvoices(tx, patientID)
		if err != nil {
			return err
		}
		totals, err = accumulate(patientID, year, invoices)
		return err
	})
	return totals, err
}

func (s *BoltStore) AllocateInvoiceNumber(ctx context.Context) (string, error) {
	var number string
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(sequenceBucket).NextSequence()
		if err != nil {
			return err
		}
		number = formatInvoiceNumber(s.prefix, int64(seq))
		return nil
	})
	return number, err
}

func (s *BoltStore) SaveInvoice(ctx context.Context, inv *Invoice) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(invoiceBucket)
		if b.Get([]byte(inv.Number)) != nil {
			return fmt.Errorf("invoice %s already exists", inv.Number)
		}
		data, err := json.Marshal(inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return b.Put([]byte(inv.Number), data)
	})
}

func (s *BoltStore) GetInvoice(ctx context.Context, number string) (*Invoice, error) {
	var inv *Invoice
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(invoiceBucket).Get([]byte(number))
		if data == nil {
			return ErrInvoiceNotFound
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *BoltStore) ListInvoices(ctx context.Context, patientID uuid.UUID, year Year, limit, offset int) ([]*Invoice, int, error) {
	var items []*Invoice
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		invoices, err := s.patientInvoices(tx, patientID)
		if err != nil {
			return err
		}
		for _, inv := range invoices {
			if year == 0 || inv.Year == year {
				items = append(items, inv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
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

func (s *BoltStore) UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) (*Invoice, error) {
	var inv Invoice
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(invoiceBucket)
		data := b.Get([]byte(number))
		if data == nil {
			return ErrInvoiceNotFound
		}
		if err := json.Unmarshal(data, &inv); err != nil {
			return fmt.Errorf("unmarshaling invoice: %w", err)
		}
		if !inv.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, inv.Status, status)
		}
		inv.Status = status
		inv.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&inv)
		if err != nil {
			return fmt.Errorf("marshaling invoice: %w", err)
		}
		return b.Put([]byte(number), out)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// PutPatient records a patient's insurance status.
func (s *BoltStore) PutPatient(ctx context.Context, patientID uuid.UUID, status InsuranceStatus) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(patientBucket).Put([]byte(patientID.String()), []byte(status))
	})
}

func (s *BoltStore) GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	var status InsuranceStatus
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(patientBucket).Get([]byte(patientID.String()))
		if data == nil {
			return ErrPatientNotFound
		}
		st, err := ParseInsuranceStatus(string(data))
		status = st
		return err
	})
	return status, err
}
