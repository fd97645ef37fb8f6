package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/billing/internal/platform/db"
	"github.com/clinic/billing/pkg/money"
)

// =========== History Store ===========

type historyStorePG struct {
	pool   *pgxpool.Pool
	prefix string
}

// NewHistoryStorePG returns a HistoryStore on the invoice table. WithYearLock
// holds a transaction-scoped advisory lock so the lock also serializes
// writers running in other processes.
func NewHistoryStorePG(pool *pgxpool.Pool, numberPrefix string) HistoryStore {
	return &historyStorePG{pool: pool, prefix: numberPrefix}
}

func (r *historyStorePG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

func (r *historyStorePG) WithYearLock(ctx context.Context, patientID uuid.UUID, year Year, fn func(ctx context.Context) error) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		key := fmt.Sprintf("billing:%s:%d", patientID, year)
		if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("acquire year lock: %w", err)
		}
		return fn(ctx)
	})
}

func (r *historyStorePG) GetAccumulatedPatientResponsibility(ctx context.Context, patientID uuid.UUID, year Year) (money.Money, error) {
	t, err := r.GetYearTotals(ctx, patientID, year)
	if err != nil {
		return money.Zero, err
	}
	return t.TotalCopayment, nil
}

func (r *historyStorePG) GetYearTotals(ctx context.Context, patientID uuid.UUID, year Year) (AccumulatedYearTotals, error) {
	var billed, copay, coverage int64
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(total_cost_minor), 0)::BIGINT, COALESCE(SUM(copayment_minor), 0)::BIGINT,
			COALESCE(SUM(coverage_minor), 0)::BIGINT, COUNT(*)
		FROM invoice
		WHERE patient_id = $1 AND year = $2 AND status <> $3`,
		patientID, int(year), string(InvoiceCancelled)).Scan(&billed, &copay, &coverage, &count)
	if err != nil {
		return AccumulatedYearTotals{}, err
	}

	t := AccumulatedYearTotals{PatientID: patientID, Year: year, InvoiceCount: count}
	if t.TotalBilled, err = money.FromMinor(billed); err != nil {
		return AccumulatedYearTotals{}, err
	}
	if t.TotalCopayment, err = money.FromMinor(copay); err != nil {
		return AccumulatedYearTotals{}, err
	}
	if t.TotalCoverage, err = money.FromMinor(coverage); err != nil {
		return AccumulatedYearTotals{}, err
	}
	return t, nil
}

func (r *historyStorePG) AllocateInvoiceNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := r.conn(ctx).QueryRow(ctx, `SELECT nextval('invoice_number_seq')`).Scan(&seq); err != nil {
		return "", err
	}
	return formatInvoiceNumber(r.prefix, seq), nil
}

const invoiceCols = `id, number, patient_id, year, total_cost_minor, copayment_minor, coverage_minor,
	requires_full_payment, status, billing_date, due_date, created_at, updated_at`

func (r *historyStorePG) scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var year int
	var total, copay, coverage int64
	err := row.Scan(&inv.ID, &inv.Number, &inv.PatientID, &year, &total, &copay, &coverage,
		&inv.RequiresFullPayment, &inv.Status, &inv.BillingDate, &inv.DueDate, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Year = Year(year)
	if inv.TotalCost, err = money.FromMinor(total); err != nil {
		return nil, err
	}
	if inv.CopaymentAmount, err = money.FromMinor(copay); err != nil {
		return nil, err
	}
	if inv.InsuranceCoverageAmount, err = money.FromMinor(coverage); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *historyStorePG) SaveInvoice(ctx context.Context, inv *Invoice) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO invoice (`+invoiceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		inv.ID, inv.Number, inv.PatientID, int(inv.Year),
		inv.TotalCost.Minor(), inv.CopaymentAmount.Minor(), inv.InsuranceCoverageAmount.Minor(),
		inv.RequiresFullPayment, string(inv.Status), inv.BillingDate, inv.DueDate, inv.CreatedAt, inv.UpdatedAt)
	return err
}

func (r *historyStorePG) GetInvoice(ctx context.Context, number string) (*Invoice, error) {
	inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoice WHERE number = $1`, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (r *historyStorePG) ListInvoices(ctx context.Context, patientID uuid.UUID, year Year, limit, offset int) ([]*Invoice, int, error) {
	where := `WHERE patient_id = $1 AND ($2 = 0 OR year = $2)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM invoice `+where, patientID, int(year)).Scan(&total); err != nil {
		return nil, 0, err
	}

	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+invoiceCols+` FROM invoice `+where+`
		ORDER BY created_at DESC, number DESC LIMIT $3 OFFSET $4`,
		patientID, int(year), limitArg, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Invoice{}
	for rows.Next() {
		inv, err := r.scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

// UpdateInvoiceStatus reads the invoice FOR UPDATE so the transition check and
// the write see the same row version.
func (r *historyStorePG) UpdateInvoiceStatus(ctx context.Context, number string, status InvoiceStatus) (*Invoice, error) {
	var out *Invoice
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		inv, err := r.scanInvoice(r.conn(ctx).QueryRow(ctx,
			`SELECT `+invoiceCols+` FROM invoice WHERE number = $1 FOR UPDATE`, number))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return err
		}
		if !inv.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, inv.Status, status)
		}
		out, err = r.scanInvoice(r.conn(ctx).QueryRow(ctx, `
			UPDATE invoice SET status = $2, updated_at = NOW()
			WHERE number = $1
			RETURNING `+invoiceCols, number, string(status)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =========== Patient Directory ===========

type patientDirectoryPG struct{ pool *pgxpool.Pool }

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

func (d *patientDirectoryPG) GetInsuranceStatus(ctx context.Context, patientID uuid.UUID) (InsuranceStatus, error) {
	var raw string
	err := db.Conn(ctx, d.pool).QueryRow(ctx, `SELECT insurance_status FROM patient WHERE id = $1`, patientID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrPatientNotFound
	}
	if err != nil {
		return "", err
	}
	return ParseInsuranceStatus(raw)
}

// UpsertPatientPG records a patient's insurance status. Used by seeding and tests.
func UpsertPatientPG(ctx context.Context, pool *pgxpool.Pool, patientID uuid.UUID, status InsuranceStatus) error {
	_, err := db.Conn(ctx, pool).Exec(ctx, `
		INSERT INTO patient (id, insurance_status) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET insurance_status = EXCLUDED.insurance_status, updated_at = NOW()`,
		patientID, string(status))
	return err
}
