package billing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/clinic/billing/pkg/money"
)

func TestExportInvoicesParquet(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.svc.GenerateInvoice(ctx, f.active, money.MustFromMajor(200000)); err != nil {
			t.Fatalf("GenerateInvoice: %v", err)
		}
	}
	f.seed(t, f.active, 2025, 1000, InvoicePaid)

	var buf bytes.Buffer
	n, err := f.svc.ExportInvoicesParquet(ctx, &buf, f.active, 2026)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows written, got %d", n)
	}

	reader := parquet.NewGenericReader[InvoiceRow](bytes.NewReader(buf.Bytes()))
	defer reader.Close()
	if reader.NumRows() != 3 {
		t.Fatalf("expected 3 rows in file, got %d", reader.NumRows())
	}

	rows := make([]InvoiceRow, 3)
	read, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read: %v", err)
	}
	if read != 3 {
		t.Fatalf("expected to read 3 rows, got %d", read)
	}
	for _, row := range rows {
		if row.Year != 2026 {
			t.Errorf("expected year 2026, got %d", row.Year)
		}
		if row.CopaymentMinor+row.CoverageMinor != row.TotalCostMinor {
			t.Errorf("row %s does not sum to total", row.Number)
		}
		if row.PatientID != f.active.String() {
			t.Errorf("unexpected patient %s", row.PatientID)
		}
	}
}

func TestExportInvoicesParquet_Empty(t *testing.T) {
	f := newServiceFixture()
	var buf bytes.Buffer
	n, err := f.svc.ExportInvoicesParquet(context.Background(), &buf, f.active, 2026)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 rows, got %d", n)
	}
	if buf.Len() == 0 {
		t.Error("expected a valid (empty) parquet file")
	}
}
