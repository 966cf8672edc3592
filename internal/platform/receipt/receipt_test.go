package receipt

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"
)

func sampleReceipt() Receipt {
	return Receipt{
		PracticeName:  "Glow Wellness",
		PracticeEmail: "billing@glow.test",
		OrderNumber:   "VX-1001",
		IssuedAt:      time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC),
		CustomerName:  "Ana Müller",
		Lines: []Line{
			{Name: "Vitamin D3", Quantity: 2, UnitPriceCents: 1250},
			{Name: "Omega 3", Quantity: 1, UnitPriceCents: 3099},
		},
		SubtotalCents: 5599,
		TaxCents:      448,
		TotalCents:    6047,
		Currency:      "usd",
		PaymentStatus: "paid",
	}
}

func TestBuildReceiptPDF(t *testing.T) {
	out, err := BuildReceiptPDF(sampleReceipt())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF: %q", out[:8])
	}
	if bytes.Contains(out, []byte("/Subtype /Image")) {
		t.Error("expected no image without a verification url")
	}
}

func TestBuildReceiptPDF_WithQRCode(t *testing.T) {
	r := sampleReceipt()
	r.VerificationURL = "https://app.vitaluxe.test/receipts/VX-1001"
	out, err := BuildReceiptPDF(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Contains(out, []byte("/Subtype /Image")) {
		t.Error("expected the QR image in the document")
	}
}

func TestBuildReceiptPDF_RequiresOrderNumber(t *testing.T) {
	r := sampleReceipt()
	r.OrderNumber = ""
	if _, err := BuildReceiptPDF(r); err == nil {
		t.Fatal("expected error")
	}
}

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		cents    int64
		currency string
		want     string
	}{
		{6047, "usd", "$60.47"},
		{5, "", "$0.05"},
		{-1250, "USD", "-$12.50"},
		{100000, "eur", "1000.00 EUR"},
	}
	for _, tt := range tests {
		if got := FormatMoney(tt.cents, tt.currency); got != tt.want {
			t.Errorf("FormatMoney(%d, %q) = %q, want %q", tt.cents, tt.currency, got, tt.want)
		}
	}
}

func TestExportOrdersXLSX(t *testing.T) {
	rows := []OrderRow{
		{OrderNumber: "VX-1001", CreatedAt: time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC), CustomerName: "Ana", Status: "paid", Items: 3, SubtotalCents: 5599, TaxCents: 448, TotalCents: 6047, Currency: "usd"},
		{OrderNumber: "VX-1002", CreatedAt: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), CustomerName: "Ben", Status: "shipped", Items: 1, TotalCents: 1000, SubtotalCents: 1000, Currency: "usd"},
	}
	out, err := ExportOrdersXLSX(rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	if sheets := f.GetSheetList(); len(sheets) != 1 || sheets[0] != OrdersSheet {
		t.Fatalf("unexpected sheets %v", sheets)
	}
	got, err := f.GetRows(OrdersSheet)
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(got))
	}
	if got[0][0] != "Order" || got[0][8] != "Total" {
		t.Errorf("unexpected header %v", got[0])
	}
	if got[1][0] != "VX-1001" || got[1][1] != "2026-03-04 15:30" || got[1][4] != "paid" {
		t.Errorf("unexpected first row %v", got[1])
	}
	if got[2][0] != "VX-1002" {
		t.Errorf("unexpected second row %v", got[2])
	}
}

func TestExportOrdersXLSX_Empty(t *testing.T) {
	out, err := ExportOrdersXLSX(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, _ := f.GetRows(OrdersSheet)
	if len(rows) != 1 {
		t.Fatalf("expected only the header row, got %d", len(rows))
	}
}
