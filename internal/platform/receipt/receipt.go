// Package receipt renders order receipts as PDF and order lists as
// spreadsheets for the practice dashboard.
package receipt

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/skip2/go-qrcode"
)

// Line is one purchased item as it was priced at checkout.
type Line struct {
	Name           string
	Quantity       int
	UnitPriceCents int64
}

// TotalCents is the extended price of the line.
func (l Line) TotalCents() int64 { return l.UnitPriceCents * int64(l.Quantity) }

// Receipt is everything printed on a receipt.
type Receipt struct {
	PracticeName    string
	PracticeAddress string
	PracticeEmail   string
	OrderNumber     string
	IssuedAt        time.Time
	CustomerName    string
	CustomerEmail   string
	Lines           []Line
	SubtotalCents   int64
	TaxCents        int64
	TotalCents      int64
	Currency        string
	PaymentStatus   string
	VerificationURL string
}

// FormatMoney renders cents as "$12.34" for USD and "12.34 EUR" otherwise.
func FormatMoney(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	cur := strings.ToUpper(currency)
	if cur == "" || cur == "USD" {
		return sign + "$" + amount
	}
	return sign + amount + " " + cur
}

// BuildReceiptPDF renders r as an A4 PDF. When r.VerificationURL is set a
// QR code linking to it is printed next to the totals.
func BuildReceiptPDF(r Receipt) ([]byte, error) {
	if r.OrderNumber == "" {
		return nil, fmt.Errorf("order number is required")
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Receipt "+r.OrderNumber, false)
	pdf.SetCreator("vitaluxe", false)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Practice header
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 8, tr(r.PracticeName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	if r.PracticeAddress != "" {
		pdf.CellFormat(0, 5, tr(r.PracticeAddress), "", 1, "L", false, 0, "")
	}
	if r.PracticeEmail != "" {
		pdf.CellFormat(0, 5, r.PracticeEmail, "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 13)
	pdf.CellFormat(0, 7, "Receipt", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, "Order: "+r.OrderNumber, "", 1, "L", false, 0, "")
	issued := r.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	pdf.CellFormat(0, 6, "Date: "+issued.UTC().Format("Jan 2, 2006 15:04 MST"), "", 1, "L", false, 0, "")
	if r.CustomerName != "" {
		pdf.CellFormat(0, 6, "Customer: "+tr(r.CustomerName), "", 1, "L", false, 0, "")
	}
	if r.CustomerEmail != "" {
		pdf.CellFormat(0, 6, "Email: "+r.CustomerEmail, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	// Line items
	widths := []float64{95, 20, 32, 33}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(235, 235, 235)
	for i, h := range []string{"Item", "Qty", "Unit price", "Amount"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(widths[i], 7, h, "1", 0, align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	for _, l := range r.Lines {
		pdf.CellFormat(widths[0], 7, tr(l.Name), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", l.Quantity), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 7, FormatMoney(l.UnitPriceCents, r.Currency), "1", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, FormatMoney(l.TotalCents(), r.Currency), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(3)

	totalsY := pdf.GetY()
	labelW, valueW := widths[0]+widths[1]+widths[2], widths[3]
	totals := []struct {
		label string
		cents int64
		bold  bool
	}{
		{"Subtotal", r.SubtotalCents, false},
		{"Tax", r.TaxCents, false},
		{"Total", r.TotalCents, true},
	}
	for _, t := range totals {
		style := ""
		if t.bold {
			style = "B"
		}
		pdf.SetFont("Helvetica", style, 10)
		pdf.CellFormat(labelW, 6, t.label, "", 0, "R", false, 0, "")
		pdf.CellFormat(valueW, 6, FormatMoney(t.cents, r.Currency), "", 1, "R", false, 0, "")
	}
	pdf.SetFont("Helvetica", "", 10)
	status := r.PaymentStatus
	if status == "" {
		status = "unknown"
	}
	pdf.CellFormat(labelW, 6, "Payment status", "", 0, "R", false, 0, "")
	pdf.CellFormat(valueW, 6, strings.ReplaceAll(status, "_", " "), "", 1, "R", false, 0, "")

	if r.VerificationURL != "" {
		png, err := qrcode.Encode(r.VerificationURL, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("encode verification qr: %w", err)
		}
		opts := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("verification-qr", opts, bytes.NewReader(png))
		pdf.ImageOptions("verification-qr", 15, totalsY, 28, 28, false, opts, 0, r.VerificationURL)
		if pdf.GetY() < totalsY+30 {
			pdf.SetY(totalsY + 30)
		}
		pdf.SetFont("Helvetica", "", 8)
		pdf.CellFormat(0, 5, "Verify this receipt: "+r.VerificationURL, "", 1, "L", false, 0, "")
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write receipt: %w", err)
	}
	return buf.Bytes(), nil
}
