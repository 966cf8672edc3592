package receipt

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

// OrdersSheet is the sheet ExportOrdersXLSX writes.
const OrdersSheet = "Orders"

// OrderRow is one order in an export.
type OrderRow struct {
	OrderNumber   string
	CreatedAt     time.Time
	CustomerName  string
	CustomerEmail string
	Status        string
	Items         int
	SubtotalCents int64
	TaxCents      int64
	TotalCents    int64
	Currency      string
}

var orderHeaders = []interface{}{
	"Order", "Date", "Customer", "Email", "Status", "Items", "Subtotal", "Tax", "Total", "Currency",
}

// ExportOrdersXLSX writes rows to a workbook with a single Orders sheet and
// returns the file bytes. Amounts are written as decimal numbers.
func ExportOrdersXLSX(rows []OrderRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", OrdersSheet); err != nil {
		return nil, err
	}

	if err := f.SetSheetRow(OrdersSheet, "A1", &orderHeaders); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	last, _ := excelize.CoordinatesToCellName(len(orderHeaders), 1)
	if err := f.SetCellStyle(OrdersSheet, "A1", last, bold); err != nil {
		return nil, err
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		values := []interface{}{
			r.OrderNumber,
			r.CreatedAt.UTC().Format("2006-01-02 15:04"),
			r.CustomerName,
			r.CustomerEmail,
			r.Status,
			r.Items,
			centsToUnits(r.SubtotalCents),
			centsToUnits(r.TaxCents),
			centsToUnits(r.TotalCents),
			r.Currency,
		}
		if err := f.SetSheetRow(OrdersSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(OrdersSheet, "A", "D", 22); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func centsToUnits(c int64) float64 {
	return float64(c) / 100
}
