package commerce

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestTaxCents(t *testing.T) {
	tests := []struct {
		subtotal int64
		bps      int
		want     int64
	}{
		{10000, 0, 0},
		{10000, 825, 825},
		{5599, 800, 448}, // 447.92
		{1000, 825, 83},  // 82.5 rounds up
		{1000, 824, 82},  // 82.4
		{1, 5000, 1},     // 0.5 rounds up
		{-100, 825, 0},
	}
	for _, tt := range tests {
		if got := TaxCents(tt.subtotal, tt.bps); got != tt.want {
			t.Errorf("TaxCents(%d, %d) = %d, want %d", tt.subtotal, tt.bps, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPendingPayment, StatusPaid, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusPendingPayment, StatusRefunded, false},
		{StatusPaid, StatusProcessing, true},
		{StatusPaid, StatusShipped, false},
		{StatusProcessing, StatusShipped, true},
		{StatusShipped, StatusCancelled, false},
		{StatusShipped, StatusDelivered, true},
		{StatusDelivered, StatusRefunded, true},
		{StatusCancelled, StatusPaid, false},
		{StatusRefunded, StatusPaid, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOrderNumber(t *testing.T) {
	id := uuid.MustParse("3f2a9c1e-77b0-4d1a-9e4f-0a1b2c3d4e5f")
	if got := orderNumber(id); got != "VX-3F2A9C1E77" {
		t.Errorf("orderNumber = %q", got)
	}
	if !strings.HasPrefix(orderNumber(uuid.New()), "VX-") {
		t.Error("expected VX- prefix")
	}
}

func TestProductInStock(t *testing.T) {
	three := 3
	p := &Product{Stock: &three}
	if !p.InStock(3) || p.InStock(4) {
		t.Error("tracked stock not honoured")
	}
	if !(&Product{}).InStock(1000) {
		t.Error("untracked stock should always be in stock")
	}
}
