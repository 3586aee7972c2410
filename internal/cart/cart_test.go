package cart

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/stockout-system/internal/model"
)

func snapshot(code string, stock int64, sellRate int64) *model.ProductSnapshot {
	return &model.ProductSnapshot{
		ItemCode:        code,
		ProductName:     "Ceiling Fan 1200mm",
		SKUCode:         "SKU-" + code,
		ModelNumber:     "CF-1200",
		CurrentQuantity: stock,
		MRP:             decimal.NewFromInt(sellRate + 100),
		SellRate:        decimal.NewFromInt(sellRate),
		Discount:        decimal.NewFromInt(5),
	}
}

func pending(code string, stock, sellRate int64, qty string) model.PendingLine {
	return model.PendingLine{
		ItemCode:    code,
		Snapshot:    snapshot(code, stock, sellRate),
		Fetch:       model.FetchFound,
		QuantityRaw: qty,
	}
}

func TestAdd_AcceptsAndFreezesDerivedFields(t *testing.T) {
	c := New()

	line, err := c.Add(pending("SKU1", 10, 500, "3"), true)
	if err != nil {
		t.Fatalf("Add error: %v", err)
	}

	if line.ID != 1 {
		t.Fatalf("line id = %d, want 1", line.ID)
	}
	if !line.Amount.Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("amount = %s, want 1500", line.Amount)
	}
	if !line.Points.Equal(decimal.NewFromFloat(0.75)) {
		t.Fatalf("points = %s, want 0.75", line.Points)
	}
	if !c.Total().Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("total = %s, want 1500", c.Total())
	}
}

func TestAdd_ChecksInOrder(t *testing.T) {
	tests := []struct {
		name     string
		pending  model.PendingLine
		verified bool
		wantErr  error
	}{
		{
			name:     "customer unresolved",
			pending:  pending("SKU1", 10, 500, "1"),
			verified: false,
			wantErr:  ErrCustomerUnresolved,
		},
		{
			name: "no snapshot",
			pending: model.PendingLine{
				ItemCode:    "SKU1",
				Fetch:       model.FetchNotFound,
				QuantityRaw: "1",
			},
			verified: true,
			wantErr:  ErrNoSnapshot,
		},
		{
			name:     "empty quantity",
			pending:  pending("SKU1", 10, 500, ""),
			verified: true,
			wantErr:  ErrBadQuantity,
		},
		{
			name:     "unparsable quantity treated as zero",
			pending:  pending("SKU1", 10, 500, "abc"),
			verified: true,
			wantErr:  ErrBadQuantity,
		},
		{
			name:     "quantity exceeds stock",
			pending:  pending("SKU1", 2, 500, "3"),
			verified: true,
			wantErr:  ErrStockExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()

			_, err := c.Add(tt.pending, tt.verified)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Add error = %v, want %v", err, tt.wantErr)
			}
			if c.Len() != 0 {
				t.Fatalf("cart must stay empty after rejection, got %d lines", c.Len())
			}
		})
	}
}

func TestAdd_RejectsDuplicateTrimmedCode(t *testing.T) {
	c := New()

	if _, err := c.Add(pending("SKU1", 10, 500, "3"), true); err != nil {
		t.Fatalf("first Add error: %v", err)
	}

	_, err := c.Add(pending("  SKU1  ", 10, 500, "1"), true)
	if !errors.Is(err, ErrDuplicateItem) {
		t.Fatalf("Add error = %v, want ErrDuplicateItem", err)
	}

	if c.Len() != 1 {
		t.Fatalf("cart size = %d, want 1", c.Len())
	}
}

func TestAdd_CaseSensitiveCodes(t *testing.T) {
	c := New()

	if _, err := c.Add(pending("SKU1", 10, 500, "1"), true); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	if _, err := c.Add(pending("sku1", 10, 500, "1"), true); err != nil {
		t.Fatalf("different case must be a different item, got %v", err)
	}

	if c.Len() != 2 {
		t.Fatalf("cart size = %d, want 2", c.Len())
	}
}

func TestRemove_KeepsIDsAndTotal(t *testing.T) {
	c := New()

	first, _ := c.Add(pending("SKU1", 10, 500, "3"), true)
	second, _ := c.Add(pending("SKU2", 10, 200, "2"), true)

	if second.ID != 2 {
		t.Fatalf("second line id = %d, want 2", second.ID)
	}

	totalBefore := c.Total()
	if !c.Remove(first.ID) {
		t.Fatalf("Remove(%d) = false, want true", first.ID)
	}

	wantTotal := totalBefore.Sub(first.Amount)
	if !c.Total().Equal(wantTotal) {
		t.Fatalf("total after remove = %s, want %s", c.Total(), wantTotal)
	}

	lines := c.Lines()
	if len(lines) != 1 || lines[0].ID != 2 {
		t.Fatalf("remaining line id = %d, want 2 (ids are never renumbered)", lines[0].ID)
	}

	// Идентификаторы не переиспользуются даже после удаления.
	third, _ := c.Add(pending("SKU3", 10, 100, "1"), true)
	if third.ID != 3 {
		t.Fatalf("third line id = %d, want 3", third.ID)
	}
}

func TestRemove_UnknownID(t *testing.T) {
	c := New()

	if c.Remove(99) {
		t.Fatalf("Remove(99) = true, want false")
	}
}

func TestTotal_MatchesSumOfLineAmounts(t *testing.T) {
	c := New()

	c.Add(pending("SKU1", 100, 500, "3"), true)
	c.Add(pending("SKU2", 100, 200, "2"), true)
	c.Add(pending("SKU3", 100, 999, "1"), true)

	sum := decimal.Zero
	for _, l := range c.Lines() {
		sum = sum.Add(l.Amount)
	}

	if !c.Total().Equal(sum) {
		t.Fatalf("total = %s, want %s", c.Total(), sum)
	}
}

func TestClear(t *testing.T) {
	c := New()

	c.Add(pending("SKU1", 10, 500, "1"), true)
	c.Clear()

	if c.Len() != 0 {
		t.Fatalf("cart size after Clear = %d, want 0", c.Len())
	}
	if !c.Total().Equal(decimal.Zero) {
		t.Fatalf("total after Clear = %s, want 0", c.Total())
	}
}
