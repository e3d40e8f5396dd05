package margin_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openmarkets/clearing-engine/internal/margin"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRequired_FreshLong(t *testing.T) {
	// Buying 10 at 37: cost basis 370, worst case is settlement at 0.
	req := margin.Required(d(10), d(370))
	if !req.Equal(d(370)) {
		t.Errorf("expected requirement 370, got %s", req)
	}
}

func TestRequired_FreshShort(t *testing.T) {
	// Selling 10 at 37: cost basis -370, worst case is settlement at 100.
	req := margin.Required(d(-10), d(-370))
	if !req.Equal(d(630)) {
		t.Errorf("expected requirement 630, got %s", req)
	}
}

func TestRequired_FlatPosition(t *testing.T) {
	// +5 bought at 40 then sold at 60: net qty 0, cost basis -100.
	// A flat position requires no margin regardless of realized P&L.
	req := margin.Required(decimal.Zero, d(-100))
	if !req.IsZero() {
		t.Errorf("flat position should require zero margin, got %s", req)
	}
}

func TestRequired_FlatWithLoss(t *testing.T) {
	// Bought at 60, sold at 40: net qty 0, cost basis +100. The realized
	// loss is still covered by locked collateral until settlement.
	req := margin.Required(decimal.Zero, d(100))
	if !req.Equal(d(100)) {
		t.Errorf("expected requirement 100, got %s", req)
	}
}

func TestRequired_OffsettingReleases(t *testing.T) {
	before := margin.Required(d(5), d(200)) // long 5 bought at 40
	after := margin.Required(d(0), d(-50))  // flattened at 50
	if !before.Equal(d(200)) {
		t.Errorf("expected 200 before, got %s", before)
	}
	if !after.IsZero() {
		t.Errorf("expected zero after flattening, got %s", after)
	}
}

func TestPayoff_BoundedByRequirement(t *testing.T) {
	cases := []struct {
		name   string
		netQty float64
		cb     float64
	}{
		{"long", 10, 370},
		{"short", -10, -370},
		{"flat profit", 0, -100},
		{"flat loss", 0, 100},
		{"mixed", 3, -120},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := margin.Required(d(tc.netQty), d(tc.cb))
			for _, price := range []decimal.Decimal{decimal.Zero, margin.Ceiling} {
				p := margin.Payoff(d(tc.netQty), d(tc.cb), price)
				if p.Neg().GreaterThan(req) {
					t.Errorf("payoff %s at price %s exceeds requirement %s", p, price, req)
				}
			}
		})
	}
}

func TestPayoff_ZeroSumPair(t *testing.T) {
	// Buyer +10 at 37 against seller -10: payoffs cancel at any settlement.
	for _, price := range []decimal.Decimal{decimal.Zero, d(37), margin.Ceiling} {
		buyer := margin.Payoff(d(10), d(370), price)
		seller := margin.Payoff(d(-10), d(-370), price)
		if !buyer.Add(seller).IsZero() {
			t.Errorf("payoffs not zero-sum at price %s: %s + %s", price, buyer, seller)
		}
	}
}

func TestPayoff_ScenarioSettleAtCeiling(t *testing.T) {
	// Zero-cost-basis positions {+10, -10} settling at 100 move exactly
	// 1000 between the two sides.
	long := margin.Payoff(d(10), decimal.Zero, margin.Ceiling)
	short := margin.Payoff(d(-10), decimal.Zero, margin.Ceiling)
	if !long.Equal(d(1000)) {
		t.Errorf("expected +1000 for long, got %s", long)
	}
	if !short.Equal(d(-1000)) {
		t.Errorf("expected -1000 for short, got %s", short)
	}
}

func TestValidatePrice(t *testing.T) {
	for _, p := range []decimal.Decimal{decimal.Zero, d(37), d(100)} {
		if err := margin.ValidatePrice(p); err != nil {
			t.Errorf("price %s should be valid: %v", p, err)
		}
	}
	for _, p := range []decimal.Decimal{d(-1), d(100.5)} {
		if err := margin.ValidatePrice(p); err == nil {
			t.Errorf("price %s should be rejected", p)
		}
	}
}

func TestSplit_Proportional(t *testing.T) {
	// Freezing 5 of a 10-long with cost basis 370 carries half the basis.
	moved := margin.Split(d(10), d(370), d(5))
	if !moved.Equal(d(185)) {
		t.Errorf("expected 185, got %s", moved)
	}
}

func TestSplit_FullPosition(t *testing.T) {
	moved := margin.Split(d(-10), d(-370), d(10))
	if !moved.Equal(d(-370)) {
		t.Errorf("expected full basis -370, got %s", moved)
	}
}

func TestSplit_RemainderConserves(t *testing.T) {
	// Share plus remainder always reconstructs the original basis, even
	// when the division does not terminate.
	cb := d(100)
	moved := margin.Split(d(3), cb, d(1))
	remainder := cb.Sub(moved)
	if !moved.Add(remainder).Equal(cb) {
		t.Errorf("split does not conserve: %s + %s != %s", moved, remainder, cb)
	}
}

func TestSettlementPrice(t *testing.T) {
	if !margin.SettlementPrice(true).Equal(d(100)) {
		t.Error("YES should settle at 100")
	}
	if !margin.SettlementPrice(false).IsZero() {
		t.Error("NO should settle at 0")
	}
}
