// Package margin implements the collateral arithmetic for binary-outcome
// positions: worst-case-loss margin requirements, settlement payoffs, and
// proportional cost-basis splits for position transfers.
//
// The model: premium is not exchanged at trade time. A buyer of qty at
// price locks qty×price (their loss if the series settles at 0); a seller
// locks qty×(100−price) (their loss if it settles at 100). At settlement
// each position receives its P&L, netQty×price − costBasis, which is
// zero-sum per series and never exceeds the locked requirement, so margin
// balances cannot go negative.
//
// All values use shopspring/decimal; never float64 for money.
package margin

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Ceiling is the binary payoff ceiling: YES settles at 100, NO at 0.
var Ceiling = decimal.NewFromInt(100)

// ErrPriceOutOfRange is returned when a trade price falls outside [0, 100].
var ErrPriceOutOfRange = errors.New("margin: price must be within [0, 100]")

// splitScale is the rounding scale for proportional cost-basis splits.
const splitScale int32 = 8

// ValidatePrice checks that a trade price is on the 0–100 scale.
func ValidatePrice(price decimal.Decimal) error {
	if price.IsNegative() || price.GreaterThan(Ceiling) {
		return ErrPriceOutOfRange
	}
	return nil
}

// Required computes the margin requirement for a net position: the
// worst-case loss across the two binary settlement prices,
//
//	max(0, costBasis, costBasis − netQty×100)
//
// costBasis alone is the loss at settlement price 0; the second term is
// the loss at the ceiling. Computing the requirement from the net
// position (not per-trade gross) is what releases margin on offsetting
// trades: a position going from +5 to 0 requires nothing.
func Required(netQty, costBasis decimal.Decimal) decimal.Decimal {
	atFloor := costBasis
	atCeiling := costBasis.Sub(netQty.Mul(Ceiling))

	req := decimal.Max(atFloor, atCeiling)
	if req.IsNegative() {
		return decimal.Zero
	}
	return req
}

// Payoff is the P&L credited to a position when its series settles:
// netQty×settlementPrice − costBasis. Negative for the losing side.
// Never below −Required(netQty, costBasis) for settlement prices on the
// 0–100 scale.
func Payoff(netQty, costBasis, settlementPrice decimal.Decimal) decimal.Decimal {
	return netQty.Mul(settlementPrice).Sub(costBasis)
}

// SettlementPrice maps a binary outcome to its settlement price:
// YES → 100, NO → 0. CANCELED has no settlement price; callers must take
// the non-price path before asking.
func SettlementPrice(yes bool) decimal.Decimal {
	if yes {
		return Ceiling
	}
	return decimal.Zero
}

// Split returns the cost-basis share carried by qty units frozen out of a
// position holding netQty with the given costBasis. The share is rounded;
// the remainder left on the position is derived by subtraction, so the
// per-series cost-basis sum stays exact. qty must be positive and at most
// |netQty|.
func Split(netQty, costBasis, qty decimal.Decimal) decimal.Decimal {
	abs := netQty.Abs()
	if abs.IsZero() {
		return decimal.Zero
	}
	if qty.Equal(abs) {
		return costBasis
	}
	return costBasis.Mul(qty).DivRound(abs, splitScale)
}
