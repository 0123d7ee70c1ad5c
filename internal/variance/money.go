package variance

import "github.com/shopspring/decimal"

var half = decimal.NewFromFloat(0.5)

// RoundMoney rounds to the cent, half-up toward positive infinity:
// 10.005 -> 10.01, -10.005 -> -10.00.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return roundHalfUp(d, 2)
}

// RoundQty rounds liters the same way money is rounded.
func RoundQty(d decimal.Decimal) decimal.Decimal {
	return roundHalfUp(d, 2)
}

func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Shift(places).Add(half).Floor().Shift(-places)
}

// SoldQty is end - start, floored at zero. A rollover or bad end reading never
// yields negative fuel.
func SoldQty(start decimal.Decimal, end decimal.Decimal) decimal.Decimal {
	sold := end.Sub(start)
	if sold.IsNegative() {
		return decimal.Zero
	}
	return sold
}
