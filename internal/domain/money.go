package domain

import "github.com/shopspring/decimal"

// The gateway reports amounts in minor units (pesewas/kobo), two decimal
// places below the major unit.
const minorUnitExp = 2

// AmountTolerance absorbs rounding between the gateway's integer minor units
// and the stored major-unit totals.
var AmountTolerance = decimal.New(1, -minorUnitExp)

func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -minorUnitExp)
}

func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(minorUnitExp).Round(0).IntPart()
}

func AmountsMatch(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(AmountTolerance)
}
