// Package onchainunits is the single place where fixed-point decimal values
// are converted to the integer units the on-chain program expects. Every
// other package works exclusively in shopspring/decimal; only code that
// actually builds an on-chain instruction should import this package.
package onchainunits

import "github.com/shopspring/decimal"

// Multiplier is the documented conversion factor between a decimal amount
// (currency or energy) and the integer unit the on-chain program stores.
const Multiplier = 1_000_000_000

var multiplierDecimal = decimal.NewFromInt(Multiplier)

// ToOnChain converts a decimal amount to its on-chain integer representation,
// rounding to the nearest whole unit.
func ToOnChain(amount decimal.Decimal) int64 {
	return amount.Mul(multiplierDecimal).Round(0).IntPart()
}

// FromOnChain converts an on-chain integer amount back to a decimal.
func FromOnChain(units int64) decimal.Decimal {
	return decimal.NewFromInt(units).Div(multiplierDecimal)
}
