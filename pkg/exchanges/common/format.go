package common

import "github.com/shopspring/decimal"

// FormatQty truncates a quantity to places decimals so it never exceeds the intent.
func FormatQty(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).StringFixed(places)
}

// FormatPrice rounds a price half-away-from-zero to places decimals.
func FormatPrice(v float64, places int32) string {
	return decimal.NewFromFloat(v).Round(places).StringFixed(places)
}

// RoundPrice is FormatPrice returning a float.
func RoundPrice(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// RoundQty is FormatQty returning a float.
func RoundQty(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Truncate(places).Float64()
	return f
}
