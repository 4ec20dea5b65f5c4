package nemutils

import "math"

// The API prices everything in cents; dollars exist only for display.

func CentsToDollars(cents float64) float64 {
	return cents / 100
}

// Signed; rounds half away from zero
func DollarsToCents(dollars float64) int64 {
	return int64(math.Round(dollars * 100))
}
