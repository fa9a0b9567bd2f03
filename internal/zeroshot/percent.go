package zeroshot

import "strconv"

// Percent converts a probability to a percentage rounded to two places.
// Rounding works on the exact binary value with ties to even, so 1.005
// (stored as 1.00499...) becomes 1.0 and an exact 50.125 becomes 50.12.
func Percent(probability float64) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(probability*100, 'f', 2, 64), 64)
	return f
}
