package domain

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// NaNText is the textual form of a missing price in audit output.
const NaNText = "NaN"

// FormatPrice renders a price in its shortest exact decimal form, so that the
// same float always produces the same bytes.
func FormatPrice(p float64) string {
	switch {
	case math.IsNaN(p):
		return NaNText
	case math.IsInf(p, 1):
		return "+Inf"
	case math.IsInf(p, -1):
		return "-Inf"
	}
	return decimal.NewFromFloat(p).String()
}

// ParsePrice is the inverse of FormatPrice.
func ParsePrice(s string) (float64, error) {
	if s == NaNText {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
