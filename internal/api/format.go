package api

import (
	"math"

	"github.com/dustin/go-humanize"
)

// compactFrom is the smallest amount shown with a compact suffix.
const compactFrom = 100_000

var compactSuffix = map[string]string{"k": "K", "M": "M", "G": "B", "T": "T"}

// FormatNaira renders an amount as "₦5,000,000 (5M)", or "₦500" below the
// compact threshold.
func FormatNaira(amount int64) string {
	full := "₦" + humanize.Comma(amount)
	if amount < compactFrom {
		return full
	}
	return full + " (" + CompactAmount(amount) + ")"
}

// CompactAmount abbreviates an amount to at most one decimal: 500000 → "500K",
// 1250000 → "1.3M".
func CompactAmount(amount int64) string {
	if amount == 0 {
		return "0"
	}
	value, prefix := humanize.ComputeSI(float64(amount))
	rounded := math.Round(value*10) / 10
	if math.Abs(rounded) >= 1000 {
		if next, ok := nextPrefix[prefix]; ok {
			rounded, prefix = rounded/1000, next
		}
	}
	suffix, ok := compactSuffix[prefix]
	if !ok {
		suffix = prefix
	}
	return humanize.Ftoa(rounded) + suffix
}

var nextPrefix = map[string]string{"": "k", "k": "M", "M": "G", "G": "T"}
