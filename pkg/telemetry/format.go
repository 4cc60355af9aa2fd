package telemetry

import (
	"math"
	"strconv"
	"strings"
)

const nanosPerMilli = 1_000_000

// FormatMillis renders nanos as decimal milliseconds with a precision that
// shrinks as the value grows:
//
//	< 5 ms       0.001 ms   (never below 0.0001 for a nonzero input)
//	< 50 ms      0.01 ms
//	< 500 ms     0.1 ms
//	< 5 s        1 ms
//	< 50 s       10 ms
//	< 500 s      100 ms
//	>= 500 s     1000 ms
//
// Zero renders as exactly "0.0". Output always has a fractional part and never
// uses exponent notation. Negative values render with a leading minus.
func FormatMillis(nanos int64) string {
	if nanos == 0 {
		return "0.0"
	}
	if nanos < 0 {
		if nanos == math.MinInt64 {
			nanos++
		}
		return "-" + FormatMillis(-nanos)
	}

	switch {
	case nanos >= 500_000*nanosPerMilli:
		return wholeMillis(roundDiv(nanos, 1_000*nanosPerMilli) * 1_000)
	case nanos >= 50_000*nanosPerMilli:
		return wholeMillis(roundDiv(nanos, 100*nanosPerMilli) * 100)
	case nanos >= 5_000*nanosPerMilli:
		return wholeMillis(roundDiv(nanos, 10*nanosPerMilli) * 10)
	case nanos >= 500*nanosPerMilli:
		return wholeMillis(roundDiv(nanos, nanosPerMilli))
	case nanos >= 50*nanosPerMilli:
		return fractionMillis(roundDiv(nanos, 100_000), 1)
	case nanos >= 5*nanosPerMilli:
		return fractionMillis(roundDiv(nanos, 10_000), 2)
	}

	q := roundDiv(nanos, 1_000)
	if q == 0 {
		return "0.0001"
	}
	return fractionMillis(q, 3)
}

// roundDiv divides n by d rounding half up. n must be non-negative.
func roundDiv(n, d int64) int64 {
	q, r := n/d, n%d
	if r >= d-r {
		q++
	}
	return q
}

func wholeMillis(ms int64) string {
	return strconv.FormatInt(ms, 10) + ".0"
}

// fractionMillis renders scaled/10^decimals with trailing zeros trimmed,
// keeping at least one fractional digit.
func fractionMillis(scaled int64, decimals int) string {
	pow := int64(1)
	for i := 0; i < decimals; i++ {
		pow *= 10
	}
	whole, frac := scaled/pow, scaled%pow

	digits := strconv.FormatInt(frac, 10)
	digits = strings.Repeat("0", decimals-len(digits)) + digits
	digits = strings.TrimRight(digits, "0")
	if digits == "" {
		digits = "0"
	}
	return strconv.FormatInt(whole, 10) + "." + digits
}
