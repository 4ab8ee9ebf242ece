// Package analytics derives portfolio summaries, allocation, correlation,
// and risk metrics from the ledger and fetched prices.
//
// Money stays decimal; return-series statistics use float64, since they
// are derived ratios rather than booked amounts.
package analytics

import (
	"math"
	"sort"
)

// ReturnsFromCloses converts a close series into simple returns, keeping
// at most maxPoints of the most recent values.
func ReturnsFromCloses(closes []float64, maxPoints int) []float64 {
	var out []float64
	for i := 1; i < len(closes); i++ {
		prev, next := closes[i-1], closes[i]
		if prev == 0 || math.IsNaN(prev) || math.IsNaN(next) {
			continue
		}
		out = append(out, (next-prev)/prev)
	}
	if maxPoints > 0 && len(out) > maxPoints {
		out = out[len(out)-maxPoints:]
	}
	return out
}

// StdDev returns the population standard deviation of values.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Correlation returns the Pearson correlation of the trailing overlap of
// two return series, or 0 when there is no meaningful overlap.
func Correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	x := a[len(a)-n:]
	y := b[len(b)-n:]

	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var cov, vx, vy float64
	for i := 0; i < n; i++ {
		dx := x[i] - mx
		dy := y[i] - my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}

	denom := math.Sqrt(vx * vy)
	if denom <= 1e-12 || math.IsNaN(denom) {
		return 0
	}
	return cov / denom
}

// Quantile returns the q-quantile of an unsorted sample using the
// floor-index convention of a historical simulation.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	idx := int(math.Floor(q * float64(len(sorted))))
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
