// Package stats holds the numeric helpers shared by the collector, the
// tracker and the backends.
package stats

import (
	"math"
	"slices"

	"github.com/tinytelemetry/pulse/internal/model"
)

// Percentile returns the nearest-rank percentile of an ascending slice
// using index floor(p*(n-1)). It returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}
	idx := int(math.Floor(p * float64(n-1)))
	return sorted[idx]
}

// Summarize computes aggregate statistics over values. The input is not
// modified. An empty input yields zero statistics carrying name and type.
func Summarize(name string, typ model.MetricType, values []float64) model.MetricStatistics {
	st := model.MetricStatistics{Name: name, Type: typ}
	if len(values) == 0 {
		return st
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := float64(len(sorted))
	mean := sum / n

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	st.Count = n
	st.Sum = sum
	st.Mean = mean
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
	st.Median = Percentile(sorted, 0.5)
	st.P95 = Percentile(sorted, 0.95)
	st.P99 = Percentile(sorted, 0.99)
	st.StdDev = math.Sqrt(sq / n)
	return st
}

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// sampleVariance uses the n-1 denominator.
func sampleVariance(values []float64, mean float64) float64 {
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return sq / float64(len(values)-1)
}

// PooledTStatistic returns |t| for a two-sample test with pooled sample
// variance. It returns 0 when either sample has fewer than two values or
// the standard error is zero.
func PooledTStatistic(a, b []float64) float64 {
	na, nb := len(a), len(b)
	if na < 2 || nb < 2 {
		return 0
	}
	ma, mb := Mean(a), Mean(b)
	va, vb := sampleVariance(a, ma), sampleVariance(b, mb)

	pooled := (float64(na-1)*va + float64(nb-1)*vb) / float64(na+nb-2)
	se := math.Sqrt(pooled * (1/float64(na) + 1/float64(nb)))
	if se == 0 || math.IsNaN(se) {
		return 0
	}
	return math.Abs((ma - mb) / se)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
