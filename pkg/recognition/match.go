package recognition

import (
	"fmt"
	"math"
)

// Metric names a descriptor distance function.
type Metric string

const (
	// MetricEuclidean is the L2 distance. It is the metric dlib descriptors
	// are trained for.
	MetricEuclidean Metric = "euclidean"
	// MetricCosine is 1 - cosine similarity, in [0, 2].
	MetricCosine Metric = "cosine"
)

// ParseMetric maps a config name to a Metric. An empty name means euclidean.
func ParseMetric(name string) (Metric, error) {
	switch Metric(name) {
	case "", MetricEuclidean:
		return MetricEuclidean, nil
	case MetricCosine:
		return MetricCosine, nil
	default:
		return "", fmt.Errorf("unknown metric: %s", name)
	}
}

// Decision is the outcome of matching a probe against candidates.
// Index is -1 when there were no candidates.
type Decision struct {
	Matched  bool
	Distance float64
	Index    int
}

// Match computes the minimum distance between probe and every candidate and
// accepts when that minimum is at or below threshold. Candidates whose
// distance cannot be computed count as infinitely far. An empty candidate
// set never matches.
func Match(probe Descriptor, candidates []Descriptor, threshold float64, metric Metric) Decision {
	best := Decision{Distance: math.Inf(1), Index: -1}

	for i, c := range candidates {
		dist := Distance(metric, probe, c)
		if best.Index == -1 || dist < best.Distance {
			best.Distance = dist
			best.Index = i
		}
	}

	best.Matched = best.Index >= 0 && !math.IsInf(best.Distance, 1) && best.Distance <= threshold
	return best
}

// Distance dispatches to the named metric.
func Distance(metric Metric, a, b Descriptor) float64 {
	var d float64
	switch metric {
	case MetricCosine:
		d = CosineDistance(a, b)
	default:
		d = EuclideanDistance(a, b)
	}
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

// EuclideanDistance calculates the Euclidean distance between two descriptors.
func EuclideanDistance(d1, d2 Descriptor) float64 {
	if len(d1) != len(d2) || len(d1) == 0 {
		return math.Inf(1)
	}

	var sum float64
	for i := range d1 {
		diff := float64(d1[i]) - float64(d2[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// CosineDistance returns 1 - cosine similarity. Zero vectors are
// infinitely far from everything.
func CosineDistance(d1, d2 Descriptor) float64 {
	if len(d1) != len(d2) || len(d1) == 0 {
		return math.Inf(1)
	}

	var dot, n1, n2 float64
	for i := range d1 {
		a, b := float64(d1[i]), float64(d2[i])
		dot += a * b
		n1 += a * a
		n2 += b * b
	}
	if n1 == 0 || n2 == 0 {
		return math.Inf(1)
	}
	return 1 - dot/(math.Sqrt(n1)*math.Sqrt(n2))
}
