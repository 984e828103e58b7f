package anomaly

import (
	"fmt"
	"math"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Benchmark is the rolling mean and standard deviation of a metric's trailing
// history.
type Benchmark struct {
	Mean    float64
	Stddev  float64
	Samples int
}

// NewBenchmark computes a Benchmark from historical points.
func NewBenchmark(points []monitor.MetricPoint) Benchmark {
	n := len(points)
	if n == 0 {
		return Benchmark{}
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	mean := sum / float64(n)

	var sq float64
	for _, p := range points {
		d := p.Value - mean
		sq += d * d
	}
	return Benchmark{
		Mean:    mean,
		Stddev:  math.Sqrt(sq / float64(n)),
		Samples: n,
	}
}

// BenchmarkOf computes a Benchmark when the history is large enough to be
// trusted, and reports monitor.ErrInsufficientHistory otherwise.
func BenchmarkOf(points []monitor.MetricPoint, minSamples int) (Benchmark, error) {
	if len(points) < minSamples {
		return Benchmark{}, fmt.Errorf("%w: %d of %d samples", monitor.ErrInsufficientHistory, len(points), minSamples)
	}
	return NewBenchmark(points), nil
}

// DeviationBelow scores how far observed sits under the benchmark, for
// metrics where only a drop is bad. Positive means worse than the benchmark.
func (b Benchmark) DeviationBelow(observed, epsilon float64) float64 {
	return (b.Mean - observed) / math.Max(b.Stddev, epsilon)
}

// DeviationEither scores distance from the benchmark in either direction,
// for metrics where both growth and shrinkage matter.
func (b Benchmark) DeviationEither(observed, epsilon float64) float64 {
	return math.Abs(observed-b.Mean) / math.Max(b.Stddev, epsilon)
}
