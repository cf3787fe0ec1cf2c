package mosaic

import "math"

// StatsAccumulator keeps single-pass statistics for one band, excluding null
// pixels. Sum and sum-of-squares run in float64 regardless of the band type.
type StatsAccumulator struct {
	nullVal float64
	hasNull bool

	minval float64
	maxval float64
	sum    float64
	ssq    float64
	count  int64
}

func NewStatsAccumulator(nullVal float64, hasNull bool) *StatsAccumulator {
	return &StatsAccumulator{nullVal: nullVal, hasNull: hasNull}
}

// Update folds the valid pixels of one written block into the accumulators.
func (sa *StatsAccumulator) Update(buf *PixelBuf) {
	minv, maxv, sum, ssq, count := buf.Accumulate(sa.nullVal, sa.hasNull)
	if count == 0 {
		return
	}
	if sa.count == 0 {
		sa.minval, sa.maxval = minv, maxv
	} else {
		sa.minval = math.Min(sa.minval, minv)
		sa.maxval = math.Max(sa.maxval, maxv)
	}
	sa.sum += sum
	sa.ssq += ssq
	sa.count += count
}

// Final returns (min, max, mean, stddev, count). When count is zero the
// other values are meaningless and nothing should be reported. Variance is
// computed as E[X²]−E[X]² and clipped at zero against rounding error.
func (sa *StatsAccumulator) Final() (minval, maxval, mean, stddev float64, count int64) {
	if sa.count == 0 {
		return 0, 0, 0, 0, 0
	}
	mean = sa.sum / float64(sa.count)
	variance := sa.ssq/float64(sa.count) - mean*mean
	if variance > 0 {
		stddev = math.Sqrt(variance)
	}
	return sa.minval, sa.maxval, mean, stddev, sa.count
}
