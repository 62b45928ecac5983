package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/cohortdiag/types"
)

// samplesWith 构造恰好具有给定均值与样本方差的样本
func samplesWith(n int, mean, variance float64) []float64 {
	raw := make([]float64, n)
	for i := range raw {
		raw[i] = float64((i*7919)%n) + 0.25*float64(i%3)
	}
	m := Direct(raw)
	sd := math.Sqrt(m.Variance)
	out := make([]float64, n)
	for i, x := range raw {
		out[i] = mean + math.Sqrt(variance)*(x-m.Mean)/sd
	}
	return out
}

func TestAccumulator_MatchesDirect(t *testing.T) {
	samples := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	var acc Accumulator
	for _, s := range samples {
		acc.Add(s)
	}
	direct := Direct(samples)
	assert.Equal(t, int64(8), acc.N())
	assert.InDelta(t, 5.0, acc.Mean(), 1e-12)
	assert.InDelta(t, direct.Variance, acc.Variance(), 1e-12)
	assert.InDelta(t, 32.0/7.0, acc.Variance(), 1e-12)
}

func TestAccumulator_SingleValueHasZeroVariance(t *testing.T) {
	var acc Accumulator
	acc.Add(42)
	assert.Equal(t, 0.0, acc.Variance())
	assert.Equal(t, types.Moments{N: 1, Mean: 42}, acc.Moments())
}

func TestCombine_TwoPartitions(t *testing.T) {
	left := samplesWith(100, 5.0, 2.0)
	right := samplesWith(50, 7.0, 3.0)

	lm := Direct(left)
	rm := Direct(right)
	require.InDelta(t, 5.0, lm.Mean, 1e-12)
	require.InDelta(t, 2.0, lm.Variance, 1e-12)
	require.InDelta(t, 7.0, rm.Mean, 1e-12)
	require.InDelta(t, 3.0, rm.Variance, 1e-12)

	combined := Combine(
		types.Moments{N: 100, Mean: 5.0, Variance: 2.0},
		types.Moments{N: 50, Mean: 7.0, Variance: 3.0},
	)
	pooled := Direct(append(append([]float64{}, left...), right...))

	assert.Equal(t, int64(150), combined.N)
	assert.InDelta(t, pooled.Mean, combined.Mean, 1e-9)
	assert.InDelta(t, pooled.Variance, combined.Variance, 1e-9)

	// 闭式解：M2 = 2*99 + 3*49 + 4*100*50/150
	assert.InDelta(t, 850.0/150.0, combined.Mean, 1e-9)
	assert.InDelta(t, (198.0+147.0+400.0*50.0/150.0)/149.0, combined.Variance, 1e-9)
}

func TestCombine_EmptySide(t *testing.T) {
	m := types.Moments{N: 10, Mean: 3, Variance: 1.5}
	assert.Equal(t, m, Combine(m, types.Moments{}))
	assert.Equal(t, m, Combine(types.Moments{}, m))
}

func TestProperty_SplitMergeEqualsPooled(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		samples := rapid.SliceOfN(rapid.Float64Range(-1e3, 1e3), 2, 200).Draw(t, "samples")
		cut := rapid.IntRange(0, len(samples)).Draw(t, "cut")

		var left, right Accumulator
		for _, s := range samples[:cut] {
			left.Add(s)
		}
		for _, s := range samples[cut:] {
			right.Add(s)
		}
		left.Merge(right)

		pooled := Direct(samples)
		if !ApproxEqual(left.Moments(), pooled, 1e-7) {
			t.Fatalf("merged %+v differs from pooled %+v", left.Moments(), pooled)
		}
	})
}

func TestSuppressor_Cell(t *testing.T) {
	s := NewSuppressor(10)
	tests := []struct {
		name string
		in   int64
		want types.Cell
	}{
		{"zero is suppressed", 0, types.SuppressedCell()},
		{"below threshold", 4, types.SuppressedCell()},
		{"just below", 9, types.SuppressedCell()},
		{"at threshold", 10, types.Count(10)},
		{"above", 250, types.Count(250)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Cell(tt.in))
		})
	}
}

func TestNewSuppressor_ClampsToOne(t *testing.T) {
	s := NewSuppressor(0)
	assert.Equal(t, int64(1), s.Threshold())
	assert.True(t, s.Cell(0).Suppressed)
}
