// Package stats 提供可合并的矩统计与小格抑制。
package stats

import (
	"math"

	"github.com/BaSui01/cohortdiag/types"
)

// Accumulator 使用 Welford 方法增量累积均值与二阶中心矩。
// 零值可直接使用。
type Accumulator struct {
	n    int64
	mean float64
	m2   float64
}

// Add 加入一个观测值
func (a *Accumulator) Add(x float64) {
	a.n++
	delta := x - a.mean
	a.mean += delta / float64(a.n)
	a.m2 += delta * (x - a.mean)
}

// N 返回观测数
func (a *Accumulator) N() int64 { return a.n }

// Mean 返回均值
func (a *Accumulator) Mean() float64 { return a.mean }

// Variance 返回样本方差（n-1）；n < 2 时为 0
func (a *Accumulator) Variance() float64 {
	if a.n < 2 {
		return 0
	}
	return a.m2 / float64(a.n-1)
}

// Merge 并入另一个累积器（Chan 等人的并行合并公式）
func (a *Accumulator) Merge(b Accumulator) {
	if b.n == 0 {
		return
	}
	if a.n == 0 {
		*a = b
		return
	}
	n := a.n + b.n
	delta := b.mean - a.mean
	a.mean += delta * float64(b.n) / float64(n)
	a.m2 += b.m2 + delta*delta*float64(a.n)*float64(b.n)/float64(n)
	a.n = n
}

// Moments 导出为线上格式
func (a *Accumulator) Moments() types.Moments {
	return types.Moments{N: a.n, Mean: a.mean, Variance: a.Variance()}
}

// FromMoments 由线上格式恢复累积器
func FromMoments(m types.Moments) Accumulator {
	acc := Accumulator{n: m.N, mean: m.Mean}
	if m.N > 1 {
		acc.m2 = m.Variance * float64(m.N-1)
	}
	return acc
}

// Combine 合并两组矩，结果与在并集原始数据上直接计算一致（数值误差内）
func Combine(x, y types.Moments) types.Moments {
	a := FromMoments(x)
	a.Merge(FromMoments(y))
	return a.Moments()
}

// Direct 在原始样本上直接计算矩，用于校验
func Direct(samples []float64) types.Moments {
	if len(samples) == 0 {
		return types.Moments{}
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	var ss float64
	for _, s := range samples {
		d := s - mean
		ss += d * d
	}
	variance := 0.0
	if len(samples) > 1 {
		variance = ss / float64(len(samples)-1)
	}
	return types.Moments{N: int64(len(samples)), Mean: mean, Variance: variance}
}

// ApproxEqual 以绝对/相对容差比较两组矩
func ApproxEqual(x, y types.Moments, tol float64) bool {
	return x.N == y.N && closeTo(x.Mean, y.Mean, tol) && closeTo(x.Variance, y.Variance, tol)
}

func closeTo(a, b, tol float64) bool {
	diff := math.Abs(a - b)
	if diff <= tol {
		return true
	}
	return diff <= tol*math.Max(math.Abs(a), math.Abs(b))
}
