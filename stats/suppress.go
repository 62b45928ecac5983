package stats

import "github.com/BaSui01/cohortdiag/types"

// Suppressor 最小单元格抑制规则：低于阈值的计数（包括 0）一律以哨兵替代。
// 这是隐私不变量，没有任何旁路。
type Suppressor struct {
	min int64
}

// NewSuppressor 创建抑制器；threshold 小于 1 时按 1 处理
func NewSuppressor(threshold int64) Suppressor {
	if threshold < 1 {
		threshold = 1
	}
	return Suppressor{min: threshold}
}

// Threshold 返回阈值
func (s Suppressor) Threshold() int64 { return s.min }

// Cell 将真实计数转换为可出站的单元格
func (s Suppressor) Cell(n int64) types.Cell {
	if n < s.min {
		return types.SuppressedCell()
	}
	return types.Count(n)
}

// Releasable 报告计数是否可以原样发布
func (s Suppressor) Releasable(n int64) bool {
	return n >= s.min
}
