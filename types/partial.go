package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PartialSchemaVersion 部分结果的 schema 版本标签
const PartialSchemaVersion = "cohortdiag.partial/v1"

// SuppressedMarker 被抑制单元格在线上的哨兵值
const SuppressedMarker = "suppressed"

// =============================================================================
// 🔒 计数单元格
// =============================================================================

// Cell 一个可能被抑制的计数。被抑制时 Value 恒为 0，真实值不离开站点。
type Cell struct {
	Value      int64
	Suppressed bool
}

// Count 返回未抑制的计数单元格
func Count(v int64) Cell {
	return Cell{Value: v}
}

// SuppressedCell 返回被抑制的单元格
func SuppressedCell() Cell {
	return Cell{Suppressed: true}
}

// MarshalJSON 未抑制编码为数字，抑制编码为 "suppressed"
func (c Cell) MarshalJSON() ([]byte, error) {
	if c.Suppressed {
		return json.Marshal(SuppressedMarker)
	}
	return json.Marshal(c.Value)
}

// UnmarshalJSON 解析数字或 "suppressed"
func (c *Cell) UnmarshalJSON(data []byte) error {
	var marker string
	if err := json.Unmarshal(data, &marker); err == nil {
		if marker != SuppressedMarker {
			return fmt.Errorf("cell: unexpected marker %q", marker)
		}
		*c = SuppressedCell()
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("cell: %w", err)
	}
	if v < 0 {
		return fmt.Errorf("cell: negative count %d", v)
	}
	*c = Count(v)
	return nil
}

// Moments 连续协变量的充分统计量；Variance 为样本方差（n-1）
type Moments struct {
	N        int64   `json:"n"`
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
}

// =============================================================================
// 📦 部分诊断结果（唯一跨越信任边界的产物）
// =============================================================================

// PartialDiagnostics 单个组织的本地诊断结果
type PartialDiagnostics struct {
	SchemaVersion  string          `json:"schema_version"`
	TaskID         string          `json:"task_id"`
	ExecutionID    string          `json:"execution_id"`
	OrganizationID string          `json:"organization_id"`
	MinCellCount   int64           `json:"min_cell_count"`
	Cohorts        []CohortPartial `json:"cohorts"`
	Warnings       []Warning       `json:"warnings,omitempty"`
}

// Warning 非致命的本地诊断警告
type Warning struct {
	Code     ErrorCode `json:"code"`
	CohortID string    `json:"cohort_id,omitempty"`
	Message  string    `json:"message"`
}

// CohortPartial 单个队列的本地充分统计量
type CohortPartial struct {
	CohortID       string              `json:"cohort_id"`
	CohortName     string              `json:"cohort_name"`
	Meta           bool                `json:"meta,omitempty"`
	Subjects       Cell                `json:"subjects"`
	Entries        Cell                `json:"entries"`
	InclusionRules []InclusionRuleStat `json:"inclusion_rules,omitempty"`
	Covariates     []CovariateStat     `json:"covariates,omitempty"`
	TemporalSeries []SeriesPoint       `json:"temporal_series,omitempty"`
	IncidenceRates []IncidenceStratum  `json:"incidence_rates,omitempty"`
}

// InclusionRuleStat 纳入规则统计：满足数、仅因该规则失败数、累计保留数
type InclusionRuleStat struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Meet   Cell   `json:"meet"`
	Gain   Cell   `json:"gain"`
	Remain Cell   `json:"remain"`
}

// CovariateStat 协变量在某个时间窗内的统计
type CovariateStat struct {
	CovariateID string         `json:"covariate_id"`
	Analysis    string         `json:"analysis"`
	ConceptID   int64          `json:"concept_id"`
	TimeID      int            `json:"time_id"`
	Continuous  bool           `json:"continuous,omitempty"`
	Count       Cell           `json:"count"`
	Moments     *Moments       `json:"moments,omitempty"`
	Histogram   []HistogramBin `json:"histogram,omitempty"`
}

// HistogramBin 直方图桶 [Index*width, (Index+1)*width)
type HistogramBin struct {
	Index int64 `json:"index"`
	Count Cell  `json:"count"`
}

// SeriesPoint 相对入组日偏移区间内的事件计数
type SeriesPoint struct {
	CovariateID string `json:"covariate_id"`
	OffsetStart int    `json:"offset_start"`
	OffsetEnd   int    `json:"offset_end"`
	Count       Cell   `json:"count"`
}

// IncidenceStratum 按日历年分层的发病率分子与分母
type IncidenceStratum struct {
	CalendarYear int   `json:"calendar_year"`
	Outcomes     Cell  `json:"outcomes"`
	PersonDays   int64 `json:"person_days"`
}

// Canonicalize 将所有切片排成确定顺序，保证编码结果与构建顺序无关
func (p *PartialDiagnostics) Canonicalize() {
	sort.Slice(p.Cohorts, func(i, j int) bool { return p.Cohorts[i].CohortID < p.Cohorts[j].CohortID })
	for i := range p.Cohorts {
		c := &p.Cohorts[i]
		sort.Slice(c.InclusionRules, func(a, b int) bool { return c.InclusionRules[a].Index < c.InclusionRules[b].Index })
		sort.Slice(c.Covariates, func(a, b int) bool {
			if c.Covariates[a].CovariateID != c.Covariates[b].CovariateID {
				return c.Covariates[a].CovariateID < c.Covariates[b].CovariateID
			}
			return c.Covariates[a].TimeID < c.Covariates[b].TimeID
		})
		for k := range c.Covariates {
			h := c.Covariates[k].Histogram
			sort.Slice(h, func(a, b int) bool { return h[a].Index < h[b].Index })
		}
		sort.Slice(c.TemporalSeries, func(a, b int) bool {
			if c.TemporalSeries[a].CovariateID != c.TemporalSeries[b].CovariateID {
				return c.TemporalSeries[a].CovariateID < c.TemporalSeries[b].CovariateID
			}
			if c.TemporalSeries[a].OffsetStart != c.TemporalSeries[b].OffsetStart {
				return c.TemporalSeries[a].OffsetStart < c.TemporalSeries[b].OffsetStart
			}
			return c.TemporalSeries[a].OffsetEnd < c.TemporalSeries[b].OffsetEnd
		})
		sort.Slice(c.IncidenceRates, func(a, b int) bool {
			return c.IncidenceRates[a].CalendarYear < c.IncidenceRates[b].CalendarYear
		})
	}
	sort.SliceStable(p.Warnings, func(i, j int) bool {
		if p.Warnings[i].CohortID != p.Warnings[j].CohortID {
			return p.Warnings[i].CohortID < p.Warnings[j].CohortID
		}
		return p.Warnings[i].Code < p.Warnings[j].Code
	})
}

// Cells 遍历部分结果中的所有计数单元格，用于抑制校验
func (p *PartialDiagnostics) Cells(fn func(path string, c Cell)) {
	for _, c := range p.Cohorts {
		prefix := "cohorts[" + c.CohortID + "]"
		fn(prefix+".subjects", c.Subjects)
		fn(prefix+".entries", c.Entries)
		for _, r := range c.InclusionRules {
			rp := fmt.Sprintf("%s.inclusion_rules[%d]", prefix, r.Index)
			fn(rp+".meet", r.Meet)
			fn(rp+".gain", r.Gain)
			fn(rp+".remain", r.Remain)
		}
		for _, cov := range c.Covariates {
			cp := fmt.Sprintf("%s.covariates[%s@%d]", prefix, cov.CovariateID, cov.TimeID)
			fn(cp+".count", cov.Count)
			for _, b := range cov.Histogram {
				fn(fmt.Sprintf("%s.histogram[%d]", cp, b.Index), b.Count)
			}
		}
		for _, s := range c.TemporalSeries {
			fn(fmt.Sprintf("%s.temporal_series[%s@%d..%d]", prefix, s.CovariateID, s.OffsetStart, s.OffsetEnd), s.Count)
		}
		for _, ir := range c.IncidenceRates {
			fn(fmt.Sprintf("%s.incidence_rates[%d].outcomes", prefix, ir.CalendarYear), ir.Outcomes)
		}
	}
}
