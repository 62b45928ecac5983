package aggregate

import "github.com/BaSui01/cohortdiag/types"

// CountStatus 合并计数的可信状态
type CountStatus string

const (
	// CountExact 所有贡献方都给出了未抑制的值
	CountExact CountStatus = "exact"
	// CountLowerBound 部分贡献方被抑制，未抑制部分之和已达阈值，Value 为下界
	CountLowerBound CountStatus = "lower_bound"
	// CountSuppressedDerived 无法证明合并值达到阈值，不发布数值
	CountSuppressedDerived CountStatus = "suppressed_derived"
)

// MergedCount 合并后的计数单元格。
// 被抑制的贡献方从不参与算术求和，只计入 ExcludedContributors。
type MergedCount struct {
	Value                int64       `json:"value" yaml:"value"`
	Status               CountStatus `json:"status" yaml:"status"`
	Contributors         int         `json:"contributors" yaml:"contributors"`
	ExcludedContributors int         `json:"excluded_contributors,omitempty" yaml:"excluded_contributors,omitempty"`
	UpperBound           int64       `json:"upper_bound,omitempty" yaml:"upper_bound,omitempty"`
}

// Released 报告是否发布了数值
func (c MergedCount) Released() bool {
	return c.Status != CountSuppressedDerived
}

// AggregatedDiagnostics 跨组织合并结果。对贡献集合的任意排列结果一致。
type AggregatedDiagnostics struct {
	TaskID       string             `json:"task_id" yaml:"task_id"`
	MinCellCount int64              `json:"min_cell_count" yaml:"min_cell_count"`
	Contributors []string           `json:"contributors" yaml:"contributors"`
	Rejected     []Rejection        `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Cohorts      []AggregatedCohort `json:"cohorts" yaml:"cohorts"`
	Warnings     []OrgWarning       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Rejection 因解码或校验失败而被排除的组织
type Rejection struct {
	OrganizationID string          `json:"organization_id" yaml:"organization_id"`
	Code           types.ErrorCode `json:"code" yaml:"code"`
	Message        string          `json:"message" yaml:"message"`
}

// OrgWarning 组织上报的非致命警告
type OrgWarning struct {
	OrganizationID string          `json:"organization_id" yaml:"organization_id"`
	Code           types.ErrorCode `json:"code" yaml:"code"`
	CohortID       string          `json:"cohort_id,omitempty" yaml:"cohort_id,omitempty"`
	Message        string          `json:"message" yaml:"message"`
}

// AggregatedCohort 单个队列的合并结果
type AggregatedCohort struct {
	CohortID       string                  `json:"cohort_id" yaml:"cohort_id"`
	CohortName     string                  `json:"cohort_name" yaml:"cohort_name"`
	Meta           bool                    `json:"meta,omitempty" yaml:"meta,omitempty"`
	Contributors   []string                `json:"contributors" yaml:"contributors"`
	Subjects       MergedCount             `json:"subjects" yaml:"subjects"`
	Entries        MergedCount             `json:"entries" yaml:"entries"`
	InclusionRules []AggregatedRule        `json:"inclusion_rules,omitempty" yaml:"inclusion_rules,omitempty"`
	Covariates     []AggregatedCovariate   `json:"covariates,omitempty" yaml:"covariates,omitempty"`
	TemporalSeries []AggregatedSeriesPoint `json:"temporal_series,omitempty" yaml:"temporal_series,omitempty"`
	IncidenceRates []AggregatedIncidence   `json:"incidence_rates,omitempty" yaml:"incidence_rates,omitempty"`
}

// AggregatedRule 合并的纳入规则统计
type AggregatedRule struct {
	Index  int         `json:"index" yaml:"index"`
	Name   string      `json:"name" yaml:"name"`
	Meet   MergedCount `json:"meet" yaml:"meet"`
	Gain   MergedCount `json:"gain" yaml:"gain"`
	Remain MergedCount `json:"remain" yaml:"remain"`
}

// AggregatedCovariate 合并的协变量
type AggregatedCovariate struct {
	CovariateID        string          `json:"covariate_id" yaml:"covariate_id"`
	Analysis           string          `json:"analysis" yaml:"analysis"`
	ConceptID          int64           `json:"concept_id,omitempty" yaml:"concept_id,omitempty"`
	TimeID             int             `json:"time_id" yaml:"time_id"`
	Continuous         bool            `json:"continuous,omitempty" yaml:"continuous,omitempty"`
	Count              MergedCount     `json:"count" yaml:"count"`
	Moments            *types.Moments  `json:"moments,omitempty" yaml:"moments,omitempty"`
	MomentContributors int             `json:"moment_contributors,omitempty" yaml:"moment_contributors,omitempty"`
	Histogram          []AggregatedBin `json:"histogram,omitempty" yaml:"histogram,omitempty"`
}

// AggregatedBin 合并的直方图桶
type AggregatedBin struct {
	Index int64       `json:"index" yaml:"index"`
	Count MergedCount `json:"count" yaml:"count"`
}

// AggregatedSeriesPoint 合并的时间序列箱。
// 某个贡献组织未上报该箱时视为零人（计入 ZeroContributors），与失败组织不同。
type AggregatedSeriesPoint struct {
	CovariateID      string      `json:"covariate_id" yaml:"covariate_id"`
	OffsetStart      int         `json:"offset_start" yaml:"offset_start"`
	OffsetEnd        int         `json:"offset_end" yaml:"offset_end"`
	Count            MergedCount `json:"count" yaml:"count"`
	ZeroContributors int         `json:"zero_contributors,omitempty" yaml:"zero_contributors,omitempty"`
}

// AggregatedIncidence 合并的年度发病率
type AggregatedIncidence struct {
	CalendarYear int         `json:"calendar_year" yaml:"calendar_year"`
	Outcomes     MergedCount `json:"outcomes" yaml:"outcomes"`
	PersonDays   int64       `json:"person_days" yaml:"person_days"`
	// RatePer1000PY 每千人年发病率；Outcomes 为下界时同为下界，抑制时缺省
	RatePer1000PY *float64 `json:"rate_per_1000_py,omitempty" yaml:"rate_per_1000_py,omitempty"`
}
