package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cohortdiag/aggregate"
	"github.com/BaSui01/cohortdiag/types"
)

// 诊断类别
const (
	CategoryCohortCounts             = "cohort_counts"
	CategoryInclusionRules           = "inclusion_rules"
	CategoryCharacterization         = "characterization"
	CategoryTemporalCharacterization = "temporal_characterization"
	CategoryIncidenceRate            = "incidence_rate"
)

// =============================================================================
// 📄 报告结构
// =============================================================================

// Report 跨站点队列诊断报告，以队列名为键
type Report struct {
	TaskID        string                  `json:"task_id" yaml:"task_id"`
	GeneratedAt   time.Time               `json:"generated_at" yaml:"generated_at"`
	MinCellCount  int64                   `json:"min_cell_count" yaml:"min_cell_count"`
	Cohorts       map[string]CohortReport `json:"cohorts" yaml:"cohorts"`
	Organizations OrganizationSection     `json:"organizations" yaml:"organizations"`
}

// Section 一个诊断类别：合并统计量、贡献组织数与抑制标记
type Section[T any] struct {
	Contributors    int `json:"contributors" yaml:"contributors"`
	SuppressedCells int `json:"suppressed_cells,omitempty" yaml:"suppressed_cells,omitempty"`
	LowerBoundCells int `json:"lower_bound_cells,omitempty" yaml:"lower_bound_cells,omitempty"`
	Data            T   `json:"data" yaml:"data"`
}

// Counts 队列人数与入组次数
type Counts struct {
	Subjects aggregate.MergedCount `json:"subjects" yaml:"subjects"`
	Entries  aggregate.MergedCount `json:"entries" yaml:"entries"`
}

// Temporal 时间窗协变量与相对入组日的时间序列
type Temporal struct {
	Covariates []aggregate.AggregatedCovariate   `json:"covariates,omitempty" yaml:"covariates,omitempty"`
	Series     []aggregate.AggregatedSeriesPoint `json:"series,omitempty" yaml:"series,omitempty"`
}

// CohortReport 单个队列的全部诊断类别；未运行的类别缺省
type CohortReport struct {
	CohortID                 string                                     `json:"cohort_id" yaml:"cohort_id"`
	Meta                     bool                                       `json:"meta,omitempty" yaml:"meta,omitempty"`
	ContributingOrgs         []string                                   `json:"contributing_organizations" yaml:"contributing_organizations"`
	CohortCounts             Section[Counts]                            `json:"cohort_counts" yaml:"cohort_counts"`
	InclusionRules           *Section[[]aggregate.AggregatedRule]       `json:"inclusion_rules,omitempty" yaml:"inclusion_rules,omitempty"`
	Characterization         *Section[[]aggregate.AggregatedCovariate]  `json:"characterization,omitempty" yaml:"characterization,omitempty"`
	TemporalCharacterization *Section[Temporal]                         `json:"temporal_characterization,omitempty" yaml:"temporal_characterization,omitempty"`
	IncidenceRate            *Section[[]aggregate.AggregatedIncidence]  `json:"incidence_rate,omitempty" yaml:"incidence_rate,omitempty"`
}

// OrganizationSection 组织参与情况
type OrganizationSection struct {
	Targeted    int                    `json:"targeted" yaml:"targeted"`
	Contributed []string               `json:"contributed" yaml:"contributed"`
	Failed      []OrganizationIssue    `json:"failed,omitempty" yaml:"failed,omitempty"`
	TimedOut    []string               `json:"timed_out,omitempty" yaml:"timed_out,omitempty"`
	Rejected    []OrganizationIssue    `json:"rejected,omitempty" yaml:"rejected,omitempty"`
	Warnings    []aggregate.OrgWarning `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Note        string                 `json:"note" yaml:"note"`
}

// OrganizationIssue 未贡献组织的错误码与原因
type OrganizationIssue struct {
	OrganizationID string          `json:"organization_id" yaml:"organization_id"`
	Code           types.ErrorCode `json:"code" yaml:"code"`
	Reason         string          `json:"reason" yaml:"reason"`
}

// Missing 报告未贡献的组织数
func (s OrganizationSection) Missing() int {
	return s.Targeted - len(s.Contributed)
}

// =============================================================================
// 🖨️ 渲染
// =============================================================================

// 输出格式
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// JSON 渲染为缩进 JSON
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("render report as json: %w", err)
	}
	return data, nil
}

// YAML 渲染为 YAML
func (r *Report) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("render report as yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render report as yaml: %w", err)
	}
	return buf.Bytes(), nil
}

// Render 按格式名渲染
func (r *Report) Render(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return r.JSON()
	case FormatYAML, "yml":
		return r.YAML()
	default:
		return nil, types.Errorf(types.ErrInvalidRequest, "unsupported report format %q", format)
	}
}
