package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// =============================================================================
// ⚙️ 分析设置（显式、经校验的结构体，未知字段一律拒绝）
// =============================================================================

// DiagnosticsSettings 诊断设置。MinCellCount 没有默认值，必须由调用方提供。
type DiagnosticsSettings struct {
	MinCellCount *int64 `json:"min_cell_count"`

	RunInclusionStatistics            bool `json:"run_inclusion_statistics"`
	RunCohortCharacterization         bool `json:"run_cohort_characterization"`
	RunTemporalCohortCharacterization bool `json:"run_temporal_cohort_characterization"`
	RunIncidenceRate                  bool `json:"run_incidence_rate"`
}

// Threshold 返回最小单元格计数；调用前必须已通过 Validate。
func (s DiagnosticsSettings) Threshold() int64 {
	if s.MinCellCount == nil {
		return 0
	}
	return *s.MinCellCount
}

// Validate 校验诊断设置
func (s DiagnosticsSettings) Validate() error {
	if s.MinCellCount == nil {
		return NewError(ErrSettingsValidation, "diagnostics_settings.min_cell_count is required")
	}
	if *s.MinCellCount < 1 {
		return Errorf(ErrSettingsValidation, "diagnostics_settings.min_cell_count must be >= 1, got %d", *s.MinCellCount)
	}
	return nil
}

// TemporalCovariateSettings 时间协变量设置，字段与 FeatureExtraction 的
// createTemporalCovariateSettings 对应。
type TemporalCovariateSettings struct {
	UseDemographicsGender       bool    `json:"use_demographics_gender"`
	UseDemographicsAge          bool    `json:"use_demographics_age"`
	UseConditionOccurrence      bool    `json:"use_condition_occurrence"`
	UseDrugExposure             bool    `json:"use_drug_exposure"`
	UseProcedureOccurrence      bool    `json:"use_procedure_occurrence"`
	UseMeasurementValue         bool    `json:"use_measurement_value"`
	UseVisitCount               bool    `json:"use_visit_count"`
	TemporalStartDays           []int   `json:"temporal_start_days"`
	TemporalEndDays             []int   `json:"temporal_end_days"`
	IncludedCovariateConceptIDs []int64 `json:"included_covariate_concept_ids,omitempty"`
	HistogramBinWidth           float64 `json:"histogram_bin_width,omitempty"`
	SeriesBinDays               int     `json:"series_bin_days,omitempty"`
}

// TimeWindow 相对入组日的时间窗（含端点）
type TimeWindow struct {
	TimeID   int `json:"time_id"`
	StartDay int `json:"start_day"`
	EndDay   int `json:"end_day"`
}

// Windows 返回按 time_id 编号的时间窗，time_id 从 1 开始
func (s TemporalCovariateSettings) Windows() []TimeWindow {
	windows := make([]TimeWindow, 0, len(s.TemporalStartDays))
	for i := range s.TemporalStartDays {
		windows = append(windows, TimeWindow{
			TimeID:   i + 1,
			StartDay: s.TemporalStartDays[i],
			EndDay:   s.TemporalEndDays[i],
		})
	}
	return windows
}

// Validate 校验时间协变量设置的内部一致性（与本地观察期无关）
func (s TemporalCovariateSettings) Validate() error {
	var errs []string
	if len(s.TemporalStartDays) != len(s.TemporalEndDays) {
		errs = append(errs, fmt.Sprintf("temporal_start_days (%d) and temporal_end_days (%d) differ in length",
			len(s.TemporalStartDays), len(s.TemporalEndDays)))
	} else {
		for i := range s.TemporalStartDays {
			if s.TemporalStartDays[i] > s.TemporalEndDays[i] {
				errs = append(errs, fmt.Sprintf("window %d: start %d > end %d", i+1, s.TemporalStartDays[i], s.TemporalEndDays[i]))
			}
		}
	}
	if s.HistogramBinWidth < 0 {
		errs = append(errs, "histogram_bin_width must be non-negative")
	}
	if s.SeriesBinDays < 0 {
		errs = append(errs, "series_bin_days must be non-negative")
	}
	if s.anyCovariate() && len(s.TemporalStartDays) == 0 {
		errs = append(errs, "at least one temporal window is required when covariates are enabled")
	}
	if len(errs) > 0 {
		return Errorf(ErrSettingsValidation, "temporal_covariate_settings: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s TemporalCovariateSettings) anyCovariate() bool {
	return s.UseDemographicsGender || s.UseDemographicsAge || s.UseConditionOccurrence ||
		s.UseDrugExposure || s.UseProcedureOccurrence || s.UseMeasurementValue || s.UseVisitCount
}

// IncludesConcept 报告概念是否在协变量白名单内（空白名单表示全部）
func (s TemporalCovariateSettings) IncludesConcept(conceptID int64) bool {
	if len(s.IncludedCovariateConceptIDs) == 0 {
		return true
	}
	for _, id := range s.IncludedCovariateConceptIDs {
		if id == conceptID {
			return true
		}
	}
	return false
}

// MetaCohortOperator 元队列集合运算
type MetaCohortOperator string

const (
	MetaUnion      MetaCohortOperator = "union"
	MetaIntersect  MetaCohortOperator = "intersect"
	MetaDifference MetaCohortOperator = "difference"
)

// MetaCohort 由已命名队列经集合运算得到的派生队列
type MetaCohort struct {
	Name     string             `json:"name"`
	Operator MetaCohortOperator `json:"operator"`
	Members  []string           `json:"members"`
}

// MetaCohortSettings 元队列设置
type MetaCohortSettings struct {
	Cohorts []MetaCohort `json:"cohorts"`
}

// Validate 校验元队列引用的队列名均存在
func (s MetaCohortSettings) Validate(cohortNames []string) error {
	known := make(map[string]bool, len(cohortNames))
	for _, n := range cohortNames {
		known[n] = true
	}
	var errs []string
	for i, mc := range s.Cohorts {
		if mc.Name == "" {
			errs = append(errs, fmt.Sprintf("cohorts[%d].name is required", i))
		} else if known[mc.Name] {
			errs = append(errs, fmt.Sprintf("meta cohort %q collides with an existing cohort name", mc.Name))
		}
		switch mc.Operator {
		case MetaUnion, MetaIntersect, MetaDifference:
		default:
			errs = append(errs, fmt.Sprintf("meta cohort %q: operator %q is not supported", mc.Name, mc.Operator))
		}
		if len(mc.Members) < 2 {
			errs = append(errs, fmt.Sprintf("meta cohort %q needs at least two members", mc.Name))
		}
		for _, m := range mc.Members {
			if !known[m] {
				errs = append(errs, fmt.Sprintf("meta cohort %q references unknown cohort %q", mc.Name, m))
			}
		}
		if mc.Name != "" {
			known[mc.Name] = true
		}
	}
	if len(errs) > 0 {
		return Errorf(ErrSettingsValidation, "meta_cohorts: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DecodeStrict 严格解码 JSON：拒绝未知字段与尾随数据
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected trailing data after JSON document")
	}
	return nil
}
