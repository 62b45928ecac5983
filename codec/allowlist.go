package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/cohortdiag/types"
)

// partialFields 部分结果允许出现的全部字段路径（数组元素记为 []）。
// 新增字段必须显式登记，否则编码被拒绝。
var partialFields = []string{
	"schema_version",
	"payload",
	"payload.schema_version",
	"payload.task_id",
	"payload.execution_id",
	"payload.organization_id",
	"payload.min_cell_count",
	"payload.warnings",
	"payload.warnings[]",
	"payload.warnings[].code",
	"payload.warnings[].cohort_id",
	"payload.warnings[].message",
	"payload.cohorts",
	"payload.cohorts[]",
	"payload.cohorts[].cohort_id",
	"payload.cohorts[].cohort_name",
	"payload.cohorts[].meta",
	"payload.cohorts[].subjects",
	"payload.cohorts[].entries",
	"payload.cohorts[].inclusion_rules",
	"payload.cohorts[].inclusion_rules[]",
	"payload.cohorts[].inclusion_rules[].index",
	"payload.cohorts[].inclusion_rules[].name",
	"payload.cohorts[].inclusion_rules[].meet",
	"payload.cohorts[].inclusion_rules[].gain",
	"payload.cohorts[].inclusion_rules[].remain",
	"payload.cohorts[].covariates",
	"payload.cohorts[].covariates[]",
	"payload.cohorts[].covariates[].covariate_id",
	"payload.cohorts[].covariates[].analysis",
	"payload.cohorts[].covariates[].concept_id",
	"payload.cohorts[].covariates[].time_id",
	"payload.cohorts[].covariates[].continuous",
	"payload.cohorts[].covariates[].count",
	"payload.cohorts[].covariates[].moments",
	"payload.cohorts[].covariates[].moments.n",
	"payload.cohorts[].covariates[].moments.mean",
	"payload.cohorts[].covariates[].moments.variance",
	"payload.cohorts[].covariates[].histogram",
	"payload.cohorts[].covariates[].histogram[]",
	"payload.cohorts[].covariates[].histogram[].index",
	"payload.cohorts[].covariates[].histogram[].count",
	"payload.cohorts[].temporal_series",
	"payload.cohorts[].temporal_series[]",
	"payload.cohorts[].temporal_series[].covariate_id",
	"payload.cohorts[].temporal_series[].offset_start",
	"payload.cohorts[].temporal_series[].offset_end",
	"payload.cohorts[].temporal_series[].count",
	"payload.cohorts[].incidence_rates",
	"payload.cohorts[].incidence_rates[]",
	"payload.cohorts[].incidence_rates[].calendar_year",
	"payload.cohorts[].incidence_rates[].outcomes",
	"payload.cohorts[].incidence_rates[].person_days",
}

// AllowList 字段路径白名单
type AllowList map[string]struct{}

// NewAllowList 由路径列表构建白名单
func NewAllowList(paths ...string) AllowList {
	a := make(AllowList, len(paths))
	for _, p := range paths {
		a[p] = struct{}{}
	}
	return a
}

// PartialAllowList 部分结果信封的白名单
func PartialAllowList() AllowList {
	return NewAllowList(partialFields...)
}

// Paths 返回排序后的路径
func (a AllowList) Paths() []string {
	out := make([]string, 0, len(a))
	for p := range a {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Check 遍历 JSON 文档，报告所有不在白名单中的字段路径
func (a AllowList) Check(doc []byte) error {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("parse document: %w", err)
	}
	var rejected []string
	a.walk("", v, &rejected)
	if len(rejected) > 0 {
		sort.Strings(rejected)
		return types.Errorf(types.ErrDisallowedField, "fields not in the allow-list: %s", strings.Join(rejected, ", "))
	}
	return nil
}

func (a AllowList) walk(path string, v any, rejected *[]string) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if _, ok := a[p]; !ok {
				*rejected = append(*rejected, p)
				continue
			}
			a.walk(p, child, rejected)
		}
	case []any:
		p := path + "[]"
		for _, child := range node {
			if _, isObj := child.(map[string]any); isObj || isArray(child) {
				if _, ok := a[p]; !ok {
					*rejected = append(*rejected, p)
					return
				}
			}
			a.walk(p, child, rejected)
		}
	}
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}
