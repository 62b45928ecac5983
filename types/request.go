package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RequestVersion 当前任务请求版本
const RequestVersion = "1"

// AllOrganizations 表示协作中的全部组织
const AllOrganizations = "ALL"

// "m" 加数字的 ID 保留给站点上组合出的元队列
var metaCohortIDPattern = regexp.MustCompile(`^m[0-9]+$`)

// MetaCohortID 第 index 个元队列的 ID
func MetaCohortID(index int) string {
	return fmt.Sprintf("m%03d", index)
}

// derivedCohortID 未指定 ID 的第 index 个定义获得的 ID
func derivedCohortID(index int) string {
	return fmt.Sprintf("c%03d", index)
}

// OrganizationTarget 参与组织：不透明 ID 与本地数据库句柄引用
type OrganizationTarget struct {
	ID       string            `json:"id" yaml:"id"`
	Name     string            `json:"name,omitempty" yaml:"name"`
	Endpoint string            `json:"endpoint,omitempty" yaml:"endpoint"`
	Database string            `json:"database,omitempty" yaml:"database"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// OrganizationSelector 组织选择："ALL" 或显式 ID 列表
type OrganizationSelector struct {
	All bool
	IDs []string
}

// IsAll 零值（字段缺省）与空列表都视为全部组织
func (s OrganizationSelector) IsAll() bool {
	return s.All || len(s.IDs) == 0
}

// MarshalJSON 编码为 "ALL" 或字符串数组
func (s OrganizationSelector) MarshalJSON() ([]byte, error) {
	if s.IsAll() {
		return json.Marshal(AllOrganizations)
	}
	return json.Marshal(s.IDs)
}

// UnmarshalJSON 接受 "ALL" 或字符串数组
func (s *OrganizationSelector) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if !strings.EqualFold(str, AllOrganizations) {
			return fmt.Errorf("organizations_to_include: expected %q or a list, got %q", AllOrganizations, str)
		}
		*s = OrganizationSelector{All: true}
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("organizations_to_include: %w", err)
	}
	*s = OrganizationSelector{IDs: ids}
	return nil
}

// TaskRequest 任务请求：派发后由 Orchestrator 持有且不可变
type TaskRequest struct {
	Version                   string                    `json:"version"`
	CohortDefinitions         []CohortDefinition        `json:"cohort_definitions"`
	CohortNames               []string                  `json:"cohort_names"`
	MetaCohorts               MetaCohortSettings        `json:"meta_cohorts"`
	TemporalCovariateSettings TemporalCovariateSettings `json:"temporal_covariate_settings"`
	DiagnosticsSettings       DiagnosticsSettings       `json:"diagnostics_settings"`
	OrganizationsToInclude    OrganizationSelector      `json:"organizations_to_include"`
}

// DecodeTaskRequest 严格解码并校验任务请求
func DecodeTaskRequest(data []byte) (*TaskRequest, error) {
	var req TaskRequest
	if err := DecodeStrict(data, &req); err != nil {
		return nil, NewError(ErrInvalidRequest, "malformed task request").WithCause(err)
	}
	if req.Version == "" {
		req.Version = RequestVersion
	}
	req.AssignCohortIDs()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate 校验请求的全部字段
func (r *TaskRequest) Validate() error {
	if r.Version != RequestVersion {
		return Errorf(ErrInvalidRequest, "unsupported task request version %q", r.Version)
	}
	if len(r.CohortDefinitions) == 0 {
		return NewError(ErrInvalidRequest, "cohort_definitions must not be empty")
	}
	if len(r.CohortNames) != len(r.CohortDefinitions) {
		return Errorf(ErrInvalidRequest, "cohort_names has %d entries for %d cohort definitions",
			len(r.CohortNames), len(r.CohortDefinitions))
	}
	seen := make(map[string]bool, len(r.CohortNames))
	for i, name := range r.CohortNames {
		if strings.TrimSpace(name) == "" {
			return Errorf(ErrInvalidRequest, "cohort_names[%d] is empty", i)
		}
		if seen[name] {
			return Errorf(ErrInvalidRequest, "cohort name %q is duplicated", name)
		}
		seen[name] = true
	}
	ids := make(map[string]bool, len(r.CohortDefinitions))
	for i := range r.CohortDefinitions {
		def := &r.CohortDefinitions[i]
		id := def.ID
		if id == "" {
			id = derivedCohortID(i)
		}
		if metaCohortIDPattern.MatchString(id) {
			return Errorf(ErrInvalidRequest, "cohort definition id %q is reserved for meta cohorts", id)
		}
		if ids[id] {
			return Errorf(ErrInvalidRequest, "cohort definition id %q is duplicated", id)
		}
		ids[id] = true
		if err := def.Validate(); err != nil {
			return err
		}
	}
	if err := r.MetaCohorts.Validate(r.CohortNames); err != nil {
		return err
	}
	if err := r.TemporalCovariateSettings.Validate(); err != nil {
		return err
	}
	if err := r.DiagnosticsSettings.Validate(); err != nil {
		return err
	}
	if !r.OrganizationsToInclude.IsAll() {
		orgs := make(map[string]bool, len(r.OrganizationsToInclude.IDs))
		for _, id := range r.OrganizationsToInclude.IDs {
			if id == "" || orgs[id] {
				return Errorf(ErrInvalidRequest, "organizations_to_include contains an empty or duplicate id %q", id)
			}
			orgs[id] = true
		}
	}
	return nil
}

// AssignCohortIDs 为缺少 ID 的定义分配稳定 ID（按位置）
func (r *TaskRequest) AssignCohortIDs() {
	for i := range r.CohortDefinitions {
		if r.CohortDefinitions[i].ID == "" {
			r.CohortDefinitions[i].ID = derivedCohortID(i)
		}
	}
}

// Clone 深拷贝请求，派发时冻结
func (r *TaskRequest) Clone() (*TaskRequest, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("clone task request: %w", err)
	}
	var out TaskRequest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone task request: %w", err)
	}
	return &out, nil
}

// CohortNameByID 返回定义 ID 到队列名的映射
func (r *TaskRequest) CohortNameByID() map[string]string {
	out := make(map[string]string, len(r.CohortDefinitions))
	for i, def := range r.CohortDefinitions {
		out[def.ID] = r.CohortNames[i]
	}
	return out
}
