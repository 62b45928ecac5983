package types

import (
	"fmt"
	"regexp"
	"strings"
)

// =============================================================================
// 🧬 队列定义
// =============================================================================

// identifierPattern 限制表名与字段名只能是普通 SQL 标识符
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// CohortDefinition 队列定义：入组事件、纳入规则与出组规则。
// 派发后不可修改（Orchestrator 在派发时做深拷贝）。
type CohortDefinition struct {
	ID         string           `json:"id,omitempty"`
	Expression CohortExpression `json:"expression"`
	Exit       ExitRule         `json:"exit"`
}

// CohortExpression 声明式纳入表达式
type CohortExpression struct {
	PrimaryCriteria   PrimaryCriteria   `json:"primary_criteria"`
	ObservationWindow ObservationWindow `json:"observation_window"`
	InclusionRules    []InclusionRule   `json:"inclusion_rules,omitempty"`
}

// PrimaryCriteria 入组事件：某张临床事件表中命中概念集合的记录
type PrimaryCriteria struct {
	Table        string  `json:"table"`
	ConceptField string  `json:"concept_field,omitempty"`
	ConceptIDs   []int64 `json:"concept_ids"`
}

// ObservationWindow 入组事件前后要求的连续观察天数
type ObservationWindow struct {
	PriorDays int `json:"prior_days"`
	PostDays  int `json:"post_days"`
}

// InclusionRuleType 纳入规则内部条件的组合方式
type InclusionRuleType string

const (
	RuleTypeAll     InclusionRuleType = "all"
	RuleTypeAny     InclusionRuleType = "any"
	RuleTypeAtLeast InclusionRuleType = "at_least"
)

// InclusionRule 一条命名的纳入规则
type InclusionRule struct {
	Name     string            `json:"name"`
	Type     InclusionRuleType `json:"type"`
	Count    int               `json:"count,omitempty"`
	Criteria []Criterion       `json:"criteria"`
}

// Criterion 相对入组日的时间窗内对某表某字段的谓词。
// StartDay / EndDay 为相对入组日的天数偏移（含端点）。
type Criterion struct {
	Table          string  `json:"table"`
	Field          string  `json:"field"`
	ConceptIDs     []int64 `json:"concept_ids"`
	StartDay       int     `json:"start_day"`
	EndDay         int     `json:"end_day"`
	MinOccurrences int     `json:"min_occurrences,omitempty"`
	Exclude        bool    `json:"exclude,omitempty"`
}

// ExitStrategy 出组日期策略
type ExitStrategy string

const (
	ExitEndOfObservation ExitStrategy = "end_of_observation"
	ExitFixedDuration    ExitStrategy = "fixed_duration"
	ExitDeath            ExitStrategy = "death"
)

// ExitRule 出组规则：取所列策略中最早的日期，同日按声明顺序。
type ExitRule struct {
	Strategies      []ExitStrategy `json:"strategies"`
	FixedDays       int            `json:"fixed_days,omitempty"`
	FixedOffsetFrom OffsetAnchor   `json:"fixed_offset_from,omitempty"`
}

// OffsetAnchor fixed_duration 的起算点：入组事件的开始或结束日期
type OffsetAnchor string

const (
	OffsetFromStart OffsetAnchor = "start"
	OffsetFromEnd   OffsetAnchor = "end"
)

// TableRef 表达式引用的表/字段，用于本地 schema 校验
type TableRef struct {
	Table string
	Field string
}

// String 返回 table.field 形式
func (r TableRef) String() string {
	if r.Field == "" {
		return r.Table
	}
	return r.Table + "." + r.Field
}

// References 返回表达式中引用的全部表与字段（按出现顺序去重）
func (d *CohortDefinition) References() []TableRef {
	seen := make(map[TableRef]struct{})
	var refs []TableRef
	add := func(r TableRef) {
		if _, ok := seen[r]; ok {
			return
		}
		seen[r] = struct{}{}
		refs = append(refs, r)
	}

	pc := d.Expression.PrimaryCriteria
	add(TableRef{Table: pc.Table, Field: pc.ConceptFieldOrDefault()})
	for _, rule := range d.Expression.InclusionRules {
		for _, c := range rule.Criteria {
			add(TableRef{Table: c.Table, Field: c.Field})
		}
	}
	for _, s := range d.Exit.Strategies {
		if s == ExitDeath {
			add(TableRef{Table: "death", Field: "death_date"})
		}
	}
	return refs
}

// ConceptFieldOrDefault 未显式指定时按 OMOP 约定推导概念字段：
// condition_occurrence -> condition_concept_id
func (p PrimaryCriteria) ConceptFieldOrDefault() string {
	if p.ConceptField != "" {
		return p.ConceptField
	}
	return DefaultConceptField(p.Table)
}

// DefaultConceptField 按 OMOP 表名推导 *_concept_id 字段
func DefaultConceptField(table string) string {
	name := strings.TrimSuffix(table, "_occurrence")
	name = strings.TrimSuffix(name, "_exposure")
	return name + "_concept_id"
}

// Validate 校验队列定义的结构（不涉及本地 schema）
func (d *CohortDefinition) Validate() error {
	var errs []string

	pc := d.Expression.PrimaryCriteria
	if !identifierPattern.MatchString(pc.Table) {
		errs = append(errs, fmt.Sprintf("primary_criteria.table %q is not a valid identifier", pc.Table))
	}
	if pc.ConceptField != "" && !identifierPattern.MatchString(pc.ConceptField) {
		errs = append(errs, fmt.Sprintf("primary_criteria.concept_field %q is not a valid identifier", pc.ConceptField))
	}
	if len(pc.ConceptIDs) == 0 {
		errs = append(errs, "primary_criteria.concept_ids must not be empty")
	}

	ow := d.Expression.ObservationWindow
	if ow.PriorDays < 0 || ow.PostDays < 0 {
		errs = append(errs, "observation_window days must be non-negative")
	}

	for i, rule := range d.Expression.InclusionRules {
		if rule.Name == "" {
			errs = append(errs, fmt.Sprintf("inclusion_rules[%d].name is required", i))
		}
		switch rule.Type {
		case RuleTypeAll, RuleTypeAny:
		case RuleTypeAtLeast:
			if rule.Count < 1 || rule.Count > len(rule.Criteria) {
				errs = append(errs, fmt.Sprintf("inclusion_rules[%d].count must be within 1..%d", i, len(rule.Criteria)))
			}
		default:
			errs = append(errs, fmt.Sprintf("inclusion_rules[%d].type %q is not supported", i, rule.Type))
		}
		if len(rule.Criteria) == 0 {
			errs = append(errs, fmt.Sprintf("inclusion_rules[%d].criteria must not be empty", i))
		}
		for j, c := range rule.Criteria {
			if !identifierPattern.MatchString(c.Table) || !identifierPattern.MatchString(c.Field) {
				errs = append(errs, fmt.Sprintf("inclusion_rules[%d].criteria[%d] references an invalid identifier", i, j))
			}
			if len(c.ConceptIDs) == 0 {
				errs = append(errs, fmt.Sprintf("inclusion_rules[%d].criteria[%d].concept_ids must not be empty", i, j))
			}
			if c.StartDay > c.EndDay {
				errs = append(errs, fmt.Sprintf("inclusion_rules[%d].criteria[%d] start_day > end_day", i, j))
			}
			if c.MinOccurrences < 0 {
				errs = append(errs, fmt.Sprintf("inclusion_rules[%d].criteria[%d].min_occurrences must be non-negative", i, j))
			}
		}
	}

	if err := d.Exit.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return Errorf(ErrInvalidRequest, "cohort definition %q: %s", d.ID, strings.Join(errs, "; "))
	}
	return nil
}

// Validate 出组规则必须包含至少一个总能确定日期的策略
func (r ExitRule) Validate() error {
	if len(r.Strategies) == 0 {
		return fmt.Errorf("exit.strategies must not be empty")
	}
	seen := make(map[ExitStrategy]bool, len(r.Strategies))
	anchored := false
	for _, s := range r.Strategies {
		switch s {
		case ExitEndOfObservation:
			anchored = true
		case ExitFixedDuration:
			anchored = true
			if r.FixedDays < 0 {
				return fmt.Errorf("exit.fixed_days must be non-negative")
			}
			switch r.FixedOffsetFrom {
			case "", OffsetFromStart, OffsetFromEnd:
			default:
				return fmt.Errorf("exit.fixed_offset_from %q is not supported", r.FixedOffsetFrom)
			}
		case ExitDeath:
		default:
			return fmt.Errorf("exit strategy %q is not supported", s)
		}
		if seen[s] {
			return fmt.Errorf("exit strategy %q listed twice", s)
		}
		seen[s] = true
	}
	if !anchored {
		return fmt.Errorf("exit.strategies must include end_of_observation or fixed_duration")
	}
	return nil
}

// IsIdentifier 报告 s 是否为合法的表/字段标识符
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
