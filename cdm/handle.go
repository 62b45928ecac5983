package cdm

import (
	"context"
	"sort"
	"time"
)

// =============================================================================
// 🏥 OMOP CDM 访问契约
// =============================================================================

// Handle 本地 CDM 分区的只读访问句柄。实现方负责 SQL 执行。
type Handle interface {
	// Schema 返回本地可用的表与字段
	Schema(ctx context.Context) (Schema, error)

	// Persons 返回人口学信息
	Persons(ctx context.Context) ([]Person, error)

	// ObservationPeriods 返回全部观察期
	ObservationPeriods(ctx context.Context) ([]ObservationPeriod, error)

	// Deaths 返回死亡记录
	Deaths(ctx context.Context) ([]Death, error)

	// Events 返回临床事件
	Events(ctx context.Context, q EventQuery) ([]Event, error)
}

// Person OMOP person 行的必要字段
type Person struct {
	PersonID        int64
	GenderConceptID int64
	YearOfBirth     int
}

// ObservationPeriod 观察期
type ObservationPeriod struct {
	PeriodID  int64
	PersonID  int64
	StartDate time.Time
	EndDate   time.Time
}

// Contains 报告日期是否在观察期内（含端点）
func (o ObservationPeriod) Contains(d time.Time) bool {
	return !d.Before(o.StartDate) && !d.After(o.EndDate)
}

// Death 死亡记录
type Death struct {
	PersonID  int64
	DeathDate time.Time
}

// Event 统一的临床事件
type Event struct {
	EventID   int64
	PersonID  int64
	ConceptID int64
	StartDate time.Time
	EndDate   *time.Time
	Value     *float64
}

// EventQuery 事件查询。ConceptIDs / PersonIDs 为空表示不过滤。
type EventQuery struct {
	Table        string
	ConceptField string
	ConceptIDs   []int64
	PersonIDs    []int64
}

// Schema 表名 -> 字段集合
type Schema map[string]map[string]struct{}

// Has 报告表（及可选字段）是否存在
func (s Schema) Has(table, field string) bool {
	cols, ok := s[table]
	if !ok {
		return false
	}
	if field == "" {
		return true
	}
	_, ok = cols[field]
	return ok
}

// Tables 返回排序后的表名
func (s Schema) Tables() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewSchema 由 表 -> 字段列表 构建 Schema
func NewSchema(tables map[string][]string) Schema {
	s := make(Schema, len(tables))
	for t, cols := range tables {
		set := make(map[string]struct{}, len(cols))
		for _, c := range cols {
			set[c] = struct{}{}
		}
		s[t] = set
	}
	return s
}

// DateOnly 截断到 UTC 日期
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween 返回 to - from 的整天数
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}

// AddDays 日期加天数
func AddDays(t time.Time, days int) time.Time {
	return DateOnly(t).AddDate(0, 0, days)
}
