package cdm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory 内存 CDM 句柄，用于本地演示与测试。
// MissingFields 可模拟异构站点缺失的字段（table -> fields）。
type Memory struct {
	mu sync.RWMutex

	PersonRows    []Person
	Periods       []ObservationPeriod
	DeathRows     []Death
	EventRows     map[string][]Event
	MissingTables []string
	MissingFields map[string][]string
	ExtraConcepts map[string]map[string]map[int64]int64
}

// NewMemory 创建空的内存句柄
func NewMemory() *Memory {
	return &Memory{EventRows: make(map[string][]Event)}
}

// AddPerson 添加人员及其观察期
func (m *Memory) AddPerson(p Person, periods ...ObservationPeriod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PersonRows = append(m.PersonRows, p)
	for _, op := range periods {
		op.PersonID = p.PersonID
		op.StartDate = DateOnly(op.StartDate)
		op.EndDate = DateOnly(op.EndDate)
		m.Periods = append(m.Periods, op)
	}
}

// AddDeath 添加死亡记录
func (m *Memory) AddDeath(d Death) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.DeathDate = DateOnly(d.DeathDate)
	m.DeathRows = append(m.DeathRows, d)
}

// AddEvent 添加事件
func (m *Memory) AddEvent(table string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EventRows == nil {
		m.EventRows = make(map[string][]Event)
	}
	ev.StartDate = DateOnly(ev.StartDate)
	if ev.EndDate != nil {
		end := DateOnly(*ev.EndDate)
		ev.EndDate = &end
	}
	m.EventRows[table] = append(m.EventRows[table], ev)
}

// Schema 返回全部已知表，扣除模拟缺失的表与字段
func (m *Memory) Schema(ctx context.Context) (Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tables := map[string][]string{
		"person":             {"person_id", "gender_concept_id", "year_of_birth"},
		"observation_period": {"observation_period_id", "person_id", "observation_period_start_date", "observation_period_end_date"},
		"death":              {"person_id", "death_date"},
	}
	for name, d := range domains {
		tables[name] = d.Fields()
	}
	for _, t := range m.MissingTables {
		delete(tables, t)
	}
	s := NewSchema(tables)
	for t, fields := range m.MissingFields {
		for _, f := range fields {
			delete(s[t], f)
		}
	}
	return s, ctx.Err()
}

// Persons 返回人员
func (m *Memory) Persons(ctx context.Context) ([]Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Person(nil), m.PersonRows...)
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out, ctx.Err()
}

// ObservationPeriods 返回观察期
func (m *Memory) ObservationPeriods(ctx context.Context) ([]ObservationPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]ObservationPeriod(nil), m.Periods...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].PersonID != out[j].PersonID {
			return out[i].PersonID < out[j].PersonID
		}
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out, ctx.Err()
}

// Deaths 返回死亡记录
func (m *Memory) Deaths(ctx context.Context) ([]Death, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Death(nil), m.DeathRows...), ctx.Err()
}

// Events 按表、概念与人员过滤事件
func (m *Memory) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := LookupDomain(q.Table)
	if !ok {
		return nil, fmt.Errorf("unsupported event table %q", q.Table)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	field := q.ConceptField
	if field == "" {
		field = d.ConceptField
	}
	concepts := toSet(q.ConceptIDs)
	persons := toSet(q.PersonIDs)

	var out []Event
	for _, ev := range m.EventRows[q.Table] {
		concept := ev.ConceptID
		if field != d.ConceptField {
			alt, ok := m.ExtraConcepts[q.Table][field][ev.EventID]
			if !ok {
				continue
			}
			concept = alt
		}
		if concepts != nil {
			if _, ok := concepts[concept]; !ok {
				continue
			}
		}
		if persons != nil {
			if _, ok := persons[ev.PersonID]; !ok {
				continue
			}
		}
		ev.ConceptID = concept
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func toSet(ids []int64) map[int64]struct{} {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
