package cohort

import (
	"sort"
	"time"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/types"
)

// Member 队列中的一个人。只存在于站点执行期间。
type Member struct {
	Pseudonym    string
	PersonID     int64
	EntryDate    time.Time
	ExitDate     time.Time
	EntryEventID int64
	EventCount   int
	Period       cdm.ObservationPeriod
	RuleTrace    []bool
	Qualified    bool
}

// LocalCohort 组织本地物化的队列名册。
// 没有 JSON 标签，也没有任何编码器接受它。
type LocalCohort struct {
	ID        string
	Name      string
	Meta      bool
	RuleNames []string
	// Candidates 满足入组事件与观察窗的人（按 PersonID 排序），未必通过纳入规则
	Candidates []Member
	Warnings   []types.Warning
}

// Members 返回通过全部纳入规则的成员
func (c *LocalCohort) Members() []Member {
	out := make([]Member, 0, len(c.Candidates))
	for _, m := range c.Candidates {
		if m.Qualified {
			out = append(out, m)
		}
	}
	return out
}

// Subjects 成员人数
func (c *LocalCohort) Subjects() int64 {
	var n int64
	for _, m := range c.Candidates {
		if m.Qualified {
			n++
		}
	}
	return n
}

// Entries 成员的合格入组事件总数
func (c *LocalCohort) Entries() int64 {
	var n int64
	for _, m := range c.Candidates {
		if m.Qualified {
			n += int64(m.EventCount)
		}
	}
	return n
}

// PersonIDs 成员的 person_id（升序）
func (c *LocalCohort) PersonIDs() []int64 {
	ids := make([]int64, 0, len(c.Candidates))
	for _, m := range c.Candidates {
		if m.Qualified {
			ids = append(ids, m.PersonID)
		}
	}
	return ids
}

func (c *LocalCohort) warnIfEmpty() {
	if c.Subjects() > 0 {
		return
	}
	c.Warnings = append(c.Warnings, types.Warning{
		Code:     types.ErrEmptyCohort,
		CohortID: c.ID,
		Message:  "no persons qualify for cohort " + c.Name,
	})
}

// Combine 按集合运算合成元队列；只考虑各成员队列中的合格成员。
//   - union: 取最早入组日与最晚出组日
//   - intersect: 取最晚入组日与最早出组日，区间为空的人被剔除
//   - difference: 第一个队列减去其余队列中出现的人，日期沿用第一个队列
func Combine(id, name string, op types.MetaCohortOperator, members []*LocalCohort) *LocalCohort {
	out := &LocalCohort{ID: id, Name: name, Meta: true}
	if len(members) == 0 {
		out.warnIfEmpty()
		return out
	}

	index := make([]map[int64]Member, len(members))
	for i, c := range members {
		index[i] = make(map[int64]Member)
		for _, m := range c.Members() {
			index[i][m.PersonID] = m
		}
	}

	result := make(map[int64]Member)
	switch op {
	case types.MetaUnion:
		for _, idx := range index {
			for pid, m := range idx {
				cur, ok := result[pid]
				if !ok {
					result[pid] = m
					continue
				}
				if m.EntryDate.Before(cur.EntryDate) {
					cur.EntryDate = m.EntryDate
					cur.EntryEventID = m.EntryEventID
					cur.Period = m.Period
				}
				if m.ExitDate.After(cur.ExitDate) {
					cur.ExitDate = m.ExitDate
				}
				result[pid] = cur
			}
		}
	case types.MetaIntersect:
	next:
		for pid, m := range index[0] {
			for _, idx := range index[1:] {
				other, ok := idx[pid]
				if !ok {
					continue next
				}
				if other.EntryDate.After(m.EntryDate) {
					m.EntryDate = other.EntryDate
					m.EntryEventID = other.EntryEventID
					m.Period = other.Period
				}
				if other.ExitDate.Before(m.ExitDate) {
					m.ExitDate = other.ExitDate
				}
			}
			if m.EntryDate.After(m.ExitDate) {
				continue
			}
			result[pid] = m
		}
	case types.MetaDifference:
		for pid, m := range index[0] {
			excluded := false
			for _, idx := range index[1:] {
				if _, ok := idx[pid]; ok {
					excluded = true
					break
				}
			}
			if !excluded {
				result[pid] = m
			}
		}
	}

	out.Candidates = make([]Member, 0, len(result))
	for _, m := range result {
		m.RuleTrace = nil
		m.EventCount = 1
		m.Qualified = true
		out.Candidates = append(out.Candidates, m)
	}
	sort.Slice(out.Candidates, func(i, j int) bool { return out.Candidates[i].PersonID < out.Candidates[j].PersonID })
	out.warnIfEmpty()
	return out
}
