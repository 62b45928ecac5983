// Package fixtures 提供确定性的 CDM 站点样例与任务请求样例。
package fixtures

import (
	"time"

	"github.com/BaSui01/cohortdiag/cdm"
)

// 常用 OMOP 概念
const (
	GenderMale        int64 = 8507
	GenderFemale      int64 = 8532
	ConceptT2D        int64 = 201826
	ConceptHTN        int64 = 320128
	ConceptMetformin  int64 = 1503297
	ConceptHbA1c      int64 = 3004410
	ConceptOutpatient int64 = 9202
	ConceptHbA1cTest  int64 = 4184637
)

// IndexBase 第一个人的入组日期；第 i 个人在其后 i 天入组
var IndexBase = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

// Site 构造一个有 n 个人的站点。seed 决定 person_id 前缀，保证跨站点不重叠。
//
// 每个人：
//   - 2010-01-01 至 2022-12-31 的观察期
//   - 入组日 IndexBase+i 的 T2D 诊断
//   - 偶数号：入组前 30 天的高血压诊断
//   - 3 的倍数：入组后 10 天的二甲双胍
//   - 入组后 5 天的 HbA1c，值为 6 + (i%5)*0.5
//   - 入组前 20 天与入组后 40 天各一次门诊
func Site(n int, seed int64) *cdm.Memory {
	m := cdm.NewMemory()
	for i := 1; i <= n; i++ {
		pid := seed*100_000 + int64(i)
		gender := GenderMale
		if i%2 == 0 {
			gender = GenderFemale
		}
		m.AddPerson(cdm.Person{PersonID: pid, GenderConceptID: gender, YearOfBirth: 1950 + i%40},
			cdm.ObservationPeriod{
				PeriodID:  pid,
				StartDate: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
				EndDate:   time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC),
			})

		index := IndexBase.AddDate(0, 0, i)
		m.AddEvent("condition_occurrence", cdm.Event{EventID: pid*10 + 1, PersonID: pid, ConceptID: ConceptT2D, StartDate: index})
		if i%2 == 0 {
			m.AddEvent("condition_occurrence", cdm.Event{EventID: pid*10 + 2, PersonID: pid, ConceptID: ConceptHTN, StartDate: index.AddDate(0, 0, -30)})
		}
		if i%3 == 0 {
			end := index.AddDate(0, 0, 40)
			m.AddEvent("drug_exposure", cdm.Event{EventID: pid*10 + 3, PersonID: pid, ConceptID: ConceptMetformin, StartDate: index.AddDate(0, 0, 10), EndDate: &end})
		}
		v := 6 + float64(i%5)*0.5
		m.AddEvent("measurement", cdm.Event{EventID: pid*10 + 4, PersonID: pid, ConceptID: ConceptHbA1c, StartDate: index.AddDate(0, 0, 5), Value: &v})
		m.AddEvent("visit_occurrence", cdm.Event{EventID: pid*10 + 5, PersonID: pid, ConceptID: ConceptOutpatient, StartDate: index.AddDate(0, 0, -20)})
		m.AddEvent("visit_occurrence", cdm.Event{EventID: pid*10 + 6, PersonID: pid, ConceptID: ConceptOutpatient, StartDate: index.AddDate(0, 0, 40)})
	}
	return m
}

// HbA1cValues 返回 Site(n, _) 中全部 HbA1c 值，用于与合并后的矩比较
func HbA1cValues(n int) []float64 {
	out := make([]float64, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, 6+float64(i%5)*0.5)
	}
	return out
}
