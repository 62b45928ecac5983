package diagnostics

import (
	"fmt"
	"math"
	"sort"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/cohort"
	"github.com/BaSui01/cohortdiag/stats"
	"github.com/BaSui01/cohortdiag/types"
)

type analysisKind int

const (
	kindBinary analysisKind = iota
	kindValue
	kindCount
)

type analysis struct {
	name  string
	table string
	kind  analysisKind
}

// 分析名（出现在 CovariateStat.Analysis 中）
const (
	AnalysisGender       = "demographics_gender"
	AnalysisAge          = "demographics_age"
	AnalysisCondition    = "condition_occurrence"
	AnalysisDrug         = "drug_exposure"
	AnalysisProcedure    = "procedure_occurrence"
	AnalysisMeasurement = "measurement_value"
	AnalysisVisitCount   = "visit_count"
)

func enabledAnalyses(ts types.TemporalCovariateSettings) []analysis {
	var out []analysis
	if ts.UseConditionOccurrence {
		out = append(out, analysis{name: AnalysisCondition, table: "condition_occurrence", kind: kindBinary})
	}
	if ts.UseDrugExposure {
		out = append(out, analysis{name: AnalysisDrug, table: "drug_exposure", kind: kindBinary})
	}
	if ts.UseProcedureOccurrence {
		out = append(out, analysis{name: AnalysisProcedure, table: "procedure_occurrence", kind: kindBinary})
	}
	if ts.UseMeasurementValue {
		out = append(out, analysis{name: AnalysisMeasurement, table: "measurement", kind: kindValue})
	}
	if ts.UseVisitCount {
		out = append(out, analysis{name: AnalysisVisitCount, table: "visit_occurrence", kind: kindCount})
	}
	return out
}

func covariateID(analysis string, conceptID int64) string {
	if conceptID == 0 {
		return analysis
	}
	return fmt.Sprintf("%s:%d", analysis, conceptID)
}

// inclusionStats 每条规则的 meet / gain / remain
func inclusionStats(c *cohort.LocalCohort, sup stats.Suppressor) []types.InclusionRuleStat {
	out := make([]types.InclusionRuleStat, 0, len(c.RuleNames))
	for i, name := range c.RuleNames {
		var meet, gain, remain int64
		for _, m := range c.Candidates {
			if len(m.RuleTrace) <= i {
				continue
			}
			if m.RuleTrace[i] {
				meet++
			}
			others, prefix := true, true
			for j, ok := range m.RuleTrace {
				if j != i && !ok {
					others = false
				}
				if j <= i && !ok {
					prefix = false
				}
			}
			if !m.RuleTrace[i] && others {
				gain++
			}
			if prefix {
				remain++
			}
		}
		out = append(out, types.InclusionRuleStat{
			Index:  i,
			Name:   name,
			Meet:   sup.Cell(meet),
			Gain:   sup.Cell(gain),
			Remain: sup.Cell(remain),
		})
	}
	return out
}

// continuous 构造连续协变量；计数被抑制时矩与直方图一并扣留
func continuous(id, analysis string, conceptID int64, timeID int, values []float64, width float64, sup stats.Suppressor) types.CovariateStat {
	var acc stats.Accumulator
	for _, v := range values {
		acc.Add(v)
	}
	stat := types.CovariateStat{
		CovariateID: id,
		Analysis:    analysis,
		ConceptID:   conceptID,
		TimeID:      timeID,
		Continuous:  true,
		Count:       sup.Cell(acc.N()),
	}
	if stat.Count.Suppressed {
		return stat
	}
	m := acc.Moments()
	stat.Moments = &m
	if width > 0 {
		bins := make(map[int64]int64)
		for _, v := range values {
			bins[int64(math.Floor(v/width))]++
		}
		for idx, n := range bins {
			stat.Histogram = append(stat.Histogram, types.HistogramBin{Index: idx, Count: sup.Cell(n)})
		}
	}
	return stat
}

func demographics(members []cohort.Member, pop *population, ts types.TemporalCovariateSettings, sup stats.Suppressor) []types.CovariateStat {
	var out []types.CovariateStat
	if ts.UseDemographicsGender {
		counts := make(map[int64]int64)
		for _, m := range members {
			if p, ok := pop.persons[m.PersonID]; ok {
				counts[p.GenderConceptID]++
			}
		}
		for concept, n := range counts {
			out = append(out, types.CovariateStat{
				CovariateID: covariateID("gender", concept),
				Analysis:    AnalysisGender,
				ConceptID:   concept,
				Count:       sup.Cell(n),
			})
		}
	}
	if ts.UseDemographicsAge {
		ages := make([]float64, 0, len(members))
		for _, m := range members {
			if p, ok := pop.persons[m.PersonID]; ok && p.YearOfBirth > 0 {
				ages = append(ages, float64(m.EntryDate.Year()-p.YearOfBirth))
			}
		}
		out = append(out, continuous("age", AnalysisAge, 0, 0, ages, AgeBinYears, sup))
	}
	return out
}

func inWindow(m cohort.Member, ev cdm.Event, w types.TimeWindow) bool {
	offset := cdm.DaysBetween(m.EntryDate, ev.StartDate)
	return offset >= w.StartDay && offset <= w.EndDay
}

// windowedCovariates 按时间窗计算事件类协变量
func windowedCovariates(members []cohort.Member, pop *population, ts types.TemporalCovariateSettings, windows []types.TimeWindow, sup stats.Suppressor) []types.CovariateStat {
	var out []types.CovariateStat
	for _, a := range enabledAnalyses(ts) {
		byPerson, ok := pop.events[a.table]
		if !ok {
			continue
		}
		for _, w := range windows {
			switch a.kind {
			case kindBinary:
				counts := make(map[int64]int64)
				for _, m := range members {
					seen := make(map[int64]bool)
					for _, ev := range byPerson[m.PersonID] {
						if !seen[ev.ConceptID] && inWindow(m, ev, w) {
							seen[ev.ConceptID] = true
							counts[ev.ConceptID]++
						}
					}
				}
				for _, concept := range sortedKeys(counts) {
					out = append(out, types.CovariateStat{
						CovariateID: covariateID(a.name, concept),
						Analysis:    a.name,
						ConceptID:   concept,
						TimeID:      w.TimeID,
						Count:       sup.Cell(counts[concept]),
					})
				}
			case kindValue:
				values := make(map[int64][]float64)
				for _, m := range members {
					seen := make(map[int64]bool)
					for _, ev := range byPerson[m.PersonID] {
						if ev.Value == nil || seen[ev.ConceptID] || !inWindow(m, ev, w) {
							continue
						}
						seen[ev.ConceptID] = true
						values[ev.ConceptID] = append(values[ev.ConceptID], *ev.Value)
					}
				}
				for _, concept := range sortedKeys(values) {
					out = append(out, continuous(covariateID(a.name, concept), a.name, concept, w.TimeID,
						values[concept], ts.HistogramBinWidth, sup))
				}
			case kindCount:
				if len(members) == 0 {
					continue
				}
				values := make([]float64, 0, len(members))
				for _, m := range members {
					n := 0
					for _, ev := range byPerson[m.PersonID] {
						if inWindow(m, ev, w) {
							n++
						}
					}
					values = append(values, float64(n))
				}
				out = append(out, continuous(covariateID(a.name, 0), a.name, 0, w.TimeID, values, 1, sup))
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
