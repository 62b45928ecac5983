package diagnostics

import (
	"time"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/cohort"
	"github.com/BaSui01/cohortdiag/stats"
	"github.com/BaSui01/cohortdiag/types"
)

type seriesKey struct {
	covariate string
	start     int
	end       int
}

// temporalSeries 相对入组日的分箱事件人数。
// SeriesBinDays 为 0 时每个时间窗即一个箱。未出现的箱表示零人。
func temporalSeries(members []cohort.Member, pop *population, ts types.TemporalCovariateSettings, windows []types.TimeWindow, sup stats.Suppressor) []types.SeriesPoint {
	if len(windows) == 0 {
		return nil
	}
	lo, hi := windows[0].StartDay, windows[0].EndDay
	for _, w := range windows[1:] {
		lo = min(lo, w.StartDay)
		hi = max(hi, w.EndDay)
	}

	bins := func(offset int) []seriesKey {
		if ts.SeriesBinDays > 0 {
			start := floorDiv(offset, ts.SeriesBinDays) * ts.SeriesBinDays
			return []seriesKey{{start: start, end: start + ts.SeriesBinDays - 1}}
		}
		var keys []seriesKey
		for _, w := range windows {
			if offset >= w.StartDay && offset <= w.EndDay {
				keys = append(keys, seriesKey{start: w.StartDay, end: w.EndDay})
			}
		}
		return keys
	}

	counts := make(map[seriesKey]int64)
	for _, a := range enabledAnalyses(ts) {
		byPerson, ok := pop.events[a.table]
		if !ok {
			continue
		}
		for _, m := range members {
			seen := make(map[seriesKey]bool)
			for _, ev := range byPerson[m.PersonID] {
				offset := cdm.DaysBetween(m.EntryDate, ev.StartDate)
				if offset < lo || offset > hi {
					continue
				}
				concept := ev.ConceptID
				if a.kind == kindCount {
					concept = 0
				}
				for _, k := range bins(offset) {
					k.covariate = covariateID(a.name, concept)
					if !seen[k] {
						seen[k] = true
						counts[k]++
					}
				}
			}
		}
	}

	out := make([]types.SeriesPoint, 0, len(counts))
	for k, n := range counts {
		out = append(out, types.SeriesPoint{
			CovariateID: k.covariate,
			OffsetStart: k.start,
			OffsetEnd:   k.end,
			Count:       sup.Cell(n),
		})
	}
	return out
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// incidence 按日历年：分子为该年入组人数，分母为全部观察期在该年内的人日
func incidence(members []cohort.Member, periods []cdm.ObservationPeriod, sup stats.Suppressor) []types.IncidenceStratum {
	if len(periods) == 0 {
		return nil
	}
	personDays := make(map[int]int64)
	for _, p := range periods {
		for y := p.StartDate.Year(); y <= p.EndDate.Year(); y++ {
			from := time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
			to := time.Date(y, 12, 31, 0, 0, 0, 0, time.UTC)
			if p.StartDate.After(from) {
				from = p.StartDate
			}
			if p.EndDate.Before(to) {
				to = p.EndDate
			}
			personDays[y] += int64(cdm.DaysBetween(from, to) + 1)
		}
	}
	outcomes := make(map[int]int64)
	for _, m := range members {
		outcomes[m.EntryDate.Year()]++
	}
	years := make(map[int]struct{})
	for y := range personDays {
		years[y] = struct{}{}
	}
	for y := range outcomes {
		years[y] = struct{}{}
	}
	out := make([]types.IncidenceStratum, 0, len(years))
	for y := range years {
		out = append(out, types.IncidenceStratum{
			CalendarYear: y,
			Outcomes:     sup.Cell(outcomes[y]),
			PersonDays:   personDays[y],
		})
	}
	return out
}
