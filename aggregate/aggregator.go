package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/stats"
	"github.com/BaSui01/cohortdiag/types"
)

// Aggregator 合并多个组织的部分结果。
// 输入先按组织 ID 规范化再折叠，因此输出与到达顺序无关（浮点结果逐位一致）。
type Aggregator struct {
	decoder *codec.Decoder
	logger  *zap.Logger
}

// NewAggregator 创建聚合器
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{decoder: codec.NewDecoder(), logger: logger.With(zap.String("component", "aggregator"))}
}

// Expected 收集阶段记录的任务与各组织执行 ID；为空的字段不检查
type Expected struct {
	TaskID     string
	Executions map[string]string
}

// check 校验载荷的组织、任务与执行 ID
func (e Expected) check(org string, p *types.PartialDiagnostics) error {
	if p.OrganizationID != org {
		return types.Errorf(types.ErrIncompatibleSchema, "payload claims organization %q", p.OrganizationID)
	}
	if e.TaskID != "" && p.TaskID != e.TaskID {
		return types.Errorf(types.ErrIncompatibleSchema, "payload belongs to task %q, expected %q", p.TaskID, e.TaskID)
	}
	if exec, ok := e.Executions[org]; ok && p.ExecutionID != exec {
		return types.Errorf(types.ErrIncompatibleSchema, "payload belongs to execution %q, expected %q", p.ExecutionID, exec)
	}
	return checkCohortIDs(p)
}

// checkCohortIDs 同一部分结果内队列 ID 必须唯一
func checkCohortIDs(p *types.PartialDiagnostics) error {
	seen := make(map[string]bool, len(p.Cohorts))
	for _, c := range p.Cohorts {
		if seen[c.CohortID] {
			return types.Errorf(types.ErrIncompatibleSchema, "cohort id %q appears more than once", c.CohortID).
				WithOrganization(p.OrganizationID)
		}
		seen[c.CohortID] = true
	}
	return nil
}

// AggregateEncoded 先解码再合并。解码失败、组织/任务/执行 ID 不符的载荷被排除并记录，
// 只影响该组织的贡献。
func (a *Aggregator) AggregateEncoded(payloads map[string][]byte, expect Expected) (*AggregatedDiagnostics, error) {
	orgs := make([]string, 0, len(payloads))
	for org := range payloads {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	var (
		partials []*types.PartialDiagnostics
		rejected []Rejection
	)
	for _, org := range orgs {
		p, err := a.decoder.Decode(payloads[org])
		if err == nil {
			err = expect.check(org, p)
		}
		if err != nil {
			code := types.GetErrorCode(err)
			if code == "" {
				code = types.ErrIncompatibleSchema
			}
			rejected = append(rejected, Rejection{OrganizationID: org, Code: code, Message: err.Error()})
			a.logger.Warn("partial diagnostics rejected", zap.String("org_id", org), zap.Error(err))
			continue
		}
		partials = append(partials, p)
	}

	agg, err := a.Aggregate(partials)
	if err != nil {
		if e, ok := types.AsError(err); ok && e.Code == types.ErrInsufficientContributors && len(rejected) > 0 {
			reasons := make([]string, 0, len(rejected))
			for _, rj := range rejected {
				reasons = append(reasons, fmt.Sprintf("%s rejected (%s)", rj.OrganizationID, rj.Message))
			}
			e.Message = fmt.Sprintf("%s: %s", e.Message, strings.Join(reasons, "; "))
		}
		return nil, err
	}
	agg.Rejected = rejected
	return agg, nil
}

// Aggregate 合并部分结果。空输入没有定义，返回 INSUFFICIENT_CONTRIBUTORS。
func (a *Aggregator) Aggregate(partials []*types.PartialDiagnostics) (*AggregatedDiagnostics, error) {
	if len(partials) == 0 {
		return nil, types.NewError(types.ErrInsufficientContributors, "no organization produced a successful partial result")
	}

	sorted := make([]*types.PartialDiagnostics, 0, len(partials))
	seen := make(map[string]bool, len(partials))
	for _, p := range partials {
		if p == nil {
			continue
		}
		if seen[p.OrganizationID] {
			return nil, types.Errorf(types.ErrDuplicateContribution,
				"organization %q contributed more than once", p.OrganizationID).WithOrganization(p.OrganizationID)
		}
		seen[p.OrganizationID] = true
		sorted = append(sorted, p)
	}
	if len(sorted) == 0 {
		return nil, types.NewError(types.ErrInsufficientContributors, "no organization produced a successful partial result")
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrganizationID < sorted[j].OrganizationID })

	out := &AggregatedDiagnostics{TaskID: sorted[0].TaskID}
	for _, p := range sorted {
		if p.TaskID != out.TaskID {
			return nil, types.Errorf(types.ErrInvalidRequest,
				"partial results belong to different tasks: %q and %q", out.TaskID, p.TaskID)
		}
		if err := checkCohortIDs(p); err != nil {
			return nil, err
		}
		out.MinCellCount = max(out.MinCellCount, p.MinCellCount)
		out.Contributors = append(out.Contributors, p.OrganizationID)
		for _, w := range p.Warnings {
			out.Warnings = append(out.Warnings, OrgWarning{
				OrganizationID: p.OrganizationID,
				Code:           w.Code,
				CohortID:       w.CohortID,
				Message:        w.Message,
			})
		}
	}

	folds := make(map[string]*cohortFold)
	var order []string
	for _, p := range sorted {
		for i := range p.Cohorts {
			c := &p.Cohorts[i]
			f, ok := folds[c.CohortID]
			switch {
			case !ok:
				f = newCohortFold(c)
				folds[c.CohortID] = f
				order = append(order, c.CohortID)
			case f.name != c.CohortName || f.meta != c.Meta:
				return nil, types.Errorf(types.ErrIncompatibleSchema,
					"cohort id %q names %q at one organization and %q at %s", c.CohortID, f.name, c.CohortName, p.OrganizationID).
					WithOrganization(p.OrganizationID)
			}
			f.add(p.OrganizationID, c)
		}
	}
	sort.Strings(order)
	for _, id := range order {
		out.Cohorts = append(out.Cohorts, folds[id].finalize(out.MinCellCount))
	}

	a.logger.Debug("partial diagnostics aggregated",
		zap.String("task_id", out.TaskID),
		zap.Strings("contributors", out.Contributors),
		zap.Int("cohorts", len(out.Cohorts)))
	return out, nil
}

// =============================================================================
// 折叠状态
// =============================================================================

// countFold 计数累加：被抑制的贡献只计数不求和
type countFold struct {
	sum        int64
	reported   int
	suppressed int
}

func (f *countFold) add(c types.Cell) {
	f.reported++
	if c.Suppressed {
		f.suppressed++
		return
	}
	f.sum += c.Value
}

// MergeCounts 按阈值合并一组单元格
func MergeCounts(threshold int64, cells ...types.Cell) MergedCount {
	var f countFold
	for _, c := range cells {
		f.add(c)
	}
	return f.finalize(threshold)
}

func (f countFold) finalize(threshold int64) MergedCount {
	out := MergedCount{Contributors: f.reported}
	if f.suppressed == 0 {
		out.Value = f.sum
		out.Status = CountExact
		return out
	}
	out.ExcludedContributors = f.suppressed
	out.UpperBound = f.sum + int64(f.suppressed)*(threshold-1)
	if f.reported > f.suppressed && f.sum >= threshold {
		out.Value = f.sum
		out.Status = CountLowerBound
		return out
	}
	out.Status = CountSuppressedDerived
	return out
}

type ruleFold struct {
	name               string
	meet, gain, remain countFold
}

type covariateFold struct {
	stat         types.CovariateStat
	count        countFold
	moments      stats.Accumulator
	momentOrgs   int
	histogram    map[int64]*countFold
	histogramIdx []int64
}

type seriesKey struct {
	covariate  string
	start, end int
}

type incidenceFold struct {
	outcomes   countFold
	personDays int64
}

type cohortFold struct {
	id, name     string
	meta         bool
	contributors []string
	subjects     countFold
	entries      countFold
	rules        map[int]*ruleFold
	covariates   map[string]*covariateFold
	series       map[seriesKey]*countFold
	incidence    map[int]*incidenceFold
}

func newCohortFold(c *types.CohortPartial) *cohortFold {
	return &cohortFold{
		id:         c.CohortID,
		name:       c.CohortName,
		meta:       c.Meta,
		rules:      make(map[int]*ruleFold),
		covariates: make(map[string]*covariateFold),
		series:     make(map[seriesKey]*countFold),
		incidence:  make(map[int]*incidenceFold),
	}
}

func covariateKey(id string, timeID int) string {
	return fmt.Sprintf("%s@%d", id, timeID)
}

func (f *cohortFold) add(org string, c *types.CohortPartial) {
	f.contributors = append(f.contributors, org)
	f.subjects.add(c.Subjects)
	f.entries.add(c.Entries)

	for _, r := range c.InclusionRules {
		rf, ok := f.rules[r.Index]
		if !ok {
			rf = &ruleFold{name: r.Name}
			f.rules[r.Index] = rf
		}
		rf.meet.add(r.Meet)
		rf.gain.add(r.Gain)
		rf.remain.add(r.Remain)
	}

	for _, cov := range c.Covariates {
		key := covariateKey(cov.CovariateID, cov.TimeID)
		cf, ok := f.covariates[key]
		if !ok {
			cf = &covariateFold{stat: cov, histogram: make(map[int64]*countFold)}
			f.covariates[key] = cf
		}
		cf.count.add(cov.Count)
		if cov.Moments != nil && !cov.Count.Suppressed {
			cf.moments.Merge(stats.FromMoments(*cov.Moments))
			cf.momentOrgs++
		}
		for _, b := range cov.Histogram {
			bf, ok := cf.histogram[b.Index]
			if !ok {
				bf = &countFold{}
				cf.histogram[b.Index] = bf
				cf.histogramIdx = append(cf.histogramIdx, b.Index)
			}
			bf.add(b.Count)
		}
	}

	for _, s := range c.TemporalSeries {
		key := seriesKey{covariate: s.CovariateID, start: s.OffsetStart, end: s.OffsetEnd}
		sf, ok := f.series[key]
		if !ok {
			sf = &countFold{}
			f.series[key] = sf
		}
		sf.add(s.Count)
	}

	for _, ir := range c.IncidenceRates {
		inf, ok := f.incidence[ir.CalendarYear]
		if !ok {
			inf = &incidenceFold{}
			f.incidence[ir.CalendarYear] = inf
		}
		inf.outcomes.add(ir.Outcomes)
		inf.personDays += ir.PersonDays
	}
}

func (f *cohortFold) finalize(threshold int64) AggregatedCohort {
	out := AggregatedCohort{
		CohortID:     f.id,
		CohortName:   f.name,
		Meta:         f.meta,
		Contributors: f.contributors,
		Subjects:     f.subjects.finalize(threshold),
		Entries:      f.entries.finalize(threshold),
	}

	for idx, rf := range f.rules {
		out.InclusionRules = append(out.InclusionRules, AggregatedRule{
			Index:  idx,
			Name:   rf.name,
			Meet:   rf.meet.finalize(threshold),
			Gain:   rf.gain.finalize(threshold),
			Remain: rf.remain.finalize(threshold),
		})
	}
	sort.Slice(out.InclusionRules, func(i, j int) bool { return out.InclusionRules[i].Index < out.InclusionRules[j].Index })

	for _, cf := range f.covariates {
		cov := AggregatedCovariate{
			CovariateID: cf.stat.CovariateID,
			Analysis:    cf.stat.Analysis,
			ConceptID:   cf.stat.ConceptID,
			TimeID:      cf.stat.TimeID,
			Continuous:  cf.stat.Continuous,
			Count:       cf.count.finalize(threshold),
		}
		if cf.momentOrgs > 0 && cov.Count.Released() {
			m := cf.moments.Moments()
			cov.Moments = &m
			cov.MomentContributors = cf.momentOrgs
		}
		sort.Slice(cf.histogramIdx, func(i, j int) bool { return cf.histogramIdx[i] < cf.histogramIdx[j] })
		for _, idx := range cf.histogramIdx {
			cov.Histogram = append(cov.Histogram, AggregatedBin{Index: idx, Count: cf.histogram[idx].finalize(threshold)})
		}
		out.Covariates = append(out.Covariates, cov)
	}
	sort.Slice(out.Covariates, func(i, j int) bool {
		if out.Covariates[i].CovariateID != out.Covariates[j].CovariateID {
			return out.Covariates[i].CovariateID < out.Covariates[j].CovariateID
		}
		return out.Covariates[i].TimeID < out.Covariates[j].TimeID
	})

	for key, sf := range f.series {
		out.TemporalSeries = append(out.TemporalSeries, AggregatedSeriesPoint{
			CovariateID:      key.covariate,
			OffsetStart:      key.start,
			OffsetEnd:        key.end,
			Count:            sf.finalize(threshold),
			ZeroContributors: len(f.contributors) - sf.reported,
		})
	}
	sort.Slice(out.TemporalSeries, func(i, j int) bool {
		a, b := out.TemporalSeries[i], out.TemporalSeries[j]
		if a.CovariateID != b.CovariateID {
			return a.CovariateID < b.CovariateID
		}
		if a.OffsetStart != b.OffsetStart {
			return a.OffsetStart < b.OffsetStart
		}
		return a.OffsetEnd < b.OffsetEnd
	})

	for year, inf := range f.incidence {
		ir := AggregatedIncidence{
			CalendarYear: year,
			Outcomes:     inf.outcomes.finalize(threshold),
			PersonDays:   inf.personDays,
		}
		if ir.Outcomes.Released() && inf.personDays > 0 {
			rate := float64(ir.Outcomes.Value) / (float64(inf.personDays) / 365.25) * 1000
			ir.RatePer1000PY = &rate
		}
		out.IncidenceRates = append(out.IncidenceRates, ir)
	}
	sort.Slice(out.IncidenceRates, func(i, j int) bool {
		return out.IncidenceRates[i].CalendarYear < out.IncidenceRates[j].CalendarYear
	})
	return out
}
