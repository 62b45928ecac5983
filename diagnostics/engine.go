package diagnostics

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/cohort"
	"github.com/BaSui01/cohortdiag/stats"
	"github.com/BaSui01/cohortdiag/types"
)

// AgeBinYears 年龄直方图桶宽（年）。各站点必须一致，因此不可配置。
const AgeBinYears = 5

// Options 引擎选项
type Options struct {
	// MaxParallelCohorts 并发计算的队列数上限，<=0 表示 1
	MaxParallelCohorts int
}

// Engine 本地诊断引擎：由本地队列计算可出站的充分统计量
type Engine struct {
	handle cdm.Handle
	opts   Options
	logger *zap.Logger
}

// NewEngine 创建引擎
func NewEngine(handle cdm.Handle, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxParallelCohorts <= 0 {
		opts.MaxParallelCohorts = 1
	}
	return &Engine{handle: handle, opts: opts, logger: logger.With(zap.String("component", "diagnostics"))}
}

// Input 一次计算的输入；Cohorts 包含普通队列与元队列
type Input struct {
	TaskID         string
	ExecutionID    string
	OrganizationID string
	Request        *types.TaskRequest
	Cohorts        []*cohort.LocalCohort
}

// population 计算期间共享的只读数据
type population struct {
	persons map[int64]cdm.Person
	periods []cdm.ObservationPeriod
	// events 表 -> person_id -> 事件（按日期、事件 ID 排序）
	events map[string]map[int64][]cdm.Event
}

// Compute 计算部分诊断结果。所有计数在此处经过抑制，真实小计数不会离开本函数。
func (e *Engine) Compute(ctx context.Context, in Input) (*types.PartialDiagnostics, error) {
	req := in.Request
	if err := req.DiagnosticsSettings.Validate(); err != nil {
		return nil, err
	}
	if err := req.TemporalCovariateSettings.Validate(); err != nil {
		return nil, err
	}
	sup := stats.NewSuppressor(req.DiagnosticsSettings.Threshold())
	windows := req.TemporalCovariateSettings.Windows()

	if err := checkWindows(in.Cohorts, windows); err != nil {
		return nil, err
	}

	out := &types.PartialDiagnostics{
		SchemaVersion:  types.PartialSchemaVersion,
		TaskID:         in.TaskID,
		ExecutionID:    in.ExecutionID,
		OrganizationID: in.OrganizationID,
		MinCellCount:   sup.Threshold(),
	}

	pop, warnings, err := e.load(ctx, req, in.Cohorts)
	if err != nil {
		return nil, err
	}
	out.Warnings = append(out.Warnings, warnings...)

	partials := make([]types.CohortPartial, len(in.Cohorts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxParallelCohorts)
	for i, c := range in.Cohorts {
		out.Warnings = append(out.Warnings, c.Warnings...)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			partials[i] = e.computeCohort(c, req, pop, sup, windows)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out.Cohorts = partials
	out.Canonicalize()

	e.logger.Info("local diagnostics computed",
		zap.String("task_id", in.TaskID),
		zap.String("org_id", in.OrganizationID),
		zap.Int("cohorts", len(partials)),
		zap.Int("suppressed_cells", SuppressedCells(out)))
	return out, nil
}

// SuppressedCells 返回部分结果中被抑制的单元格数
func SuppressedCells(p *types.PartialDiagnostics) int {
	n := 0
	p.Cells(func(_ string, c types.Cell) {
		if c.Suppressed {
			n++
		}
	})
	return n
}

// checkWindows 每个时间窗至少要与一个成员的观察期重叠
func checkWindows(cohorts []*cohort.LocalCohort, windows []types.TimeWindow) error {
	if len(windows) == 0 {
		return nil
	}
	var members []cohort.Member
	for _, c := range cohorts {
		members = append(members, c.Members()...)
	}
	if len(members) == 0 {
		return nil
	}
	for _, w := range windows {
		resolvable := false
		for _, m := range members {
			from := cdm.AddDays(m.EntryDate, w.StartDay)
			to := cdm.AddDays(m.EntryDate, w.EndDay)
			if !to.Before(m.Period.StartDate) && !from.After(m.Period.EndDate) {
				resolvable = true
				break
			}
		}
		if !resolvable {
			return types.Errorf(types.ErrSettingsValidation,
				"time window %d [%d, %d] does not overlap any local observation period", w.TimeID, w.StartDay, w.EndDay)
		}
	}
	return nil
}

// load 预取人员、观察期与所需事件表
func (e *Engine) load(ctx context.Context, req *types.TaskRequest, cohorts []*cohort.LocalCohort) (*population, []types.Warning, error) {
	pop := &population{events: make(map[string]map[int64][]cdm.Event)}
	ds := req.DiagnosticsSettings
	ts := req.TemporalCovariateSettings

	ids := make(map[int64]struct{})
	for _, c := range cohorts {
		for _, pid := range c.PersonIDs() {
			ids[pid] = struct{}{}
		}
	}
	personIDs := make([]int64, 0, len(ids))
	for pid := range ids {
		personIDs = append(personIDs, pid)
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

	if ds.RunCohortCharacterization && (ts.UseDemographicsGender || ts.UseDemographicsAge) {
		persons, err := e.handle.Persons(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load persons: %w", err)
		}
		pop.persons = make(map[int64]cdm.Person, len(persons))
		for _, p := range persons {
			if _, ok := ids[p.PersonID]; ok {
				pop.persons[p.PersonID] = p
			}
		}
	}
	if ds.RunIncidenceRate {
		periods, err := e.handle.ObservationPeriods(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load observation periods: %w", err)
		}
		pop.periods = periods
	}

	var warnings []types.Warning
	if !(ds.RunCohortCharacterization || ds.RunTemporalCohortCharacterization) || len(personIDs) == 0 {
		return pop, warnings, nil
	}
	schema, err := e.handle.Schema(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect schema: %w", err)
	}
	for _, a := range enabledAnalyses(ts) {
		d, _ := cdm.LookupDomain(a.table)
		missing := ""
		for _, f := range d.Fields() {
			if !schema.Has(a.table, f) {
				missing = a.table + "." + f
				break
			}
		}
		if missing != "" {
			warnings = append(warnings, types.Warning{
				Code:    types.ErrCovariateUnavailable,
				Message: fmt.Sprintf("%s covariates skipped: %s is absent locally", a.name, missing),
			})
			continue
		}
		events, err := e.handle.Events(ctx, cdm.EventQuery{Table: a.table, PersonIDs: personIDs})
		if err != nil {
			return nil, nil, fmt.Errorf("load %s: %w", a.table, err)
		}
		byPerson := make(map[int64][]cdm.Event)
		for _, ev := range events {
			if a.kind != kindCount && !ts.IncludesConcept(ev.ConceptID) {
				continue
			}
			byPerson[ev.PersonID] = append(byPerson[ev.PersonID], ev)
		}
		for _, evs := range byPerson {
			sort.Slice(evs, func(i, j int) bool {
				if !evs[i].StartDate.Equal(evs[j].StartDate) {
					return evs[i].StartDate.Before(evs[j].StartDate)
				}
				return evs[i].EventID < evs[j].EventID
			})
		}
		pop.events[a.table] = byPerson
	}
	return pop, warnings, nil
}

func (e *Engine) computeCohort(c *cohort.LocalCohort, req *types.TaskRequest, pop *population, sup stats.Suppressor, windows []types.TimeWindow) types.CohortPartial {
	ds := req.DiagnosticsSettings
	ts := req.TemporalCovariateSettings
	members := c.Members()

	p := types.CohortPartial{
		CohortID:   c.ID,
		CohortName: c.Name,
		Meta:       c.Meta,
		Subjects:   sup.Cell(c.Subjects()),
		Entries:    sup.Cell(c.Entries()),
	}
	if ds.RunInclusionStatistics && !c.Meta {
		p.InclusionRules = inclusionStats(c, sup)
	}
	if ds.RunCohortCharacterization {
		p.Covariates = append(p.Covariates, demographics(members, pop, ts, sup)...)
		p.Covariates = append(p.Covariates, windowedCovariates(members, pop, ts, windows, sup)...)
	}
	if ds.RunTemporalCohortCharacterization {
		p.TemporalSeries = temporalSeries(members, pop, ts, windows, sup)
	}
	if ds.RunIncidenceRate {
		p.IncidenceRates = incidence(members, pop.periods, sup)
	}
	return p
}
