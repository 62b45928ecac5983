package cohort

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/types"
)

// Resolver 在单个组织的 CDM 分区上物化队列
type Resolver struct {
	handle cdm.Handle
	salt   string
	logger *zap.Logger
}

// NewResolver 创建解析器。每个解析器持有一次执行内有效的假名盐值。
func NewResolver(handle cdm.Handle, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		handle: handle,
		salt:   uuid.NewString(),
		logger: logger.With(zap.String("component", "cohort_resolver")),
	}
}

// Pseudonym 返回 person_id 在本次执行内的假名
func (r *Resolver) Pseudonym(personID int64) string {
	sum := sha256.Sum256([]byte(r.salt + ":" + strconv.FormatInt(personID, 10)))
	return hex.EncodeToString(sum[:8])
}

// Validate 校验定义引用的表与字段均存在于本地 schema，列出全部缺失项
func (r *Resolver) Validate(ctx context.Context, def *types.CohortDefinition) error {
	schema, err := r.handle.Schema(ctx)
	if err != nil {
		return types.NewError(types.ErrCohortResolution, "inspect local schema").WithCause(err)
	}
	return CheckReferences(schema, def)
}

// CheckReferences 对照 schema 检查定义的全部引用
func CheckReferences(schema cdm.Schema, def *types.CohortDefinition) error {
	var missing []string
	for _, t := range []string{"person", "observation_period"} {
		if !schema.Has(t, "") {
			missing = append(missing, t)
		}
	}
	for _, ref := range def.References() {
		if ref.Table != "death" {
			d, ok := cdm.LookupDomain(ref.Table)
			if !ok {
				missing = append(missing, ref.Table+" (unsupported event table)")
				continue
			}
			if schema.Has(ref.Table, "") && !schema.Has(ref.Table, d.StartField) {
				missing = append(missing, ref.Table+"."+d.StartField)
			}
		}
		if !schema.Has(ref.Table, ref.Field) {
			missing = append(missing, ref.String())
		}
	}
	if len(missing) > 0 {
		return types.Errorf(types.ErrCohortResolution,
			"cohort %s references fields absent from the local schema: %s", def.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Resolve 物化队列：入组取最早合格事件（同日取最小事件 ID），
// 出组取所列策略中最早日期（同日按声明顺序），出组不早于入组。
func (r *Resolver) Resolve(ctx context.Context, def *types.CohortDefinition, name string) (*LocalCohort, error) {
	if err := r.Validate(ctx, def); err != nil {
		return nil, err
	}

	periods, err := r.handle.ObservationPeriods(ctx)
	if err != nil {
		return nil, resolutionError(def, "load observation periods", err)
	}
	byPerson := make(map[int64][]cdm.ObservationPeriod)
	for _, p := range periods {
		byPerson[p.PersonID] = append(byPerson[p.PersonID], p)
	}

	pc := def.Expression.PrimaryCriteria
	events, err := r.handle.Events(ctx, cdm.EventQuery{
		Table:        pc.Table,
		ConceptField: pc.ConceptFieldOrDefault(),
		ConceptIDs:   pc.ConceptIDs,
	})
	if err != nil {
		return nil, resolutionError(def, "load primary events", err)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartDate.Equal(events[j].StartDate) {
			return events[i].StartDate.Before(events[j].StartDate)
		}
		return events[i].EventID < events[j].EventID
	})

	window := def.Expression.ObservationWindow
	entries := make(map[int64]*Member)
	entryEvents := make(map[int64]cdm.Event)
	for _, ev := range events {
		period, ok := coveringPeriod(byPerson[ev.PersonID], ev.StartDate, window)
		if !ok {
			continue
		}
		if m, seen := entries[ev.PersonID]; seen {
			m.EventCount++
			continue
		}
		entries[ev.PersonID] = &Member{
			Pseudonym:    r.Pseudonym(ev.PersonID),
			PersonID:     ev.PersonID,
			EntryDate:    ev.StartDate,
			EntryEventID: ev.EventID,
			EventCount:   1,
			Period:       period,
		}
		entryEvents[ev.PersonID] = ev
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := &LocalCohort{ID: def.ID, Name: name}
	for _, rule := range def.Expression.InclusionRules {
		out.RuleNames = append(out.RuleNames, rule.Name)
	}

	personIDs := make([]int64, 0, len(entries))
	for pid := range entries {
		personIDs = append(personIDs, pid)
	}
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

	if len(personIDs) > 0 {
		if err := r.applyInclusionRules(ctx, def, entries, personIDs); err != nil {
			return nil, err
		}
		if err := r.applyExit(ctx, def, entries, entryEvents); err != nil {
			return nil, err
		}
	}

	out.Candidates = make([]Member, 0, len(personIDs))
	for _, pid := range personIDs {
		out.Candidates = append(out.Candidates, *entries[pid])
	}
	out.warnIfEmpty()

	r.logger.Debug("cohort resolved",
		zap.String("cohort", def.ID),
		zap.Int("candidates", len(out.Candidates)),
		zap.Int64("subjects", out.Subjects()))
	return out, nil
}

// coveringPeriod 找到包含事件且满足前后观察天数的观察期
func coveringPeriod(periods []cdm.ObservationPeriod, day time.Time, w types.ObservationWindow) (cdm.ObservationPeriod, bool) {
	for _, p := range periods {
		if !p.Contains(day) {
			continue
		}
		if cdm.AddDays(day, -w.PriorDays).Before(p.StartDate) {
			continue
		}
		if cdm.AddDays(day, w.PostDays).After(p.EndDate) {
			continue
		}
		return p, true
	}
	return cdm.ObservationPeriod{}, false
}

func (r *Resolver) applyInclusionRules(ctx context.Context, def *types.CohortDefinition, entries map[int64]*Member, personIDs []int64) error {
	rules := def.Expression.InclusionRules
	for _, m := range entries {
		m.RuleTrace = make([]bool, len(rules))
		m.Qualified = true
	}
	for i, rule := range rules {
		hits := make(map[int64]int, len(entries))
		for j, c := range rule.Criteria {
			counts, err := r.criterionCounts(ctx, c, entries, personIDs)
			if err != nil {
				return resolutionError(def, fmt.Sprintf("evaluate inclusion rule %q criterion %d", rule.Name, j), err)
			}
			threshold := max(c.MinOccurrences, 1)
			for pid := range entries {
				met := counts[pid] >= threshold
				if c.Exclude {
					met = !met
				}
				if met {
					hits[pid]++
				}
			}
		}
		for pid, m := range entries {
			var pass bool
			switch rule.Type {
			case types.RuleTypeAll:
				pass = hits[pid] == len(rule.Criteria)
			case types.RuleTypeAny:
				pass = hits[pid] > 0
			case types.RuleTypeAtLeast:
				pass = hits[pid] >= rule.Count
			}
			m.RuleTrace[i] = pass
			if !pass {
				m.Qualified = false
			}
		}
	}
	return nil
}

// criterionCounts 统计每人在相对入组日的时间窗内命中条件的事件数
func (r *Resolver) criterionCounts(ctx context.Context, c types.Criterion, entries map[int64]*Member, personIDs []int64) (map[int64]int, error) {
	events, err := r.handle.Events(ctx, cdm.EventQuery{
		Table:        c.Table,
		ConceptField: c.Field,
		ConceptIDs:   c.ConceptIDs,
		PersonIDs:    personIDs,
	})
	if err != nil {
		return nil, err
	}
	counts := make(map[int64]int)
	for _, ev := range events {
		m, ok := entries[ev.PersonID]
		if !ok {
			continue
		}
		offset := cdm.DaysBetween(m.EntryDate, ev.StartDate)
		if offset >= c.StartDay && offset <= c.EndDay {
			counts[ev.PersonID]++
		}
	}
	return counts, nil
}

func (r *Resolver) applyExit(ctx context.Context, def *types.CohortDefinition, entries map[int64]*Member, entryEvents map[int64]cdm.Event) error {
	deaths := make(map[int64]time.Time)
	for _, s := range def.Exit.Strategies {
		if s != types.ExitDeath {
			continue
		}
		rows, err := r.handle.Deaths(ctx)
		if err != nil {
			return resolutionError(def, "load deaths", err)
		}
		for _, d := range rows {
			if cur, ok := deaths[d.PersonID]; !ok || d.DeathDate.Before(cur) {
				deaths[d.PersonID] = d.DeathDate
			}
		}
	}

	for pid, m := range entries {
		var exit time.Time
		found := false
		for _, s := range def.Exit.Strategies {
			candidate, ok := exitCandidate(s, def.Exit, m, entryEvents[pid], deaths)
			if !ok {
				continue
			}
			if !found || candidate.Before(exit) {
				exit = candidate
				found = true
			}
		}
		if !found || exit.Before(m.EntryDate) {
			exit = m.EntryDate
		}
		m.ExitDate = exit
	}
	return nil
}

func exitCandidate(s types.ExitStrategy, rule types.ExitRule, m *Member, entry cdm.Event, deaths map[int64]time.Time) (time.Time, bool) {
	switch s {
	case types.ExitEndOfObservation:
		return m.Period.EndDate, true
	case types.ExitFixedDuration:
		anchor := m.EntryDate
		if rule.FixedOffsetFrom == types.OffsetFromEnd && entry.EndDate != nil {
			anchor = *entry.EndDate
		}
		return cdm.AddDays(anchor, rule.FixedDays), true
	case types.ExitDeath:
		d, ok := deaths[m.PersonID]
		return d, ok
	}
	return time.Time{}, false
}

func resolutionError(def *types.CohortDefinition, op string, err error) error {
	return types.Errorf(types.ErrCohortResolution, "cohort %s: %s", def.ID, op).WithCause(err)
}
