package report

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/aggregate"
	"github.com/BaSui01/cohortdiag/federation"
	"github.com/BaSui01/cohortdiag/types"
)

// Assembler 将合并结果与组织执行结果格式化为报告，不做任何统计计算
type Assembler struct {
	now    func() time.Time
	logger *zap.Logger
}

// NewAssembler 创建报告组装器
func NewAssembler(logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{now: time.Now, logger: logger.With(zap.String("component", "report"))}
}

// Assemble 组装报告。outcome 可为 nil，此时目标组织数按贡献与被拒组织推断。
func (a *Assembler) Assemble(agg *aggregate.AggregatedDiagnostics, outcome *federation.Outcome) (*Report, error) {
	if err := validate(agg, outcome); err != nil {
		return nil, err
	}

	r := &Report{
		TaskID:       agg.TaskID,
		GeneratedAt:  a.now().UTC(),
		MinCellCount: agg.MinCellCount,
		Cohorts:      make(map[string]CohortReport, len(agg.Cohorts)),
	}
	for _, c := range agg.Cohorts {
		r.Cohorts[c.CohortName] = cohortReport(c)
	}
	r.Organizations = organizations(agg, outcome)

	a.logger.Info("report assembled",
		zap.String("task_id", r.TaskID),
		zap.Int("cohorts", len(r.Cohorts)),
		zap.Int("contributed", len(r.Organizations.Contributed)),
		zap.Int("targeted", r.Organizations.Targeted),
	)
	return r, nil
}

func validate(agg *aggregate.AggregatedDiagnostics, outcome *federation.Outcome) error {
	if agg == nil {
		return types.NewError(types.ErrInvalidRequest, "report: aggregated diagnostics are missing")
	}
	if agg.TaskID == "" {
		return types.NewError(types.ErrInvalidRequest, "report: task_id is missing")
	}
	if agg.MinCellCount < 1 {
		return types.NewError(types.ErrInvalidRequest, "report: min_cell_count is missing")
	}
	seen := make(map[string]bool, len(agg.Cohorts))
	for i, c := range agg.Cohorts {
		if c.CohortName == "" {
			return types.Errorf(types.ErrInvalidRequest, "report: cohorts[%d] has no name", i)
		}
		if seen[c.CohortName] {
			return types.Errorf(types.ErrInvalidRequest, "report: cohort name %q appears twice", c.CohortName)
		}
		seen[c.CohortName] = true
	}
	if outcome != nil && outcome.TaskID != agg.TaskID {
		return types.Errorf(types.ErrInvalidRequest, "report: outcome belongs to task %q, not %q", outcome.TaskID, agg.TaskID)
	}
	return nil
}

// =============================================================================
// 🧮 类别
// =============================================================================

type flags struct {
	contributors int
	suppressed   int
	lowerBound   int
}

func (f *flags) add(c aggregate.MergedCount) {
	if c.Contributors > f.contributors {
		f.contributors = c.Contributors
	}
	switch c.Status {
	case aggregate.CountSuppressedDerived:
		f.suppressed++
	case aggregate.CountLowerBound:
		f.lowerBound++
	}
}

func section[T any](f flags, data T) Section[T] {
	return Section[T]{
		Contributors:    f.contributors,
		SuppressedCells: f.suppressed,
		LowerBoundCells: f.lowerBound,
		Data:            data,
	}
}

func covariateFlags(f *flags, covs []aggregate.AggregatedCovariate) {
	for _, cov := range covs {
		f.add(cov.Count)
		for _, b := range cov.Histogram {
			f.add(b.Count)
		}
	}
}

func cohortReport(c aggregate.AggregatedCohort) CohortReport {
	out := CohortReport{
		CohortID:         c.CohortID,
		Meta:             c.Meta,
		ContributingOrgs: c.Contributors,
	}

	var counts flags
	counts.add(c.Subjects)
	counts.add(c.Entries)
	out.CohortCounts = section(counts, Counts{Subjects: c.Subjects, Entries: c.Entries})

	if len(c.InclusionRules) > 0 {
		var f flags
		for _, rule := range c.InclusionRules {
			f.add(rule.Meet)
			f.add(rule.Gain)
			f.add(rule.Remain)
		}
		s := section(f, c.InclusionRules)
		out.InclusionRules = &s
	}

	var static, windowed []aggregate.AggregatedCovariate
	for _, cov := range c.Covariates {
		if cov.TimeID == 0 {
			static = append(static, cov)
		} else {
			windowed = append(windowed, cov)
		}
	}
	if len(static) > 0 {
		var f flags
		covariateFlags(&f, static)
		s := section(f, static)
		out.Characterization = &s
	}
	if len(windowed) > 0 || len(c.TemporalSeries) > 0 {
		var f flags
		covariateFlags(&f, windowed)
		for _, p := range c.TemporalSeries {
			f.add(p.Count)
		}
		s := section(f, Temporal{Covariates: windowed, Series: c.TemporalSeries})
		out.TemporalCharacterization = &s
	}

	if len(c.IncidenceRates) > 0 {
		var f flags
		for _, ir := range c.IncidenceRates {
			f.add(ir.Outcomes)
		}
		s := section(f, c.IncidenceRates)
		out.IncidenceRate = &s
	}
	return out
}

// =============================================================================
// 🏥 组织
// =============================================================================

func organizations(agg *aggregate.AggregatedDiagnostics, outcome *federation.Outcome) OrganizationSection {
	s := OrganizationSection{
		Contributed: append([]string(nil), agg.Contributors...),
		Warnings:    agg.Warnings,
	}
	sort.Strings(s.Contributed)
	for _, rej := range agg.Rejected {
		s.Rejected = append(s.Rejected, OrganizationIssue{
			OrganizationID: rej.OrganizationID,
			Code:           rej.Code,
			Reason:         rej.Message,
		})
	}

	if outcome == nil {
		s.Targeted = len(s.Contributed) + len(s.Rejected)
	} else {
		s.Targeted = len(outcome.Organizations)
		for _, r := range outcome.Organizations {
			switch r.Status {
			case types.TaskStatusTimedOut:
				s.TimedOut = append(s.TimedOut, r.OrganizationID)
			case types.TaskStatusFailed:
				issue := OrganizationIssue{OrganizationID: r.OrganizationID, Code: types.ErrInternalError}
				if r.Err != nil {
					issue.Code, issue.Reason = r.Err.Code, r.Err.Message
				}
				s.Failed = append(s.Failed, issue)
			}
		}
	}

	if missing := s.Missing(); missing > 0 {
		s.Note = fmt.Sprintf("%d of %d organizations did not contribute", missing, s.Targeted)
	} else {
		s.Note = fmt.Sprintf("all %d organizations contributed", s.Targeted)
	}
	return s
}
