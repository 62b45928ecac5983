package fixtures

import (
	"github.com/BaSui01/cohortdiag/types"
)

// 样例队列名
const (
	CohortT2D     = "t2d"
	CohortT2DHTN = "t2d_with_hypertension"
	CohortMeta    = "t2d_without_hypertension"
)

// T2DDefinition 首次 T2D 诊断入组，观察期结束出组
func T2DDefinition() types.CohortDefinition {
	return types.CohortDefinition{
		Expression: types.CohortExpression{
			PrimaryCriteria: types.PrimaryCriteria{
				Table:      "condition_occurrence",
				ConceptIDs: []int64{ConceptT2D},
			},
			ObservationWindow: types.ObservationWindow{PriorDays: 365},
		},
		Exit: types.ExitRule{Strategies: []types.ExitStrategy{types.ExitEndOfObservation}},
	}
}

// T2DWithHTNDefinition 在 T2D 基础上要求入组前一年内有高血压诊断，固定随访 180 天
func T2DWithHTNDefinition() types.CohortDefinition {
	def := T2DDefinition()
	def.Expression.InclusionRules = []types.InclusionRule{{
		Name: "prior hypertension",
		Type: types.RuleTypeAll,
		Criteria: []types.Criterion{{
			Table:      "condition_occurrence",
			Field:      "condition_concept_id",
			ConceptIDs: []int64{ConceptHTN},
			StartDay:   -365,
			EndDay:     0,
		}},
	}}
	def.Exit = types.ExitRule{
		Strategies: []types.ExitStrategy{types.ExitDeath, types.ExitFixedDuration, types.ExitEndOfObservation},
		FixedDays:  180,
	}
	return def
}

// TaskRequest 两个队列、一个差集元队列、两个时间窗，全部诊断开启
func TaskRequest(minCellCount int64) *types.TaskRequest {
	req := &types.TaskRequest{
		Version:           types.RequestVersion,
		CohortDefinitions: []types.CohortDefinition{T2DDefinition(), T2DWithHTNDefinition()},
		CohortNames:       []string{CohortT2D, CohortT2DHTN},
		MetaCohorts: types.MetaCohortSettings{Cohorts: []types.MetaCohort{{
			Name:     CohortMeta,
			Operator: types.MetaDifference,
			Members:  []string{CohortT2D, CohortT2DHTN},
		}}},
		TemporalCovariateSettings: types.TemporalCovariateSettings{
			UseDemographicsGender:  true,
			UseDemographicsAge:     true,
			UseConditionOccurrence: true,
			UseDrugExposure:        true,
			UseMeasurementValue:    true,
			UseVisitCount:          true,
			TemporalStartDays:      []int{-365, 0},
			TemporalEndDays:        []int{-1, 30},
			HistogramBinWidth:      0.5,
			SeriesBinDays:          30,
		},
		DiagnosticsSettings: types.DiagnosticsSettings{
			MinCellCount:                      &minCellCount,
			RunInclusionStatistics:            true,
			RunCohortCharacterization:         true,
			RunTemporalCohortCharacterization: true,
			RunIncidenceRate:                  true,
		},
		OrganizationsToInclude: types.OrganizationSelector{All: true},
	}
	req.AssignCohortIDs()
	return req
}

// Organizations 返回 n 个组织目标 org-a, org-b, ...
func Organizations(n int) []types.OrganizationTarget {
	out := make([]types.OrganizationTarget, 0, n)
	for i := 0; i < n; i++ {
		id := "org-" + string(rune('a'+i))
		out = append(out, types.OrganizationTarget{ID: id, Name: id})
	}
	return out
}
