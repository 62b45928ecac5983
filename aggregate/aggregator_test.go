package aggregate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/stats"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/types"
)

func partial(org string, subjects types.Cell) *types.PartialDiagnostics {
	return &types.PartialDiagnostics{
		SchemaVersion:  types.PartialSchemaVersion,
		TaskID:         "task-1",
		ExecutionID:    "exec-" + org,
		OrganizationID: org,
		MinCellCount:   10,
		Cohorts: []types.CohortPartial{{
			CohortID:   "c000",
			CohortName: "cohortX",
			Subjects:   subjects,
			Entries:    subjects,
		}},
	}
}

// symmetricSamples 构造均值与样本方差精确给定的 n 个样本（n 为偶数）
func symmetricSamples(n int, mean, variance float64) []float64 {
	d := math.Sqrt(variance * float64(n-1) / float64(n))
	out := make([]float64, 0, n)
	for i := 0; i < n/2; i++ {
		out = append(out, mean+d, mean-d)
	}
	return out
}

func TestAggregate_EmptyInput(t *testing.T) {
	_, err := NewAggregator(nil).Aggregate(nil)
	testutil.AssertErrorCode(t, err, types.ErrInsufficientContributors)

	_, err = NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{})
	testutil.AssertErrorCode(t, err, types.ErrInsufficientContributors)

	_, err = NewAggregator(nil).AggregateEncoded(map[string][]byte{"org-a": []byte(`{"schema_version":"v0"}`)}, Expected{})
	testutil.AssertErrorCode(t, err, types.ErrInsufficientContributors)
}

func TestAggregate_SumsTwoContributors(t *testing.T) {
	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{
		partial("org-b", types.Count(30)),
		partial("org-a", types.Count(50)),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a", "org-b"}, agg.Contributors)
	require.Len(t, agg.Cohorts, 1)

	subjects := agg.Cohorts[0].Subjects
	assert.Equal(t, int64(80), subjects.Value)
	assert.Equal(t, CountExact, subjects.Status)
	assert.Equal(t, 2, subjects.Contributors)
}

func TestAggregate_SuppressedContributorIsExcluded(t *testing.T) {
	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{
		partial("org-a", types.SuppressedCell()),
		partial("org-b", types.Count(20)),
	})
	require.NoError(t, err)

	subjects := agg.Cohorts[0].Subjects
	assert.Equal(t, CountLowerBound, subjects.Status)
	assert.Equal(t, int64(20), subjects.Value, "the suppressed unknown never enters the sum")
	assert.Equal(t, 1, subjects.ExcludedContributors)
	assert.Equal(t, int64(29), subjects.UpperBound)
	assert.True(t, subjects.Released())
}

func TestAggregate_AllSuppressed(t *testing.T) {
	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{
		partial("org-a", types.SuppressedCell()),
		partial("org-b", types.SuppressedCell()),
	})
	require.NoError(t, err)

	subjects := agg.Cohorts[0].Subjects
	assert.Equal(t, CountSuppressedDerived, subjects.Status)
	assert.Zero(t, subjects.Value)
	assert.Equal(t, 2, subjects.ExcludedContributors)
	assert.False(t, subjects.Released())
}

func TestMergeCounts(t *testing.T) {
	tests := []struct {
		name   string
		cells  []types.Cell
		status CountStatus
		value  int64
	}{
		{"single exact", []types.Cell{types.Count(12)}, CountExact, 12},
		{"exact sum", []types.Cell{types.Count(12), types.Count(30)}, CountExact, 42},
		{"lower bound", []types.Cell{types.Count(12), types.SuppressedCell(), types.SuppressedCell()}, CountLowerBound, 12},
		{"suppressed only", []types.Cell{types.SuppressedCell()}, CountSuppressedDerived, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeCounts(10, tt.cells...)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.value, got.Value)
			assert.Equal(t, len(tt.cells), got.Contributors)
		})
	}
}

func TestAggregate_DuplicateOrganization(t *testing.T) {
	_, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{
		partial("org-a", types.Count(30)),
		partial("org-a", types.Count(30)),
	})
	testutil.AssertErrorCode(t, err, types.ErrDuplicateContribution)
}

func TestAggregate_DifferentTasks(t *testing.T) {
	b := partial("org-b", types.Count(30))
	b.TaskID = "task-2"
	_, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{partial("org-a", types.Count(30)), b})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestAggregate_CohortIDConflict(t *testing.T) {
	a := partial("org-a", types.Count(30))
	a.Cohorts = append(a.Cohorts, types.CohortPartial{
		CohortID:   "c000",
		CohortName: "cohortY",
		Meta:       true,
		Subjects:   types.Count(20),
		Entries:    types.Count(20),
	})
	_, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{a, partial("org-b", types.Count(30))})
	testutil.AssertErrorCode(t, err, types.ErrIncompatibleSchema)

	b := partial("org-b", types.Count(30))
	b.Cohorts[0].CohortName = "cohortY"
	_, err = NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{partial("org-a", types.Count(30)), b})
	testutil.AssertErrorCode(t, err, types.ErrIncompatibleSchema)
	assert.ErrorContains(t, err, "cohortY")

	c := partial("org-b", types.Count(30))
	c.Cohorts[0].Meta = true
	_, err = NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{partial("org-a", types.Count(30)), c})
	testutil.AssertErrorCode(t, err, types.ErrIncompatibleSchema)
}

func TestAggregate_PooledMoments(t *testing.T) {
	withAge := func(org string, m types.Moments) *types.PartialDiagnostics {
		p := partial(org, types.Count(m.N))
		p.Cohorts[0].Covariates = []types.CovariateStat{{
			CovariateID: "age", Analysis: "demographics_age", Continuous: true,
			Count: types.Count(m.N), Moments: &m,
		}}
		return p
	}
	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{
		withAge("org-a", types.Moments{N: 100, Mean: 5.0, Variance: 2.0}),
		withAge("org-b", types.Moments{N: 50, Mean: 7.0, Variance: 3.0}),
	})
	require.NoError(t, err)

	cov := agg.Cohorts[0].Covariates[0]
	require.NotNil(t, cov.Moments)
	assert.Equal(t, 2, cov.MomentContributors)

	pooled := stats.Direct(append(symmetricSamples(100, 5.0, 2.0), symmetricSamples(50, 7.0, 3.0)...))
	assert.Equal(t, int64(150), cov.Moments.N)
	assert.InDelta(t, pooled.Mean, cov.Moments.Mean, 1e-9)
	assert.InDelta(t, pooled.Variance, cov.Moments.Variance, 1e-9)
}

func TestAggregate_MomentsSkipSuppressedContributors(t *testing.T) {
	a := partial("org-a", types.Count(40))
	a.Cohorts[0].Covariates = []types.CovariateStat{{
		CovariateID: "age", Analysis: "demographics_age", Continuous: true,
		Count: types.Count(40), Moments: &types.Moments{N: 40, Mean: 50, Variance: 4},
		Histogram: []types.HistogramBin{{Index: 10, Count: types.Count(40)}},
	}}
	b := partial("org-b", types.Count(40))
	b.Cohorts[0].Covariates = []types.CovariateStat{{
		CovariateID: "age", Analysis: "demographics_age", Continuous: true, Count: types.SuppressedCell(),
	}}

	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{a, b})
	require.NoError(t, err)
	cov := agg.Cohorts[0].Covariates[0]
	assert.Equal(t, CountLowerBound, cov.Count.Status)
	require.NotNil(t, cov.Moments)
	assert.Equal(t, int64(40), cov.Moments.N)
	assert.Equal(t, 1, cov.MomentContributors)
	require.Len(t, cov.Histogram, 1)
	assert.Equal(t, int64(40), cov.Histogram[0].Count.Value)
}

func TestAggregate_TemporalSeriesMissingBinIsZero(t *testing.T) {
	a := partial("org-a", types.Count(30))
	a.Cohorts[0].TemporalSeries = []types.SeriesPoint{
		{CovariateID: "visit_count", OffsetStart: 0, OffsetEnd: 29, Count: types.Count(12)},
		{CovariateID: "visit_count", OffsetStart: 30, OffsetEnd: 59, Count: types.Count(15)},
	}
	b := partial("org-b", types.Count(30))
	b.Cohorts[0].TemporalSeries = []types.SeriesPoint{
		{CovariateID: "visit_count", OffsetStart: 0, OffsetEnd: 29, Count: types.Count(11)},
	}

	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{a, b})
	require.NoError(t, err)
	series := agg.Cohorts[0].TemporalSeries
	require.Len(t, series, 2)

	assert.Equal(t, int64(23), series[0].Count.Value)
	assert.Zero(t, series[0].ZeroContributors)

	assert.Equal(t, int64(15), series[1].Count.Value)
	assert.Equal(t, CountExact, series[1].Count.Status, "a missing bin is a zero, not a suppressed unknown")
	assert.Equal(t, 1, series[1].ZeroContributors)
}

func TestAggregate_IncidenceRate(t *testing.T) {
	a := partial("org-a", types.Count(30))
	a.Cohorts[0].IncidenceRates = []types.IncidenceStratum{{CalendarYear: 2015, Outcomes: types.Count(20), PersonDays: 36525}}
	b := partial("org-b", types.Count(30))
	b.Cohorts[0].IncidenceRates = []types.IncidenceStratum{{CalendarYear: 2015, Outcomes: types.Count(10), PersonDays: 36525}}

	agg, err := NewAggregator(nil).Aggregate([]*types.PartialDiagnostics{a, b})
	require.NoError(t, err)
	ir := agg.Cohorts[0].IncidenceRates[0]
	assert.Equal(t, int64(73050), ir.PersonDays)
	require.NotNil(t, ir.RatePer1000PY)
	assert.InDelta(t, 150.0, *ir.RatePer1000PY, 1e-9)
}

func TestAggregateEncoded_RejectsBadPayloads(t *testing.T) {
	enc := codec.NewEncoder()
	good, err := enc.Encode(partial("org-a", types.Count(50)))
	require.NoError(t, err)
	other, err := enc.Encode(partial("org-b", types.Count(30)))
	require.NoError(t, err)

	agg, err := NewAggregator(nil).AggregateEncoded(map[string][]byte{
		"org-a": good,
		"org-b": []byte(`{"schema_version":"cohortdiag.partial/v2","payload":{}}`),
		"org-c": other,
	}, Expected{})
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a"}, agg.Contributors)
	require.Len(t, agg.Rejected, 2)
	assert.Equal(t, "org-b", agg.Rejected[0].OrganizationID)
	assert.Equal(t, types.ErrIncompatibleSchema, agg.Rejected[0].Code)
	assert.Equal(t, "org-c", agg.Rejected[1].OrganizationID, "payload claims a different organization")
	assert.Equal(t, int64(50), agg.Cohorts[0].Subjects.Value)
}

func TestAggregateEncoded_RejectsOnlyMismatchingOrganization(t *testing.T) {
	enc := codec.NewEncoder()
	encode := func(p *types.PartialDiagnostics) []byte {
		data, err := enc.Encode(p)
		require.NoError(t, err)
		return data
	}

	otherTask := partial("org-b", types.Count(30))
	otherTask.TaskID = "task-0"
	stale := partial("org-c", types.Count(30))
	stale.ExecutionID = "exec-stale"
	doubled := partial("org-d", types.Count(30))
	doubled.Cohorts = append(doubled.Cohorts, types.CohortPartial{
		CohortID:   "c000",
		CohortName: "cohortY",
		Meta:       true,
		Subjects:   types.Count(20),
		Entries:    types.Count(20),
	})

	agg, err := NewAggregator(nil).AggregateEncoded(map[string][]byte{
		"org-a": encode(partial("org-a", types.Count(50))),
		"org-b": encode(otherTask),
		"org-c": encode(stale),
		"org-d": encode(doubled),
		"org-e": encode(partial("org-e", types.Count(40))),
	}, Expected{
		TaskID: "task-1",
		Executions: map[string]string{
			"org-a": "exec-org-a",
			"org-b": "exec-org-b",
			"org-c": "exec-org-c",
			"org-d": "exec-org-d",
			"org-e": "exec-org-e",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"org-a", "org-e"}, agg.Contributors)
	assert.Equal(t, int64(90), agg.Cohorts[0].Subjects.Value)

	require.Len(t, agg.Rejected, 3)
	for i, org := range []string{"org-b", "org-c", "org-d"} {
		assert.Equal(t, org, agg.Rejected[i].OrganizationID)
		assert.Equal(t, types.ErrIncompatibleSchema, agg.Rejected[i].Code)
	}
	assert.Contains(t, agg.Rejected[0].Message, "task-0")
	assert.Contains(t, agg.Rejected[1].Message, "exec-stale")
}
