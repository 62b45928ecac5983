package cdm

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func setupCDM(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	require.NoError(t, db.Create(&[]PersonRow{
		{PersonID: 1, GenderConceptID: 8507, YearOfBirth: 1960},
		{PersonID: 2, GenderConceptID: 8532, YearOfBirth: 1975},
	}).Error)
	require.NoError(t, db.Create(&[]ObservationPeriodRow{
		{ObservationPeriodID: 10, PersonID: 1, ObservationPeriodStartDate: date(2015, 1, 1), ObservationPeriodEndDate: date(2022, 12, 31)},
		{ObservationPeriodID: 11, PersonID: 2, ObservationPeriodStartDate: date(2018, 6, 1), ObservationPeriodEndDate: date(2021, 6, 1)},
	}).Error)
	end := date(2019, 3, 10)
	require.NoError(t, db.Create(&[]ConditionOccurrenceRow{
		{ConditionOccurrenceID: 100, PersonID: 1, ConditionConceptID: 201826, ConditionStartDate: date(2019, 3, 1), ConditionEndDate: &end},
		{ConditionOccurrenceID: 101, PersonID: 2, ConditionConceptID: 201826, ConditionStartDate: date(2019, 5, 1)},
		{ConditionOccurrenceID: 102, PersonID: 2, ConditionConceptID: 320128, ConditionStartDate: date(2019, 7, 1)},
	}).Error)
	v := 7.5
	require.NoError(t, db.Create(&[]MeasurementRow{
		{MeasurementID: 500, PersonID: 1, MeasurementConceptID: 3004410, MeasurementDate: date(2019, 4, 1), ValueAsNumber: &v},
	}).Error)
	require.NoError(t, db.Create(&DeathRow{PersonID: 2, DeathDate: date(2021, 1, 1)}).Error)
	return db
}

func TestGormHandle_Schema(t *testing.T) {
	db := setupCDM(t)
	h := NewGormHandle(db, "", zap.NewNop())

	s, err := h.Schema(context.Background())
	require.NoError(t, err)
	assert.True(t, s.Has("person", "year_of_birth"))
	assert.True(t, s.Has("condition_occurrence", "condition_concept_id"))
	assert.True(t, s.Has("death", "death_date"))
	assert.False(t, s.Has("observation", ""))
	assert.False(t, s.Has("condition_occurrence", "no_such_field"))

	require.NoError(t, db.Migrator().DropTable("death"))
	s, err = h.Schema(context.Background())
	require.NoError(t, err)
	assert.False(t, s.Has("death", ""))

	deaths, err := h.Deaths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deaths)
}

func TestGormHandle_PersonsAndPeriods(t *testing.T) {
	h := NewGormHandle(setupCDM(t), "", nil)
	ctx := context.Background()

	persons, err := h.Persons(ctx)
	require.NoError(t, err)
	require.Len(t, persons, 2)
	assert.Equal(t, int64(8507), persons[0].GenderConceptID)

	periods, err := h.ObservationPeriods(ctx)
	require.NoError(t, err)
	require.Len(t, periods, 2)
	assert.Equal(t, date(2018, 6, 1), periods[1].StartDate)
	assert.True(t, periods[0].Contains(date(2015, 1, 1)))
	assert.False(t, periods[1].Contains(date(2021, 6, 2)))

	deaths, err := h.Deaths(ctx)
	require.NoError(t, err)
	require.Len(t, deaths, 1)
	assert.Equal(t, date(2021, 1, 1), deaths[0].DeathDate)
}

func TestGormHandle_Events(t *testing.T) {
	h := NewGormHandle(setupCDM(t), "", nil)
	ctx := context.Background()

	events, err := h.Events(ctx, EventQuery{Table: "condition_occurrence", ConceptIDs: []int64{201826}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(100), events[0].EventID)
	require.NotNil(t, events[0].EndDate)
	assert.Equal(t, date(2019, 3, 10), *events[0].EndDate)
	assert.Nil(t, events[1].EndDate)

	events, err = h.Events(ctx, EventQuery{Table: "condition_occurrence", PersonIDs: []int64{2}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(320128), events[1].ConceptID)

	events, err = h.Events(ctx, EventQuery{Table: "measurement"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Value)
	assert.InDelta(t, 7.5, *events[0].Value, 1e-12)

	_, err = h.Events(ctx, EventQuery{Table: "note"})
	assert.Error(t, err)
}
