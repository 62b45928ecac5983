package cdm

import (
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 🗃️ OMOP CDM v5 表模型（仅诊断所需字段）
// =============================================================================

// PersonRow person 表
type PersonRow struct {
	PersonID        int64 `gorm:"column:person_id;primaryKey;autoIncrement:false"`
	GenderConceptID int64 `gorm:"column:gender_concept_id"`
	YearOfBirth     int   `gorm:"column:year_of_birth"`
}

// TableName 实现 gorm Tabler
func (PersonRow) TableName() string { return "person" }

// ObservationPeriodRow observation_period 表
type ObservationPeriodRow struct {
	ObservationPeriodID        int64     `gorm:"column:observation_period_id;primaryKey;autoIncrement:false"`
	PersonID                   int64     `gorm:"column:person_id;index"`
	ObservationPeriodStartDate time.Time `gorm:"column:observation_period_start_date"`
	ObservationPeriodEndDate   time.Time `gorm:"column:observation_period_end_date"`
}

// TableName 实现 gorm Tabler
func (ObservationPeriodRow) TableName() string { return "observation_period" }

// DeathRow death 表
type DeathRow struct {
	PersonID  int64     `gorm:"column:person_id;primaryKey;autoIncrement:false"`
	DeathDate time.Time `gorm:"column:death_date"`
}

// TableName 实现 gorm Tabler
func (DeathRow) TableName() string { return "death" }

// ConditionOccurrenceRow condition_occurrence 表
type ConditionOccurrenceRow struct {
	ConditionOccurrenceID int64      `gorm:"column:condition_occurrence_id;primaryKey;autoIncrement:false"`
	PersonID              int64      `gorm:"column:person_id;index"`
	ConditionConceptID    int64      `gorm:"column:condition_concept_id;index"`
	ConditionStartDate    time.Time  `gorm:"column:condition_start_date"`
	ConditionEndDate      *time.Time `gorm:"column:condition_end_date"`
}

// TableName 实现 gorm Tabler
func (ConditionOccurrenceRow) TableName() string { return "condition_occurrence" }

// DrugExposureRow drug_exposure 表
type DrugExposureRow struct {
	DrugExposureID        int64      `gorm:"column:drug_exposure_id;primaryKey;autoIncrement:false"`
	PersonID              int64      `gorm:"column:person_id;index"`
	DrugConceptID         int64      `gorm:"column:drug_concept_id;index"`
	DrugExposureStartDate time.Time  `gorm:"column:drug_exposure_start_date"`
	DrugExposureEndDate   *time.Time `gorm:"column:drug_exposure_end_date"`
}

// TableName 实现 gorm Tabler
func (DrugExposureRow) TableName() string { return "drug_exposure" }

// ProcedureOccurrenceRow procedure_occurrence 表
type ProcedureOccurrenceRow struct {
	ProcedureOccurrenceID int64     `gorm:"column:procedure_occurrence_id;primaryKey;autoIncrement:false"`
	PersonID              int64     `gorm:"column:person_id;index"`
	ProcedureConceptID    int64     `gorm:"column:procedure_concept_id;index"`
	ProcedureDate         time.Time `gorm:"column:procedure_date"`
}

// TableName 实现 gorm Tabler
func (ProcedureOccurrenceRow) TableName() string { return "procedure_occurrence" }

// MeasurementRow measurement 表
type MeasurementRow struct {
	MeasurementID        int64     `gorm:"column:measurement_id;primaryKey;autoIncrement:false"`
	PersonID             int64     `gorm:"column:person_id;index"`
	MeasurementConceptID int64     `gorm:"column:measurement_concept_id;index"`
	MeasurementDate      time.Time `gorm:"column:measurement_date"`
	ValueAsNumber        *float64  `gorm:"column:value_as_number"`
}

// TableName 实现 gorm Tabler
func (MeasurementRow) TableName() string { return "measurement" }

// VisitOccurrenceRow visit_occurrence 表
type VisitOccurrenceRow struct {
	VisitOccurrenceID int64      `gorm:"column:visit_occurrence_id;primaryKey;autoIncrement:false"`
	PersonID          int64      `gorm:"column:person_id;index"`
	VisitConceptID    int64      `gorm:"column:visit_concept_id"`
	VisitStartDate    time.Time  `gorm:"column:visit_start_date"`
	VisitEndDate      *time.Time `gorm:"column:visit_end_date"`
}

// TableName 实现 gorm Tabler
func (VisitOccurrenceRow) TableName() string { return "visit_occurrence" }

// Models 返回全部 CDM 模型，供建表使用
func Models() []any {
	return []any{
		&PersonRow{},
		&ObservationPeriodRow{},
		&DeathRow{},
		&ConditionOccurrenceRow{},
		&DrugExposureRow{},
		&ProcedureOccurrenceRow{},
		&MeasurementRow{},
		&VisitOccurrenceRow{},
	}
}

// AutoMigrate 创建 CDM 表（测试与本地演示环境）
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
