package cohort

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// DeriveCohortID 派生本地队列的数字 ID：<组织序号><任务序号:04d><定义序号:03d>
// 任务序号与定义序号分别按 10000 与 1000 取模。
func DeriveCohortID(orgOrdinal, taskOrdinal, index int) int64 {
	return int64(orgOrdinal)*10_000_000 + int64(taskOrdinal%10_000)*1_000 + int64(index%1_000)
}

// TableName 返回本次执行的队列表名 cohort_<task>_<org>
func TableName(taskID, orgID string) string {
	clean := func(s string) string {
		return strings.Trim(nonIdentifier.ReplaceAllString(strings.ToLower(s), "_"), "_")
	}
	return fmt.Sprintf("cohort_%s_%s", clean(taskID), clean(orgID))
}

// Row OHDSI cohort 表的一行
type Row struct {
	CohortDefinitionID int64     `gorm:"column:cohort_definition_id;index"`
	SubjectID          int64     `gorm:"column:subject_id"`
	CohortStartDate    time.Time `gorm:"column:cohort_start_date"`
	CohortEndDate      time.Time `gorm:"column:cohort_end_date"`
}

// TableWriter 将队列写入站点结果 schema 中的临时表
type TableWriter struct {
	db     *gorm.DB
	schema string
	logger *zap.Logger
}

// NewTableWriter 创建写入器；resultsSchema 为空时使用默认 schema
func NewTableWriter(db *gorm.DB, resultsSchema string, logger *zap.Logger) *TableWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableWriter{db: db, schema: resultsSchema, logger: logger.With(zap.String("component", "cohort_table"))}
}

// Materialize 建表并写入队列成员。返回的 drop 必须在执行结束时调用，
// 取消后也会执行。
func (w *TableWriter) Materialize(ctx context.Context, table string, ids map[string]int64, cohorts []*LocalCohort) (drop func(), err error) {
	name := table
	if w.schema != "" {
		name = w.schema + "." + table
	}
	drop = func() {
		cleanup := context.WithoutCancel(ctx)
		if err := w.db.WithContext(cleanup).Migrator().DropTable(name); err != nil {
			w.logger.Warn("drop cohort table failed", zap.String("table", name), zap.Error(err))
			return
		}
		w.logger.Debug("cohort table dropped", zap.String("table", name))
	}

	db := w.db.WithContext(ctx)
	if err := db.Table(name).Migrator().CreateTable(&Row{}); err != nil {
		return func() {}, fmt.Errorf("create cohort table %s: %w", name, err)
	}

	var rows []Row
	for _, c := range cohorts {
		for _, m := range c.Members() {
			rows = append(rows, Row{
				CohortDefinitionID: ids[c.ID],
				SubjectID:          m.PersonID,
				CohortStartDate:    m.EntryDate,
				CohortEndDate:      m.ExitDate,
			})
		}
	}
	if len(rows) > 0 {
		if err := db.Table(name).CreateInBatches(rows, 500).Error; err != nil {
			drop()
			return func() {}, fmt.Errorf("write cohort table %s: %w", name, err)
		}
	}
	w.logger.Debug("cohort table materialized", zap.String("table", name), zap.Int("rows", len(rows)))
	return drop, nil
}

// Count 返回表中某个队列的行数
func (w *TableWriter) Count(ctx context.Context, table string, cohortDefinitionID int64) (int64, error) {
	name := table
	if w.schema != "" {
		name = w.schema + "." + table
	}
	var n int64
	err := w.db.WithContext(ctx).Table(name).Where("cohort_definition_id = ?", cohortDefinitionID).Count(&n).Error
	return n, err
}
