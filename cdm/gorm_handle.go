package cdm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// personChunkSize IN 子句分批大小
const personChunkSize = 500

// GormHandle 基于 GORM 的 CDM 句柄，表可位于独立 schema 中
type GormHandle struct {
	db     *gorm.DB
	schema string
	logger *zap.Logger
}

// NewGormHandle 创建句柄；cdmSchema 为空时使用连接的默认 schema
func NewGormHandle(db *gorm.DB, cdmSchema string, logger *zap.Logger) *GormHandle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormHandle{
		db:     db,
		schema: cdmSchema,
		logger: logger.With(zap.String("component", "cdm")),
	}
}

func (h *GormHandle) table(name string) string {
	if h.schema == "" {
		return name
	}
	return h.schema + "." + name
}

// Schema 通过 Migrator 探测已知表与字段
func (h *GormHandle) Schema(ctx context.Context) (Schema, error) {
	known := []string{"person", "observation_period", "death"}
	for name := range domains {
		known = append(known, name)
	}

	db := h.db.WithContext(ctx)
	m := db.Migrator()
	s := make(Schema)
	for _, name := range known {
		t := h.table(name)
		if !m.HasTable(t) {
			continue
		}
		cols, err := m.ColumnTypes(t)
		if err != nil {
			return nil, fmt.Errorf("inspect columns of %s: %w", t, err)
		}
		set := make(map[string]struct{}, len(cols))
		for _, c := range cols {
			set[strings.ToLower(c.Name())] = struct{}{}
		}
		s[name] = set
	}
	h.logger.Debug("cdm schema inspected", zap.Strings("tables", s.Tables()))
	return s, nil
}

// Persons 查询 person 表
func (h *GormHandle) Persons(ctx context.Context) ([]Person, error) {
	var rows []PersonRow
	if err := h.db.WithContext(ctx).Table(h.table("person")).Order("person_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query person: %w", err)
	}
	out := make([]Person, 0, len(rows))
	for _, r := range rows {
		out = append(out, Person{PersonID: r.PersonID, GenderConceptID: r.GenderConceptID, YearOfBirth: r.YearOfBirth})
	}
	return out, nil
}

// ObservationPeriods 查询 observation_period 表
func (h *GormHandle) ObservationPeriods(ctx context.Context) ([]ObservationPeriod, error) {
	var rows []ObservationPeriodRow
	if err := h.db.WithContext(ctx).Table(h.table("observation_period")).
		Order("person_id, observation_period_start_date").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query observation_period: %w", err)
	}
	out := make([]ObservationPeriod, 0, len(rows))
	for _, r := range rows {
		out = append(out, ObservationPeriod{
			PeriodID:  r.ObservationPeriodID,
			PersonID:  r.PersonID,
			StartDate: DateOnly(r.ObservationPeriodStartDate),
			EndDate:   DateOnly(r.ObservationPeriodEndDate),
		})
	}
	return out, nil
}

// Deaths 查询 death 表；表不存在时返回空
func (h *GormHandle) Deaths(ctx context.Context) ([]Death, error) {
	db := h.db.WithContext(ctx)
	if !db.Migrator().HasTable(h.table("death")) {
		return nil, nil
	}
	var rows []DeathRow
	if err := db.Table(h.table("death")).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query death: %w", err)
	}
	out := make([]Death, 0, len(rows))
	for _, r := range rows {
		out = append(out, Death{PersonID: r.PersonID, DeathDate: DateOnly(r.DeathDate)})
	}
	return out, nil
}

type eventRow struct {
	EventID   int64      `gorm:"column:event_id"`
	PersonID  int64      `gorm:"column:person_id"`
	ConceptID int64      `gorm:"column:concept_id"`
	StartDate time.Time  `gorm:"column:start_date"`
	EndDate   *time.Time `gorm:"column:end_date"`
	Value     *float64   `gorm:"column:value"`
}

// Events 按表约定查询事件；字段名来自固定的表约定与已校验的标识符
func (h *GormHandle) Events(ctx context.Context, q EventQuery) ([]Event, error) {
	d, ok := LookupDomain(q.Table)
	if !ok {
		return nil, fmt.Errorf("unsupported event table %q", q.Table)
	}
	conceptField := d.ConceptField
	if q.ConceptField != "" {
		conceptField = q.ConceptField
	}

	endExpr := "NULL"
	if d.EndField != "" {
		endExpr = d.EndField
	}
	valueExpr := "NULL"
	if d.ValueField != "" {
		valueExpr = d.ValueField
	}
	selectExpr := fmt.Sprintf("%s AS event_id, person_id, %s AS concept_id, %s AS start_date, %s AS end_date, %s AS value",
		d.IDField, conceptField, d.StartField, endExpr, valueExpr)

	run := func(personIDs []int64) ([]eventRow, error) {
		tx := h.db.WithContext(ctx).Table(h.table(d.Table)).Select(selectExpr)
		if len(q.ConceptIDs) > 0 {
			tx = tx.Where(conceptField+" IN ?", q.ConceptIDs)
		}
		if personIDs != nil {
			tx = tx.Where("person_id IN ?", personIDs)
		}
		var rows []eventRow
		if err := tx.Order(d.IDField).Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("query %s: %w", d.Table, err)
		}
		return rows, nil
	}

	var rows []eventRow
	if len(q.PersonIDs) == 0 {
		r, err := run(nil)
		if err != nil {
			return nil, err
		}
		rows = r
	} else {
		for start := 0; start < len(q.PersonIDs); start += personChunkSize {
			end := min(start+personChunkSize, len(q.PersonIDs))
			r, err := run(q.PersonIDs[start:end])
			if err != nil {
				return nil, err
			}
			rows = append(rows, r...)
		}
	}

	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev := Event{
			EventID:   r.EventID,
			PersonID:  r.PersonID,
			ConceptID: r.ConceptID,
			StartDate: DateOnly(r.StartDate),
			Value:     r.Value,
		}
		if r.EndDate != nil {
			end := DateOnly(*r.EndDate)
			ev.EndDate = &end
		}
		out = append(out, ev)
	}
	return out, nil
}
