package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/cohortdiag/federation"
	"github.com/BaSui01/cohortdiag/internal/database"
	"github.com/BaSui01/cohortdiag/report"
	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🗄️ 中心存储
// =============================================================================

// 死锁等可重试错误下事务的最大尝试次数
const maxTxRetries = 3

// Store 持久化任务、组织状态迁移与最终报告。实现 federation.StatusSink。
// 只保存请求、状态与聚合后的报告，从不保存站点的部分结果。
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ federation.StatusSink = (*Store)(nil)

// New 创建存储
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}
}

// CreateTask 记录任务请求；同一任务 ID 再次派发时更新组织数并重置为 running
func (s *Store) CreateTask(ctx context.Context, taskID string, req *types.TaskRequest, organizations int) error {
	if taskID == "" || req == nil {
		return types.NewError(types.ErrInvalidRequest, "task id and request are required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode task request: %w", err)
	}
	run := TaskRun{
		TaskID:        taskID,
		Request:       string(body),
		Organizations: organizations,
		Status:        TaskRunning,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"organizations", "status", "updated_at"}),
	}).Create(&run).Error
	if err != nil {
		return fmt.Errorf("create task %s: %w", taskID, err)
	}
	return nil
}

// RecordTransition 追加审计记录并更新组织最新状态。
// 同一执行已处于终态时不再被覆盖。
func (s *Store) RecordTransition(ctx context.Context, tr federation.Transition) error {
	code, message := "", ""
	if tr.Err != nil {
		code, message = string(tr.Err.Code), tr.Err.Message
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}

	err := database.TransactionRetry(ctx, s.db, maxTxRetries, func(tx *gorm.DB) error {
		audit := OrganizationTransition{
			TaskID:         tr.TaskID,
			OrganizationID: tr.OrganizationID,
			ExecutionID:    tr.ExecutionID,
			FromStatus:     string(tr.From),
			ToStatus:       string(tr.To),
			ErrorCode:      code,
			OccurredAt:     at,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}

		var current OrganizationRun
		err := tx.Where("task_id = ? AND organization_id = ?", tr.TaskID, tr.OrganizationID).Take(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		case current.ExecutionID == tr.ExecutionID && types.TaskStatus(current.Status).IsTerminal():
			return nil
		}

		run := OrganizationRun{
			TaskID:         tr.TaskID,
			OrganizationID: tr.OrganizationID,
			ExecutionID:    tr.ExecutionID,
			Status:         string(tr.To),
			ErrorCode:      code,
			ErrorMessage:   message,
			UpdatedAt:      at,
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}, {Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"execution_id", "status", "error_code", "error_message", "updated_at"}),
		}).Create(&run).Error
	}, s.logger)
	if err != nil {
		return fmt.Errorf("record transition %s/%s -> %s: %w", tr.TaskID, tr.OrganizationID, tr.To, err)
	}
	return nil
}

// SaveReport 保存报告并把任务标记为 completed
func (s *Store) SaveReport(ctx context.Context, rep *report.Report) error {
	if rep == nil || rep.TaskID == "" {
		return types.NewError(types.ErrInvalidRequest, "report with a task id is required")
	}
	body, err := rep.JSON()
	if err != nil {
		return err
	}
	rec := ReportRecord{
		TaskID:      rep.TaskID,
		Body:        string(body),
		Contributed: len(rep.Organizations.Contributed),
		Targeted:    rep.Organizations.Targeted,
		CreatedAt:   time.Now(),
	}

	err = database.TransactionRetry(ctx, s.db, maxTxRetries, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"body", "contributed", "targeted", "created_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return finish(tx, rep.TaskID, TaskCompleted)
	}, s.logger)
	if err != nil {
		return fmt.Errorf("save report %s: %w", rep.TaskID, err)
	}
	s.logger.Info("report saved",
		zap.String("task_id", rep.TaskID),
		zap.Int("contributed", rec.Contributed),
		zap.Int("targeted", rec.Targeted),
	)
	return nil
}

// FailTask 把任务标记为 failed（例如贡献组织不足无法聚合）
func (s *Store) FailTask(ctx context.Context, taskID string) error {
	if err := finish(s.db.WithContext(ctx), taskID, TaskFailed); err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	return nil
}

func finish(tx *gorm.DB, taskID, status string) error {
	now := time.Now()
	return tx.Model(&TaskRun{}).Where("task_id = ?", taskID).Updates(map[string]any{
		"status":      status,
		"finished_at": now,
		"updated_at":  now,
	}).Error
}

// LoadReport 读取报告；不存在时返回 UNKNOWN_TASK
func (s *Store) LoadReport(ctx context.Context, taskID string) (*report.Report, error) {
	var rec ReportRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrUnknownTask, "no report for task %q", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", taskID, err)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(rec.Body), &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", taskID, err)
	}
	return &rep, nil
}

// Task 读取任务记录
func (s *Store) Task(ctx context.Context, taskID string) (*TaskRun, error) {
	var run TaskRun
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrUnknownTask, "unknown task %q", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return &run, nil
}

// OrganizationRuns 返回任务中各组织的最新状态，按组织 ID 排序
func (s *Store) OrganizationRuns(ctx context.Context, taskID string) ([]OrganizationRun, error) {
	var runs []OrganizationRun
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Order("organization_id").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("list organization runs %s: %w", taskID, err)
	}
	return runs, nil
}

// Transitions 返回组织的状态迁移历史，按发生顺序
func (s *Store) Transitions(ctx context.Context, taskID, orgID string) ([]OrganizationTransition, error) {
	var out []OrganizationTransition
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND organization_id = ?", taskID, orgID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list transitions %s/%s: %w", taskID, orgID, err)
	}
	return out, nil
}
