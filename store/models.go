package store

import (
	"time"

	"gorm.io/gorm"
)

// =============================================================================
// 🗃️ 中心存储表模型（与 internal/migration 的 SQL 保持一致）
// =============================================================================

// 任务状态
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskRun 一次派发的任务
type TaskRun struct {
	TaskID        string     `gorm:"column:task_id;primaryKey;size:64"`
	Request       string     `gorm:"column:request;type:text;not null"`
	Organizations int        `gorm:"column:organizations;not null;default:0"`
	Status        string     `gorm:"column:status;size:32;not null"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
}

// TableName 实现 gorm Tabler
func (TaskRun) TableName() string { return "task_runs" }

// OrganizationRun 组织在任务中的最新状态
type OrganizationRun struct {
	TaskID         string    `gorm:"column:task_id;primaryKey;size:64"`
	OrganizationID string    `gorm:"column:organization_id;primaryKey;size:128"`
	ExecutionID    string    `gorm:"column:execution_id;size:64;not null"`
	Status         string    `gorm:"column:status;size:32;not null;index:idx_organization_runs_status"`
	ErrorCode      string    `gorm:"column:error_code;size:64"`
	ErrorMessage   string    `gorm:"column:error_message;type:text"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName 实现 gorm Tabler
func (OrganizationRun) TableName() string { return "organization_runs" }

// OrganizationTransition 状态迁移审计记录
type OrganizationTransition struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID         string    `gorm:"column:task_id;size:64;not null;index:idx_organization_transitions_task"`
	OrganizationID string    `gorm:"column:organization_id;size:128;not null;index:idx_organization_transitions_task"`
	ExecutionID    string    `gorm:"column:execution_id;size:64;not null"`
	FromStatus     string    `gorm:"column:from_status;size:32;not null;default:''"`
	ToStatus       string    `gorm:"column:to_status;size:32;not null"`
	ErrorCode      string    `gorm:"column:error_code;size:64"`
	OccurredAt     time.Time `gorm:"column:occurred_at"`
}

// TableName 实现 gorm Tabler
func (OrganizationTransition) TableName() string { return "organization_transitions" }

// ReportRecord 组装完成的报告（JSON）
type ReportRecord struct {
	TaskID      string    `gorm:"column:task_id;primaryKey;size:64"`
	Body        string    `gorm:"column:body;type:text;not null"`
	Contributed int       `gorm:"column:contributed;not null;default:0"`
	Targeted    int       `gorm:"column:targeted;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName 实现 gorm Tabler
func (ReportRecord) TableName() string { return "reports" }

// Models 返回全部存储模型
func Models() []any {
	return []any{&TaskRun{}, &OrganizationRun{}, &OrganizationTransition{}, &ReportRecord{}}
}

// AutoMigrate 创建存储表（测试与本地演示环境）；生产环境使用 cohortdiag migrate
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
