package types

import "fmt"

// TaskStatus 单个组织在一次任务中的状态
type TaskStatus string

const (
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimedOut   TaskStatus = "timed_out"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusDispatched: {
		TaskStatusRunning:   {},
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusTimedOut:  {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusTimedOut:  {},
	},
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusTimedOut:  {},
}

// IsTerminal 终态：completed / failed / timed_out
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimedOut:
		return true
	}
	return false
}

// ValidateTaskStatus 校验状态值
func ValidateTaskStatus(s TaskStatus) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid task status: %q", s)
	}
	return nil
}

// ValidateTransition 校验状态迁移是否合法
func ValidateTransition(from, to TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return Errorf(ErrInvalidTransition, "invalid task transition: %s -> %s", from, to)
	}
	return nil
}
