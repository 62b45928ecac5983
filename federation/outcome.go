package federation

import (
	"time"

	"github.com/BaSui01/cohortdiag/types"
)

// Outcome 一次收集的结果：每个目标组织的终态
type Outcome struct {
	TaskID        string
	Organizations []OrganizationResult
}

// OrganizationResult 单个组织的执行结果；仅 completed 携带 Payload
type OrganizationResult struct {
	OrganizationID string
	Name           string
	ExecutionID    string
	Status         types.TaskStatus
	Payload        []byte
	Err            *types.Error
	Duration       time.Duration
}

// Payloads 返回已完成组织的编码部分结果
func (o *Outcome) Payloads() map[string][]byte {
	out := make(map[string][]byte)
	for _, r := range o.Organizations {
		if r.Status == types.TaskStatusCompleted {
			out[r.OrganizationID] = r.Payload
		}
	}
	return out
}

// Executions 返回已完成组织的执行 ID
func (o *Outcome) Executions() map[string]string {
	out := make(map[string]string)
	for _, r := range o.Organizations {
		if r.Status == types.TaskStatusCompleted {
			out[r.OrganizationID] = r.ExecutionID
		}
	}
	return out
}

// Count 统计处于指定状态的组织数
func (o *Outcome) Count(status types.TaskStatus) int {
	n := 0
	for _, r := range o.Organizations {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Organization 按 ID 查找组织结果
func (o *Outcome) Organization(id string) (OrganizationResult, bool) {
	for _, r := range o.Organizations {
		if r.OrganizationID == id {
			return r, true
		}
	}
	return OrganizationResult{}, false
}
