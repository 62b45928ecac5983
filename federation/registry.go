package federation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🌐 外部协作者接口
// =============================================================================

// Transport 将任务信封送达站点并返回编码后的部分结果。
// 站点本地失败应以 *types.Error 返回，以保留错误码。
type Transport interface {
	Send(ctx context.Context, target types.OrganizationTarget, envelope []byte) ([]byte, error)
}

// Registry 协作中的组织登记表
type Registry interface {
	Organizations(ctx context.Context) ([]types.OrganizationTarget, error)
}

// Transition 一次组织状态迁移
type Transition struct {
	TaskID         string
	OrganizationID string
	ExecutionID    string
	From           types.TaskStatus
	To             types.TaskStatus
	Err            *types.Error
	At             time.Time
}

// StatusSink 观察每一次状态迁移（例如持久化到中心存储）
type StatusSink interface {
	RecordTransition(ctx context.Context, tr Transition) error
}

// Metrics 编排指标
type Metrics interface {
	RecordTransition(from, to string)
	RecordCollect(duration time.Duration, organizations, completed int)
}

// =============================================================================
// 📇 静态登记表
// =============================================================================

// StaticRegistry 固定组织列表，通常来自配置文件
type StaticRegistry struct {
	targets []types.OrganizationTarget
}

// NewStaticRegistry 创建静态登记表
func NewStaticRegistry(targets ...types.OrganizationTarget) *StaticRegistry {
	cp := make([]types.OrganizationTarget, len(targets))
	copy(cp, targets)
	return &StaticRegistry{targets: cp}
}

// Organizations 实现 Registry
func (r *StaticRegistry) Organizations(ctx context.Context) ([]types.OrganizationTarget, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.OrganizationTarget, len(r.targets))
	copy(out, r.targets)
	return out, nil
}

// Select 按请求的组织选择器从登记表中挑出目标组织。
// 显式列表必须是登记表的子集，否则返回列出未知组织的 INVALID_REQUEST。
func Select(ctx context.Context, reg Registry, sel types.OrganizationSelector) ([]types.OrganizationTarget, error) {
	all, err := reg.Organizations(ctx)
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "list organizations").WithCause(err)
	}
	if len(all) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "the collaboration has no organizations")
	}
	if sel.IsAll() {
		return all, nil
	}
	byID := make(map[string]types.OrganizationTarget, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	var unknown []string
	out := make([]types.OrganizationTarget, 0, len(sel.IDs))
	for _, id := range sel.IDs {
		t, ok := byID[id]
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, t)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, types.Errorf(types.ErrInvalidRequest,
			"organizations %s are not part of the collaboration", strings.Join(unknown, ", "))
	}
	return out, nil
}
