package transport

import (
	"context"
	"sync"

	"github.com/BaSui01/cohortdiag/types"
)

// Executor 站点本地执行入口：任务信封进，编码后的部分结果出
type Executor interface {
	Execute(ctx context.Context, envelope []byte) ([]byte, error)
}

// Local 进程内传输。仍然只传递字节，站点与中心之间不共享内存对象。
type Local struct {
	mu    sync.RWMutex
	sites map[string]Executor
}

// NewLocal 创建进程内传输
func NewLocal() *Local {
	return &Local{sites: make(map[string]Executor)}
}

// Register 为组织注册执行器
func (l *Local) Register(orgID string, exec Executor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sites[orgID] = exec
}

// Send 实现 federation.Transport
func (l *Local) Send(ctx context.Context, target types.OrganizationTarget, envelope []byte) ([]byte, error) {
	l.mu.RLock()
	exec, ok := l.sites[target.ID]
	l.mu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrTransport, "no local site registered for %s", target.ID)
	}
	out, err := exec.Execute(ctx, append([]byte(nil), envelope...))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), out...), nil
}
