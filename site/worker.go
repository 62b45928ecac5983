package site

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/internal/pool"
	"github.com/BaSui01/cohortdiag/transport"
)

// RedisWorker 从 Redis 任务队列拉取信封，在有界池中执行并回写结果。
// 适用于站点只允许出站连接的部署。
type RedisWorker struct {
	queue   *transport.Redis
	exec    transport.Executor
	orgID   string
	pool    *pool.GoroutinePool
	backoff time.Duration
	logger  *zap.Logger
}

// NewRedisWorker 创建 worker；concurrency <= 0 时串行执行
func NewRedisWorker(queue *transport.Redis, exec transport.Executor, orgID string, concurrency int, logger *zap.Logger) *RedisWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "site_worker"), zap.String("org_id", orgID))
	return &RedisWorker{
		queue: queue,
		exec:  exec,
		orgID: orgID,
		pool: pool.NewGoroutinePool(pool.GoroutinePoolConfig{
			MaxWorkers: concurrency,
			PanicHandler: func(r any) {
				logger.Error("site execution panicked", zap.Any("panic", r))
			},
		}),
		backoff: time.Second,
		logger:  logger,
	}
}

// Run 循环处理任务直到 ctx 取消；返回前等待在途执行结束
func (w *RedisWorker) Run(ctx context.Context) error {
	w.logger.Info("site worker started")
	defer func() {
		w.pool.Close()
		w.logger.Info("site worker stopped", zap.Int64("completed", w.pool.Stats().Completed))
	}()

	for ctx.Err() == nil {
		envelope, err := w.queue.Receive(ctx, w.orgID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Warn("receive task failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(w.backoff):
			}
			continue
		}
		if envelope == nil {
			continue
		}
		if err := w.dispatch(ctx, envelope); err != nil && ctx.Err() == nil {
			w.logger.Warn("task not scheduled", zap.Error(err))
		}
	}
	return nil
}

func (w *RedisWorker) dispatch(ctx context.Context, envelope []byte) error {
	var head struct {
		TaskID      string `json:"task_id"`
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(envelope, &head); err != nil || head.ExecutionID == "" {
		w.logger.Warn("dropping envelope without execution id", zap.Int("bytes", len(envelope)))
		return nil
	}
	return w.pool.Submit(ctx, func(ctx context.Context) error {
		payload, err := w.exec.Execute(ctx, envelope)
		if rerr := w.queue.Reply(context.WithoutCancel(ctx), head.ExecutionID, payload, err); rerr != nil {
			w.logger.Error("reply failed",
				zap.String("task_id", head.TaskID),
				zap.String("execution_id", head.ExecutionID),
				zap.Error(rerr))
			return rerr
		}
		return err
	})
}
