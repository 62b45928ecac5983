package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/types"
)

// RedisConfig Redis 队列传输配置
type RedisConfig struct {
	// 键前缀
	Prefix string `yaml:"prefix" json:"prefix"`
	// 单次阻塞读取的等待时间（Redis 最小粒度 1s）
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// 结果键过期时间
	ResultTTL time.Duration `yaml:"result_ttl" json:"result_ttl"`
}

// DefaultRedisConfig 返回默认配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:       "cohortdiag",
		PollInterval: time.Second,
		ResultTTL:    time.Hour,
	}
}

// Result 站点经 Redis 回传的结果消息
type Result struct {
	ExecutionID string         `json:"execution_id"`
	Payload     []byte         `json:"payload,omitempty"`
	Failure     *codec.Failure `json:"failure,omitempty"`
}

// Redis 基于列表的任务 / 结果队列：中心 LPUSH 任务并阻塞等待结果键，
// 站点 worker BRPOP 任务并回写结果。适用于站点无法暴露入站端口的部署。
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

// NewRedis 创建 Redis 传输
func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	return &Redis{client: client, cfg: cfg, logger: logger.With(zap.String("component", "transport_redis"))}
}

// TaskQueue 组织的任务队列键
func (r *Redis) TaskQueue(orgID string) string {
	return r.cfg.Prefix + ":tasks:" + orgID
}

// ResultKey 一次执行的结果键
func (r *Redis) ResultKey(executionID string) string {
	return r.cfg.Prefix + ":results:" + executionID
}

// =============================================================================
// 📤 中心侧
// =============================================================================

// Send 实现 federation.Transport：入队任务并等待同一执行 ID 的结果
func (r *Redis) Send(ctx context.Context, target types.OrganizationTarget, envelope []byte) ([]byte, error) {
	var head struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.Unmarshal(envelope, &head); err != nil || head.ExecutionID == "" {
		return nil, types.NewError(types.ErrTransport, "task envelope has no execution id").WithCause(err)
	}

	if err := r.client.LPush(ctx, r.TaskQueue(target.ID), envelope).Err(); err != nil {
		return nil, r.wrap(ctx, err, "enqueue task")
	}
	r.logger.Debug("task enqueued", zap.String("org_id", target.ID), zap.String("execution_id", head.ExecutionID))

	key := r.ResultKey(head.ExecutionID)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := r.client.BRPop(ctx, r.cfg.PollInterval, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, r.wrap(ctx, err, "wait for result")
		}
		var res Result
		if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
			return nil, types.NewError(types.ErrTransport, "malformed result message").WithCause(err)
		}
		if res.ExecutionID != head.ExecutionID {
			return nil, types.Errorf(types.ErrTransport, "result for execution %s arrived on %s", res.ExecutionID, key)
		}
		if res.Failure != nil {
			return nil, res.Failure.Err()
		}
		return res.Payload, nil
	}
}

func (r *Redis) wrap(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return types.NewError(types.ErrTransport, "redis: "+op).WithCause(err)
}

// =============================================================================
// 📥 站点侧
// =============================================================================

// Receive 阻塞取出组织的下一个任务信封；等待期内无任务时返回 (nil, nil)
func (r *Redis) Receive(ctx context.Context, orgID string) ([]byte, error) {
	vals, err := r.client.BRPop(ctx, r.cfg.PollInterval, r.TaskQueue(orgID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap(ctx, err, "receive task")
	}
	return []byte(vals[1]), nil
}

// Reply 回写执行结果；execErr 非空时只回传 {code,message}
func (r *Redis) Reply(ctx context.Context, executionID string, payload []byte, execErr error) error {
	res := Result{ExecutionID: executionID, Payload: payload}
	if execErr != nil {
		f := codec.FailureOf(execErr)
		res = Result{ExecutionID: executionID, Failure: &f}
	}
	data, err := json.Marshal(res)
	if err != nil {
		return types.NewError(types.ErrTransport, "encode result message").WithCause(err)
	}
	key := r.ResultKey(executionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.Expire(ctx, key, r.cfg.ResultTTL)
		return nil
	})
	if err != nil {
		return r.wrap(ctx, err, "reply")
	}
	return nil
}
