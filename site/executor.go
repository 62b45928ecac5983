package site

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/cohort"
	"github.com/BaSui01/cohortdiag/diagnostics"
	"github.com/BaSui01/cohortdiag/types"
)

const instrumentationName = "github.com/BaSui01/cohortdiag/site"

// ResultCache 按执行 ID 缓存编码结果，重复投递的信封不会重复计算
type ResultCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// Metrics 站点执行指标
type Metrics interface {
	RecordSiteExecution(status string, duration time.Duration)
	RecordSuppressedCells(n int)
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

const cacheType = "partial"

// Options 执行器选项
type Options struct {
	// OrganizationID 非空时拒绝发往其他组织的信封
	OrganizationID     string
	MaxParallelCohorts int
	// Tables 非空时把队列成员物化到 cohort_<task>_<org> 表，执行结束即删除
	Tables   *cohort.TableWriter
	Cache    ResultCache
	CacheTTL time.Duration
	Metrics  Metrics
}

// Executor 站点本地执行：解码信封 → 解析队列 → 计算诊断 → 编码部分结果。
// 只有编码后的部分结果离开本函数。
type Executor struct {
	handle  cdm.Handle
	opts    Options
	encoder *codec.Encoder
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewExecutor 创建站点执行器
func NewExecutor(handle cdm.Handle, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Executor{
		handle:  handle,
		opts:    opts,
		encoder: codec.NewEncoder(),
		tracer:  otel.Tracer(instrumentationName),
		logger:  logger.With(zap.String("component", "site")),
	}
}

// Execute 实现 transport.Executor
func (e *Executor) Execute(ctx context.Context, envelope []byte) ([]byte, error) {
	env, err := codec.DecodeTask(envelope)
	if err != nil {
		return nil, err
	}
	if e.opts.OrganizationID != "" && env.OrganizationID != e.opts.OrganizationID {
		return nil, types.Errorf(types.ErrInvalidRequest,
			"task addressed to %s was delivered to %s", env.OrganizationID, e.opts.OrganizationID)
	}

	ctx, span := e.tracer.Start(ctx, "site.execute", trace.WithAttributes(
		attribute.String("task_id", env.TaskID),
		attribute.String("org_id", env.OrganizationID),
		attribute.String("execution_id", env.ExecutionID),
	))
	defer span.End()
	log := e.logger.With(
		zap.String("task_id", env.TaskID),
		zap.String("org_id", env.OrganizationID),
		zap.String("execution_id", env.ExecutionID),
	)

	key := cacheKey(env)
	if e.opts.Cache != nil {
		if cached, err := e.opts.Cache.Get(ctx, key); err == nil && cached != "" {
			e.cacheResult(true)
			log.Info("returning cached partial result")
			return []byte(cached), nil
		}
		e.cacheResult(false)
	}

	start := time.Now()
	payload, err := e.run(ctx, env, log)
	status := "completed"
	if err != nil {
		status = "failed"
		err = e.classify(ctx, err, env.OrganizationID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("site execution failed", zap.String("code", string(types.GetErrorCode(err))), zap.Error(err))
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordSiteExecution(status, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	if e.opts.Cache != nil {
		if err := e.opts.Cache.Set(ctx, key, string(payload), e.opts.CacheTTL); err != nil {
			log.Warn("cache partial result failed", zap.Error(err))
		}
	}
	log.Info("site execution completed", zap.Int("bytes", len(payload)), zap.Duration("elapsed", time.Since(start)))
	return payload, nil
}

func (e *Executor) cacheResult(hit bool) {
	switch {
	case e.opts.Metrics == nil:
	case hit:
		e.opts.Metrics.RecordCacheHit(cacheType)
	default:
		e.opts.Metrics.RecordCacheMiss(cacheType)
	}
}

func cacheKey(env *codec.TaskEnvelope) string {
	return fmt.Sprintf("cohortdiag:partial:%s:%s:%s", env.TaskID, env.OrganizationID, env.ExecutionID)
}

// classify 取消统一报告为 CANCELLED，其余错误保留错误码并标注组织
func (e *Executor) classify(ctx context.Context, err error, orgID string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return types.NewError(types.ErrCancelled, "site execution cancelled").WithOrganization(orgID).WithCause(err)
	}
	if te, ok := types.AsError(err); ok {
		cp := *te
		cp.Organization = orgID
		return &cp
	}
	return types.NewError(types.ErrInternalError, "site execution failed").WithOrganization(orgID).WithCause(err)
}

func (e *Executor) run(ctx context.Context, env *codec.TaskEnvelope, log *zap.Logger) ([]byte, error) {
	req := env.Request
	cohorts, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.opts.Tables != nil {
		ids := make(map[string]int64, len(cohorts))
		for i, c := range cohorts {
			ids[c.ID] = cohort.DeriveCohortID(env.OrganizationOrdinal, env.TaskOrdinal, i)
		}
		drop, err := e.opts.Tables.Materialize(ctx, cohort.TableName(env.TaskID, env.OrganizationID), ids, cohorts)
		if err != nil {
			return nil, err
		}
		defer drop()
	}

	engine := diagnostics.NewEngine(e.handle, diagnostics.Options{MaxParallelCohorts: e.opts.MaxParallelCohorts}, log)
	partial, err := engine.Compute(ctx, diagnostics.Input{
		TaskID:         env.TaskID,
		ExecutionID:    env.ExecutionID,
		OrganizationID: env.OrganizationID,
		Request:        req,
		Cohorts:        cohorts,
	})
	if err != nil {
		return nil, err
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordSuppressedCells(diagnostics.SuppressedCells(partial))
	}
	return e.encoder.Encode(partial)
}

// resolve 依次解析命名队列，再按声明顺序组合元队列
func (e *Executor) resolve(ctx context.Context, req *types.TaskRequest) ([]*cohort.LocalCohort, error) {
	resolver := cohort.NewResolver(e.handle, e.logger)
	byName := make(map[string]*cohort.LocalCohort, len(req.CohortNames)+len(req.MetaCohorts.Cohorts))
	out := make([]*cohort.LocalCohort, 0, len(req.CohortNames)+len(req.MetaCohorts.Cohorts))
	for i := range req.CohortDefinitions {
		c, err := resolver.Resolve(ctx, &req.CohortDefinitions[i], req.CohortNames[i])
		if err != nil {
			return nil, err
		}
		byName[c.Name] = c
		out = append(out, c)
	}
	for i, mc := range req.MetaCohorts.Cohorts {
		members := make([]*cohort.LocalCohort, 0, len(mc.Members))
		for _, name := range mc.Members {
			m, ok := byName[name]
			if !ok {
				return nil, types.Errorf(types.ErrCohortResolution, "meta cohort %s references unknown cohort %s", mc.Name, name)
			}
			members = append(members, m)
		}
		c := cohort.Combine(types.MetaCohortID(i), mc.Name, mc.Operator, members)
		byName[c.Name] = c
		out = append(out, c)
	}
	return out, nil
}
