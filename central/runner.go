package central

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/aggregate"
	"github.com/BaSui01/cohortdiag/federation"
	"github.com/BaSui01/cohortdiag/report"
	"github.com/BaSui01/cohortdiag/types"
)

const instrumentationName = "github.com/BaSui01/cohortdiag/central"

// Persister 中心存储（通常是 *store.Store）
type Persister interface {
	CreateTask(ctx context.Context, taskID string, req *types.TaskRequest, organizations int) error
	SaveReport(ctx context.Context, rep *report.Report) error
	FailTask(ctx context.Context, taskID string) error
	LoadReport(ctx context.Context, taskID string) (*report.Report, error)
}

// Options Runner 配置
type Options struct {
	// CollectTimeout 为 0 时等待全部组织
	CollectTimeout time.Duration
	Persister      Persister
	// NewTaskID 默认 uuid
	NewTaskID func() string
}

// Runner 中心函数：登记表 → 派发 → 收集 → 聚合 → 报告 → 持久化
type Runner struct {
	registry     federation.Registry
	orchestrator *federation.Orchestrator
	aggregator   *aggregate.Aggregator
	assembler    *report.Assembler
	opts         Options
	tracer       trace.Tracer
	logger       *zap.Logger
}

// NewRunner 创建 Runner
func NewRunner(registry federation.Registry, orchestrator *federation.Orchestrator, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NewTaskID == nil {
		opts.NewTaskID = uuid.NewString
	}
	return &Runner{
		registry:     registry,
		orchestrator: orchestrator,
		aggregator:   aggregate.NewAggregator(logger),
		assembler:    report.NewAssembler(logger),
		opts:         opts,
		tracer:       otel.Tracer(instrumentationName),
		logger:       logger.With(zap.String("component", "central")),
	}
}

// Run 执行一次完整的联邦诊断并返回报告。
// 部分组织失败或超时不会使任务失败；没有任何组织贡献时返回 INSUFFICIENT_CONTRIBUTORS。
func (r *Runner) Run(ctx context.Context, req *types.TaskRequest) (*report.Report, error) {
	if req == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	targets, err := federation.Select(ctx, r.registry, req.OrganizationsToInclude)
	if err != nil {
		return nil, err
	}

	taskID := r.opts.NewTaskID()
	ctx, span := r.tracer.Start(ctx, "central.run", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.Int("organizations", len(targets)),
	))
	defer span.End()

	rep, err := r.run(ctx, taskID, req, targets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("task failed", zap.String("task_id", taskID), zap.Error(err))
		return nil, err
	}
	return rep, nil
}

func (r *Runner) run(ctx context.Context, taskID string, req *types.TaskRequest, targets []types.OrganizationTarget) (*report.Report, error) {
	if r.opts.Persister != nil {
		if err := r.opts.Persister.CreateTask(ctx, taskID, req, len(targets)); err != nil {
			return nil, err
		}
	}

	if _, err := r.orchestrator.Dispatch(ctx, federation.DispatchSpec{
		TaskID:        taskID,
		Request:       req,
		Organizations: targets,
	}); err != nil {
		r.fail(ctx, taskID)
		return nil, err
	}
	defer r.orchestrator.Forget(taskID)
	r.logger.Info("task dispatched",
		zap.String("task_id", taskID),
		zap.Int("organizations", len(targets)),
		zap.Duration("collect_timeout", r.opts.CollectTimeout),
	)

	outcome, err := r.orchestrator.Collect(ctx, taskID, r.opts.CollectTimeout)
	if err != nil {
		// 调用方放弃：取消仍在途的组织
		if aerr := r.orchestrator.Abort(context.WithoutCancel(ctx), taskID); aerr != nil {
			r.logger.Warn("abort task", zap.String("task_id", taskID), zap.Error(aerr))
		}
		r.fail(ctx, taskID)
		return nil, types.NewError(types.ErrCancelled, "collect interrupted").WithCause(err)
	}

	agg, err := r.aggregator.AggregateEncoded(outcome.Payloads(), aggregate.Expected{
		TaskID:     taskID,
		Executions: outcome.Executions(),
	})
	if err != nil {
		r.fail(ctx, taskID)
		return nil, explainMissing(err, outcome)
	}
	rep, err := r.assembler.Assemble(agg, outcome)
	if err != nil {
		r.fail(ctx, taskID)
		return nil, err
	}

	if r.opts.Persister != nil {
		if err := r.opts.Persister.SaveReport(context.WithoutCancel(ctx), rep); err != nil {
			return nil, err
		}
	}
	r.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.Int("contributed", len(rep.Organizations.Contributed)),
		zap.Int("targeted", rep.Organizations.Targeted),
	)
	return rep, nil
}

// explainMissing 没有贡献者时把每个未完成组织的状态、错误码与原因写入错误消息
func explainMissing(err error, outcome *federation.Outcome) error {
	if !types.IsCode(err, types.ErrInsufficientContributors) {
		return err
	}
	var reasons []string
	for _, org := range outcome.Organizations {
		if org.Status == types.TaskStatusCompleted {
			continue
		}
		reason := fmt.Sprintf("%s %s", org.OrganizationID, org.Status)
		if org.Err != nil {
			reason = fmt.Sprintf("%s (%s: %s)", reason, org.Err.Code, org.Err.Message)
		}
		reasons = append(reasons, reason)
	}
	if len(reasons) == 0 {
		return err
	}
	e, _ := types.AsError(err)
	return types.Errorf(types.ErrInsufficientContributors, "%s; %s", e.Message, strings.Join(reasons, "; ")).WithCause(e.Cause)
}

func (r *Runner) fail(ctx context.Context, taskID string) {
	if r.opts.Persister == nil {
		return
	}
	if err := r.opts.Persister.FailTask(context.WithoutCancel(ctx), taskID); err != nil {
		r.logger.Warn("mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// Report 读取已保存的报告；没有存储时返回 UNKNOWN_TASK
func (r *Runner) Report(ctx context.Context, taskID string) (*report.Report, error) {
	if r.opts.Persister == nil {
		return nil, types.Errorf(types.ErrUnknownTask, "no report store configured for task %q", taskID)
	}
	return r.opts.Persister.LoadReport(ctx, taskID)
}
