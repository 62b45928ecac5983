package federation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/types"
)

const instrumentationName = "github.com/BaSui01/cohortdiag/federation"

// Options 编排器可选协作者
type Options struct {
	Sink    StatusSink
	Metrics Metrics
}

// Orchestrator 把任务派发到各组织并跟踪每个组织的状态。
// 同一任务的状态表由任务自身的互斥锁保护，ReportResult 可并发调用。
type Orchestrator struct {
	transport Transport
	opts      Options
	tasks     map[string]*Task
	ordinal   int
	root      context.Context
	stop      context.CancelFunc
	tracer    trace.Tracer
	logger    *zap.Logger
	mu        sync.RWMutex
	closeOnce sync.Once
}

// NewOrchestrator 创建编排器
func NewOrchestrator(transport Transport, opts Options, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		transport: transport,
		opts:      opts,
		tasks:     make(map[string]*Task),
		root:      root,
		stop:      stop,
		tracer:    otel.Tracer(instrumentationName),
		logger:    logger.With(zap.String("component", "federation")),
	}
}

// Close 取消所有在途执行
func (o *Orchestrator) Close() {
	o.closeOnce.Do(o.stop)
}

// =============================================================================
// 📋 任务状态表
// =============================================================================

// Task 一次派发的任务；请求在派发时深拷贝并冻结
type Task struct {
	ID      string
	Ordinal int

	request *types.TaskRequest
	mu      sync.Mutex
	orgs    map[string]*orgState
	changed chan struct{}
}

type orgState struct {
	target       types.OrganizationTarget
	ordinal      int
	status       types.TaskStatus
	executionID  string
	payload      []byte
	err          *types.Error
	cancel       context.CancelFunc
	dispatchedAt time.Time
	finishedAt   time.Time
}

// Request 返回冻结的请求
func (t *Task) Request() *types.TaskRequest { return t.request }

// notifyLocked 唤醒所有等待者
func (t *Task) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Task) transitionLocked(st *orgState, to types.TaskStatus, payload []byte, terr *types.Error) (Transition, error) {
	if err := types.ValidateTransition(st.status, to); err != nil {
		return Transition{}, err
	}
	tr := Transition{
		TaskID:         t.ID,
		OrganizationID: st.target.ID,
		ExecutionID:    st.executionID,
		From:           st.status,
		To:             to,
		Err:            terr,
		At:             time.Now(),
	}
	st.status = to
	if to.IsTerminal() {
		st.finishedAt = tr.At
		st.payload = payload
		st.err = terr
		if st.cancel != nil {
			st.cancel()
		}
	}
	t.notifyLocked()
	return tr, nil
}

func (t *Task) allTerminalLocked() bool {
	for _, st := range t.orgs {
		if !st.status.IsTerminal() {
			return false
		}
	}
	return true
}

func (t *Task) outcomeLocked() *Outcome {
	out := &Outcome{TaskID: t.ID, Organizations: make([]OrganizationResult, 0, len(t.orgs))}
	for _, st := range t.orgs {
		r := OrganizationResult{
			OrganizationID: st.target.ID,
			Name:           st.target.Name,
			ExecutionID:    st.executionID,
			Status:         st.status,
			Err:            st.err,
		}
		if st.status == types.TaskStatusCompleted {
			r.Payload = st.payload
		}
		if !st.finishedAt.IsZero() {
			r.Duration = st.finishedAt.Sub(st.dispatchedAt)
		}
		out.Organizations = append(out.Organizations, r)
	}
	sort.Slice(out.Organizations, func(i, j int) bool {
		return out.Organizations[i].OrganizationID < out.Organizations[j].OrganizationID
	})
	return out
}

// =============================================================================
// 🚀 派发
// =============================================================================

// DispatchSpec 派发参数
type DispatchSpec struct {
	TaskID        string
	Request       *types.TaskRequest
	Organizations []types.OrganizationTarget
	// Force 对已派发的组织重新派发：旧执行被取消，迟到的旧结果被丢弃
	Force bool
}

// Dispatch 为每个组织启动一个 goroutine 经 Transport 执行任务。
// 对已派发（在途或已完成）的组织是幂等的空操作，除非设置 Force。
func (o *Orchestrator) Dispatch(ctx context.Context, spec DispatchSpec) (*Task, error) {
	if spec.TaskID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task id is required")
	}
	if spec.Request == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "task request is required")
	}
	if err := spec.Request.Validate(); err != nil {
		return nil, err
	}
	if len(spec.Organizations) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "no organizations to dispatch to")
	}
	seen := make(map[string]bool, len(spec.Organizations))
	for _, target := range spec.Organizations {
		if target.ID == "" || seen[target.ID] {
			return nil, types.Errorf(types.ErrInvalidRequest, "organization id %q is empty or duplicated", target.ID)
		}
		seen[target.ID] = true
	}

	task, err := o.taskFor(spec)
	if err != nil {
		return nil, err
	}

	task.mu.Lock()
	var (
		launch      []*orgState
		transitions []Transition
		now         = time.Now()
	)
	for i, target := range spec.Organizations {
		prev, exists := task.orgs[target.ID]
		if exists && !spec.Force {
			continue
		}
		ordinal := i + 1
		if exists {
			ordinal = prev.ordinal
			if prev.cancel != nil {
				prev.cancel()
			}
		}
		st := &orgState{
			target:       target,
			ordinal:      ordinal,
			status:       types.TaskStatusDispatched,
			executionID:  uuid.NewString(),
			dispatchedAt: now,
		}
		task.orgs[target.ID] = st
		launch = append(launch, st)
		transitions = append(transitions, Transition{
			TaskID:         task.ID,
			OrganizationID: target.ID,
			ExecutionID:    st.executionID,
			To:             types.TaskStatusDispatched,
			At:             now,
		})
	}
	// 在锁内派生上下文，保证 cancel 在 goroutine 启动前就绪
	runCtx := context.WithoutCancel(ctx)
	ctxs := make([]context.Context, len(launch))
	for i, st := range launch {
		execCtx, cancel := context.WithCancel(runCtx)
		stop := context.AfterFunc(o.root, cancel)
		ctxs[i] = execCtx
		st.cancel = func() {
			stop()
			cancel()
		}
	}
	if len(launch) > 0 {
		task.notifyLocked()
	}
	task.mu.Unlock()

	for _, tr := range transitions {
		o.record(ctx, tr)
	}
	for i, st := range launch {
		o.logger.Info("task dispatched",
			zap.String("task_id", task.ID),
			zap.String("org_id", st.target.ID),
			zap.String("execution_id", st.executionID),
		)
		go o.execute(ctxs[i], task, st.target, st.ordinal, st.executionID)
	}
	return task, nil
}

func (o *Orchestrator) taskFor(spec DispatchSpec) (*Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if task, ok := o.tasks[spec.TaskID]; ok {
		return task, nil
	}
	frozen, err := spec.Request.Clone()
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "freeze task request").WithCause(err)
	}
	frozen.AssignCohortIDs()
	o.ordinal++
	task := &Task{
		ID:      spec.TaskID,
		Ordinal: o.ordinal,
		request: frozen,
		orgs:    make(map[string]*orgState),
		changed: make(chan struct{}),
	}
	o.tasks[spec.TaskID] = task
	return task, nil
}

func (o *Orchestrator) execute(ctx context.Context, task *Task, target types.OrganizationTarget, ordinal int, executionID string) {
	ctx, span := o.tracer.Start(ctx, "federation.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("org_id", target.ID),
		attribute.String("execution_id", executionID),
	))
	defer span.End()

	if err := o.advance(ctx, task, target.ID, executionID); err != nil {
		o.logger.Debug("execution superseded before start",
			zap.String("task_id", task.ID), zap.String("org_id", target.ID), zap.Error(err))
		return
	}

	envelope, err := codec.EncodeTask(codec.TaskEnvelope{
		TaskID:              task.ID,
		OrganizationID:      target.ID,
		ExecutionID:         executionID,
		OrganizationOrdinal: ordinal,
		TaskOrdinal:         task.Ordinal,
		Request:             task.request,
	})
	var payload []byte
	if err == nil {
		payload, err = o.transport.Send(ctx, target, envelope)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if rerr := o.ReportResult(ctx, task.ID, target.ID, executionID, payload, err); rerr != nil {
		o.logger.Debug("result not recorded",
			zap.String("task_id", task.ID), zap.String("org_id", target.ID), zap.Error(rerr))
	}
}

// advance dispatched → running
func (o *Orchestrator) advance(ctx context.Context, task *Task, orgID, executionID string) error {
	task.mu.Lock()
	st := task.orgs[orgID]
	if st == nil || st.executionID != executionID {
		task.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition, "execution superseded")
	}
	tr, err := task.transitionLocked(st, types.TaskStatusRunning, nil, nil)
	task.mu.Unlock()
	if err != nil {
		return err
	}
	o.record(ctx, tr)
	return nil
}

// =============================================================================
// 📥 结果上报
// =============================================================================

// ReportResult 记录一个组织的结果：err 为 nil 时迁移到 completed，否则 failed。
// 执行 ID 与当前执行不符的迟到结果被丢弃。
func (o *Orchestrator) ReportResult(ctx context.Context, taskID, orgID, executionID string, payload []byte, err error) error {
	task, lerr := o.lookup(taskID)
	if lerr != nil {
		return lerr
	}

	task.mu.Lock()
	st, ok := task.orgs[orgID]
	if !ok {
		task.mu.Unlock()
		return types.Errorf(types.ErrUnknownOrganization, "organization %q is not part of task %s", orgID, taskID)
	}
	if st.executionID != executionID {
		task.mu.Unlock()
		o.logger.Info("stale result discarded",
			zap.String("task_id", taskID),
			zap.String("org_id", orgID),
			zap.String("execution_id", executionID),
		)
		return nil
	}
	to := types.TaskStatusCompleted
	var terr *types.Error
	switch {
	case err != nil:
		to, terr = types.TaskStatusFailed, classify(err, orgID)
	case len(payload) == 0:
		to, terr = types.TaskStatusFailed, types.NewError(types.ErrTransport, "empty result payload").WithOrganization(orgID)
	}
	tr, verr := task.transitionLocked(st, to, payload, terr)
	task.mu.Unlock()
	if verr != nil {
		return verr
	}

	o.record(ctx, tr)
	fields := []zap.Field{
		zap.String("task_id", taskID),
		zap.String("org_id", orgID),
		zap.String("execution_id", executionID),
		zap.String("status", string(to)),
	}
	if terr != nil {
		o.logger.Warn("organization failed", append(fields, zap.String("code", string(terr.Code)), zap.String("reason", terr.Message))...)
	} else {
		o.logger.Info("organization completed", fields...)
	}
	return nil
}

// classify 将传输层错误映射到错误码；站点错误码原样保留
func classify(err error, orgID string) *types.Error {
	if e, ok := types.AsError(err); ok {
		cp := *e
		cp.Organization = orgID
		return &cp
	}
	if errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrCancelled, "execution cancelled").WithOrganization(orgID).WithCause(err)
	}
	return types.NewError(types.ErrTransport, err.Error()).WithOrganization(orgID).WithCause(err)
}

// =============================================================================
// ⏳ 收集与中止
// =============================================================================

// Collect 阻塞直到所有组织到达终态或超时。超时后未完成的组织迁移为 timed_out
// 并取消其在途上下文。timeout <= 0 表示等待全部组织（仅受 ctx 约束）。
func (o *Orchestrator) Collect(ctx context.Context, taskID string, timeout time.Duration) (*Outcome, error) {
	task, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	ctx, span := o.tracer.Start(ctx, "federation.collect", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.Int64("timeout_ms", timeout.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		task.mu.Lock()
		if task.allTerminalLocked() {
			out := task.outcomeLocked()
			task.mu.Unlock()
			completed := out.Count(types.TaskStatusCompleted)
			span.SetAttributes(attribute.Int("completed", completed))
			if o.opts.Metrics != nil {
				o.opts.Metrics.RecordCollect(time.Since(start), len(out.Organizations), completed)
			}
			o.logger.Info("task collected",
				zap.String("task_id", taskID),
				zap.Int("organizations", len(out.Organizations)),
				zap.Int("completed", completed),
				zap.Duration("elapsed", time.Since(start)),
			)
			return out, nil
		}
		changed := task.changed
		task.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			deadline = nil
			o.expire(ctx, task, types.TaskStatusTimedOut,
				types.Errorf(types.ErrOrganizationTimeout, "no result within %s", timeout))
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return nil, ctx.Err()
		}
	}
}

// Abort 取消所有在途组织，它们迁移为 failed（CANCELLED）
func (o *Orchestrator) Abort(ctx context.Context, taskID string) error {
	task, err := o.lookup(taskID)
	if err != nil {
		return err
	}
	n := o.expire(ctx, task, types.TaskStatusFailed, types.NewError(types.ErrCancelled, "task aborted"))
	o.logger.Info("task aborted", zap.String("task_id", taskID), zap.Int("cancelled", n))
	return nil
}

// expire 将所有非终态组织迁移到 to 并取消其执行
func (o *Orchestrator) expire(ctx context.Context, task *Task, to types.TaskStatus, cause *types.Error) int {
	task.mu.Lock()
	var transitions []Transition
	for _, st := range task.orgs {
		if st.status.IsTerminal() {
			continue
		}
		e := *cause
		e.Organization = st.target.ID
		tr, err := task.transitionLocked(st, to, nil, &e)
		if err != nil {
			continue
		}
		transitions = append(transitions, tr)
	}
	task.mu.Unlock()

	for _, tr := range transitions {
		o.record(ctx, tr)
		o.logger.Warn("organization did not finish",
			zap.String("task_id", tr.TaskID),
			zap.String("org_id", tr.OrganizationID),
			zap.String("status", string(tr.To)),
		)
	}
	return len(transitions)
}

// Forget 释放任务的状态表与载荷。仍在途的执行被取消，迟到结果按未知任务丢弃。
func (o *Orchestrator) Forget(taskID string) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	delete(o.tasks, taskID)
	o.mu.Unlock()
	if !ok {
		return
	}

	task.mu.Lock()
	for _, st := range task.orgs {
		if st.cancel != nil {
			st.cancel()
		}
		st.payload = nil
	}
	task.mu.Unlock()
	o.logger.Debug("task released", zap.String("task_id", taskID))
}

// Snapshot 返回任务当前的状态表（不等待）
func (o *Orchestrator) Snapshot(taskID string) (*Outcome, error) {
	task, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.outcomeLocked(), nil
}

func (o *Orchestrator) lookup(taskID string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return nil, types.Errorf(types.ErrUnknownTask, "task %q not found", taskID)
	}
	return task, nil
}

func (o *Orchestrator) record(ctx context.Context, tr Transition) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordTransition(string(tr.From), string(tr.To))
	}
	if o.opts.Sink == nil {
		return
	}
	if err := o.opts.Sink.RecordTransition(context.WithoutCancel(ctx), tr); err != nil {
		o.logger.Warn("status sink failed",
			zap.String("task_id", tr.TaskID),
			zap.String("org_id", tr.OrganizationID),
			zap.Error(err),
		)
	}
}
