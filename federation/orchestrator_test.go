package federation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/testutil/fixtures"
	"github.com/BaSui01/cohortdiag/types"
)

type siteFunc func(ctx context.Context, env *codec.TaskEnvelope, call int) ([]byte, error)

// fakeTransport 进程内传输：按组织分派到测试函数
type fakeTransport struct {
	mu       sync.Mutex
	sites    map[string]siteFunc
	calls    map[string]int
	ordinals map[string]int
}

func newFakeTransport(sites map[string]siteFunc) *fakeTransport {
	return &fakeTransport{sites: sites, calls: make(map[string]int), ordinals: make(map[string]int)}
}

func (f *fakeTransport) Send(ctx context.Context, target types.OrganizationTarget, envelope []byte) ([]byte, error) {
	env, err := codec.DecodeTask(envelope)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[target.ID]++
	call := f.calls[target.ID]
	f.ordinals[target.ID] = env.OrganizationOrdinal
	site := f.sites[target.ID]
	f.mu.Unlock()
	return site(ctx, env, call)
}

func (f *fakeTransport) callCount(org string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[org]
}

func (f *fakeTransport) ordinal(org string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ordinals[org]
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []Transition
}

func (s *recordingSink) RecordTransition(_ context.Context, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, tr)
	return nil
}

func (s *recordingSink) forOrg(org string) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transition
	for _, tr := range s.transitions {
		if tr.OrganizationID == org {
			out = append(out, tr)
		}
	}
	return out
}

func respond(payload string) siteFunc {
	return func(context.Context, *codec.TaskEnvelope, int) ([]byte, error) {
		return []byte(payload), nil
	}
}

func block(cancelled chan<- struct{}) siteFunc {
	return func(ctx context.Context, _ *codec.TaskEnvelope, _ int) ([]byte, error) {
		<-ctx.Done()
		if cancelled != nil {
			close(cancelled)
		}
		return nil, ctx.Err()
	}
}

func dispatch(t *testing.T, o *Orchestrator, taskID string, n int, force bool) *Task {
	t.Helper()
	task, err := o.Dispatch(testutil.TestContext(t), DispatchSpec{
		TaskID:        taskID,
		Request:       fixtures.TaskRequest(10),
		Organizations: fixtures.Organizations(n),
		Force:         force,
	})
	require.NoError(t, err)
	return task
}

func newOrchestrator(t *testing.T, tr Transport, sink StatusSink) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(tr, Options{Sink: sink}, zap.NewNop())
	t.Cleanup(o.Close)
	return o
}

func TestOrchestrator_CollectTimesOutSlowOrganization(t *testing.T) {
	cancelled := make(chan struct{})
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": respond("a"),
		"org-b": respond("b"),
		"org-c": block(cancelled),
	})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-1", 3, false)

	out, err := o.Collect(testutil.TestContext(t), "task-1", 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, out.Organizations, 3)

	assert.Equal(t, 2, out.Count(types.TaskStatusCompleted))
	c, ok := out.Organization("org-c")
	require.True(t, ok)
	assert.Equal(t, types.TaskStatusTimedOut, c.Status)
	require.NotNil(t, c.Err)
	assert.Equal(t, types.ErrOrganizationTimeout, c.Err.Code)
	assert.Equal(t, "org-c", c.Err.Organization)
	assert.Equal(t, map[string][]byte{"org-a": []byte("a"), "org-b": []byte("b")}, out.Payloads())

	_, ok = testutil.WaitForChannel(cancelled, 2*time.Second)
	assert.True(t, ok, "timed out organization should have its execution cancelled")
}

func TestOrchestrator_LateResultAfterTimeoutIsRejected(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{"org-a": block(nil)})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-late", 1, false)

	out, err := o.Collect(testutil.TestContext(t), "task-late", 20*time.Millisecond)
	require.NoError(t, err)
	a, _ := out.Organization("org-a")
	require.Equal(t, types.TaskStatusTimedOut, a.Status)

	err = o.ReportResult(testutil.TestContext(t), "task-late", "org-a", a.ExecutionID, []byte("late"), nil)
	testutil.AssertErrorCode(t, err, types.ErrInvalidTransition)

	snap, err := o.Snapshot("task-late")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusTimedOut, snap.Organizations[0].Status)
}

func TestOrchestrator_SiteErrorKeepsCode(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": respond("a"),
		"org-b": func(context.Context, *codec.TaskEnvelope, int) ([]byte, error) {
			return nil, types.NewError(types.ErrCohortResolution, "table drug_exposure missing")
		},
	})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-2", 2, false)

	out, err := o.Collect(testutil.TestContext(t), "task-2", 0)
	require.NoError(t, err)
	b, _ := out.Organization("org-b")
	assert.Equal(t, types.TaskStatusFailed, b.Status)
	require.NotNil(t, b.Err)
	assert.Equal(t, types.ErrCohortResolution, b.Err.Code)
	assert.Equal(t, "org-b", b.Err.Organization)
	assert.Nil(t, b.Payload)
}

func TestOrchestrator_EmptyPayloadFails(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{"org-a": respond("")})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-empty", 1, false)

	out, err := o.Collect(testutil.TestContext(t), "task-empty", 0)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, out.Organizations[0].Status)
	assert.Equal(t, types.ErrTransport, out.Organizations[0].Err.Code)
}

func TestOrchestrator_DispatchIsIdempotent(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": respond("a"),
		"org-b": respond("b"),
	})
	o := newOrchestrator(t, tr, nil)
	first := dispatch(t, o, "task-3", 2, false)
	_, err := o.Collect(testutil.TestContext(t), "task-3", 0)
	require.NoError(t, err)

	second := dispatch(t, o, "task-3", 2, false)
	assert.Same(t, first, second)

	out, err := o.Collect(testutil.TestContext(t), "task-3", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count(types.TaskStatusCompleted))
	assert.Equal(t, 1, tr.callCount("org-a"))
	assert.Equal(t, 1, tr.callCount("org-b"))
}

func TestOrchestrator_ForceRedispatchDiscardsStaleResult(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": func(ctx context.Context, _ *codec.TaskEnvelope, call int) ([]byte, error) {
			if call == 1 {
				<-ctx.Done()
				return []byte("old"), nil
			}
			return []byte("new"), nil
		},
	})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-4", 1, false)

	testutil.AssertEventuallyTrue(t, func() bool { return tr.callCount("org-a") == 1 }, 2*time.Second)
	before, err := o.Snapshot("task-4")
	require.NoError(t, err)
	staleExecution := before.Organizations[0].ExecutionID

	dispatch(t, o, "task-4", 1, true)
	out, err := o.Collect(testutil.TestContext(t), "task-4", 0)
	require.NoError(t, err)

	a := out.Organizations[0]
	assert.Equal(t, types.TaskStatusCompleted, a.Status)
	assert.Equal(t, []byte("new"), a.Payload)
	assert.NotEqual(t, staleExecution, a.ExecutionID)

	require.NoError(t, o.ReportResult(testutil.TestContext(t), "task-4", "org-a", staleExecution, []byte("old"), nil))
	after, err := o.Snapshot("task-4")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), after.Organizations[0].Payload)
	assert.Equal(t, 1, tr.ordinal("org-a"))
}

func TestOrchestrator_ReportResultUnknownIDs(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{"org-a": respond("a")})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-5", 1, false)

	ctx := testutil.TestContext(t)
	testutil.AssertErrorCode(t, o.ReportResult(ctx, "missing", "org-a", "x", []byte("a"), nil), types.ErrUnknownTask)
	testutil.AssertErrorCode(t, o.ReportResult(ctx, "task-5", "org-z", "x", []byte("a"), nil), types.ErrUnknownOrganization)

	_, err := o.Collect(ctx, "missing", 0)
	testutil.AssertErrorCode(t, err, types.ErrUnknownTask)
}

func TestOrchestrator_Abort(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": block(nil),
		"org-b": block(nil),
	})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-6", 2, false)

	require.NoError(t, o.Abort(testutil.TestContext(t), "task-6"))
	out, err := o.Collect(testutil.TestContext(t), "task-6", 0)
	require.NoError(t, err)
	for _, r := range out.Organizations {
		assert.Equal(t, types.TaskStatusFailed, r.Status, r.OrganizationID)
		assert.Equal(t, types.ErrCancelled, r.Err.Code)
	}
}

func TestOrchestrator_CollectHonoursContext(t *testing.T) {
	tr := newFakeTransport(map[string]siteFunc{"org-a": block(nil)})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-7", 1, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Collect(ctx, "task-7", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOrchestrator_TransitionsReachSink(t *testing.T) {
	sink := &recordingSink{}
	tr := newFakeTransport(map[string]siteFunc{"org-a": respond("a")})
	o := newOrchestrator(t, tr, sink)
	dispatch(t, o, "task-8", 1, false)
	_, err := o.Collect(testutil.TestContext(t), "task-8", 0)
	require.NoError(t, err)

	got := sink.forOrg("org-a")
	require.Len(t, got, 3)
	assert.Equal(t, types.TaskStatus(""), got[0].From)
	assert.Equal(t, types.TaskStatusDispatched, got[0].To)
	assert.Equal(t, types.TaskStatusRunning, got[1].To)
	assert.Equal(t, types.TaskStatusCompleted, got[2].To)
	for _, rec := range got {
		assert.Equal(t, "task-8", rec.TaskID)
		assert.Equal(t, got[0].ExecutionID, rec.ExecutionID)
	}
}

func TestOrchestrator_RequestIsFrozen(t *testing.T) {
	req := fixtures.TaskRequest(10)
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": func(_ context.Context, env *codec.TaskEnvelope, _ int) ([]byte, error) {
			return []byte(env.Request.CohortNames[0]), nil
		},
	})
	o := newOrchestrator(t, tr, nil)
	task, err := o.Dispatch(testutil.TestContext(t), DispatchSpec{
		TaskID:        "task-9",
		Request:       req,
		Organizations: fixtures.Organizations(1),
	})
	require.NoError(t, err)
	req.CohortNames[0] = "mutated"

	out, err := o.Collect(testutil.TestContext(t), "task-9", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte(fixtures.CohortT2D), out.Organizations[0].Payload)
	assert.Equal(t, fixtures.CohortT2D, task.Request().CohortNames[0])
}

func TestOrchestrator_DispatchValidation(t *testing.T) {
	o := newOrchestrator(t, newFakeTransport(nil), nil)
	orgs := fixtures.Organizations(2)

	tests := []struct {
		name string
		spec DispatchSpec
	}{
		{"missing task id", DispatchSpec{Request: fixtures.TaskRequest(10), Organizations: orgs}},
		{"missing request", DispatchSpec{TaskID: "t", Organizations: orgs}},
		{"no organizations", DispatchSpec{TaskID: "t", Request: fixtures.TaskRequest(10)}},
		{"duplicate organization", DispatchSpec{TaskID: "t", Request: fixtures.TaskRequest(10),
			Organizations: []types.OrganizationTarget{orgs[0], orgs[0]}}},
		{"invalid request", DispatchSpec{TaskID: "t", Request: &types.TaskRequest{Version: types.RequestVersion}, Organizations: orgs}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Dispatch(testutil.TestContext(t), tt.spec)
			testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
		})
	}
}

func TestSelect(t *testing.T) {
	reg := NewStaticRegistry(fixtures.Organizations(3)...)
	ctx := testutil.TestContext(t)

	all, err := Select(ctx, reg, types.OrganizationSelector{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	subset, err := Select(ctx, reg, types.OrganizationSelector{IDs: []string{"org-c", "org-a"}})
	require.NoError(t, err)
	require.Len(t, subset, 2)
	assert.Equal(t, "org-c", subset[0].ID)

	_, err = Select(ctx, reg, types.OrganizationSelector{IDs: []string{"org-a", "org-z", "org-y"}})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "org-y, org-z")

	_, err = Select(ctx, NewStaticRegistry(), types.OrganizationSelector{All: true})
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}

func TestOrchestrator_ForgetReleasesTask(t *testing.T) {
	payload := string(make([]byte, 1<<16))
	tr := newFakeTransport(map[string]siteFunc{
		"org-a": respond(payload),
		"org-b": respond(payload),
	})
	o := newOrchestrator(t, tr, nil)

	ctx := testutil.TestContext(t)
	for i := 0; i < 20; i++ {
		taskID := fmt.Sprintf("task-%d", i)
		dispatch(t, o, taskID, 2, false)
		out, err := o.Collect(ctx, taskID, 0)
		require.NoError(t, err)
		assert.Len(t, out.Executions(), 2)
		o.Forget(taskID)
	}

	o.mu.RLock()
	retained := len(o.tasks)
	o.mu.RUnlock()
	assert.Zero(t, retained)

	_, err := o.Snapshot("task-0")
	testutil.AssertErrorCode(t, err, types.ErrUnknownTask)
	err = o.ReportResult(ctx, "task-0", "org-a", "exec", []byte("late"), nil)
	testutil.AssertErrorCode(t, err, types.ErrUnknownTask)

	o.Forget("task-0")
}

func TestOrchestrator_ForgetCancelsInFlight(t *testing.T) {
	cancelled := make(chan struct{})
	tr := newFakeTransport(map[string]siteFunc{"org-a": block(cancelled)})
	o := newOrchestrator(t, tr, nil)
	dispatch(t, o, "task-1", 1, false)

	o.Forget("task-1")
	_, ok := testutil.WaitForChannel(cancelled, 2*time.Second)
	assert.True(t, ok, "in-flight execution should be cancelled")
}
