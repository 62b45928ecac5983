package site

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/testutil/fixtures"
	"github.com/BaSui01/cohortdiag/transport"
	"github.com/BaSui01/cohortdiag/types"
)

func startWorker(t *testing.T, org string, handle *cdm.Memory) *transport.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := transport.NewRedis(client, transport.RedisConfig{Prefix: "test"}, zap.NewNop())
	w := NewRedisWorker(queue, NewExecutor(handle, Options{OrganizationID: org}, nil), org, 2, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return queue
}

func TestRedisWorker_ServesTask(t *testing.T) {
	queue := startWorker(t, "org-a", fixtures.Site(20, 1))

	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)
	payload, err := queue.Send(ctx, types.OrganizationTarget{ID: "org-a"}, envelopeFor(t, "org-a", "exec-1"))
	require.NoError(t, err)

	p := decode(t, payload)
	assert.Equal(t, "exec-1", p.ExecutionID)
	assert.Equal(t, types.Count(20), cohortByName(t, p, fixtures.CohortT2D).Subjects)
}

func TestRedisWorker_RelaysFailureCode(t *testing.T) {
	queue := startWorker(t, "org-b", fixtures.Site(20, 1))

	ctx := testutil.TestContextWithTimeout(t, 10*time.Second)
	_, err := queue.Send(ctx, types.OrganizationTarget{ID: "org-b"}, envelopeFor(t, "org-a", "exec-2"))
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)
}
