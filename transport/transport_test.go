package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/types"
)

const envelope = `{"schema_version":"cohortdiag.task/v1","task_id":"t1","organization_id":"org-a","execution_id":"exec-1"}`

// =============================================================================
// 🌐 HTTP
// =============================================================================

func TestHTTP_Send(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, TasksPath, r.URL.Path)
		assert.Equal(t, "org-a", r.Header.Get("X-Organization-ID"))
		got, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"schema_version":"cohortdiag.partial/v1"}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client()}, zap.NewNop())
	out, err := h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL + "/"}, []byte(envelope))
	require.NoError(t, err)
	assert.JSONEq(t, `{"schema_version":"cohortdiag.partial/v1"}`, string(out))
	assert.Equal(t, envelope, string(got))
}

func TestHTTP_SiteFailureKeepsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write(codec.EncodeFailure(types.NewError(types.ErrSettingsValidation, "window does not overlap")))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client()}, nil)
	_, err := h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, []byte(envelope))
	testutil.AssertErrorCode(t, err, types.ErrSettingsValidation)
	assert.Contains(t, err.Error(), "window does not overlap")
}

func TestHTTP_UnstructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client()}, nil)
	_, err := h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, []byte(envelope))
	testutil.AssertErrorCode(t, err, types.ErrTransport)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestHTTP_OversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Client: srv.Client(), MaxResponseBytes: 64}, nil)
	out, err := h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, []byte(envelope))
	require.NoError(t, err, "a body at the limit is accepted")
	assert.Len(t, out, 64)

	h = NewHTTP(HTTPConfig{Client: srv.Client(), MaxResponseBytes: 63}, nil)
	_, err = h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, []byte(envelope))
	testutil.AssertErrorCode(t, err, types.ErrTransport)
	assert.ErrorContains(t, err, "too large")
}

func TestHTTP_MissingEndpoint(t *testing.T) {
	h := NewHTTP(HTTPConfig{Timeout: time.Second}, nil)
	_, err := h.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a"}, []byte(envelope))
	testutil.AssertErrorCode(t, err, types.ErrTransport)
}

func TestHTTP_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewHTTP(HTTPConfig{Client: srv.Client()}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.Send(ctx, types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, []byte(envelope))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// 🧵 Redis
// =============================================================================

func setupRedis(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, RedisConfig{Prefix: "test"}, zap.NewNop())
}

// serveOnce 模拟站点 worker：取一个任务并回写
func serveOnce(t *testing.T, r *Redis, org string, reply func(env []byte) ([]byte, error)) {
	t.Helper()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for ctx.Err() == nil {
			env, err := r.Receive(ctx, org)
			if err != nil || env == nil {
				continue
			}
			var head struct {
				ExecutionID string `json:"execution_id"`
			}
			_ = json.Unmarshal(env, &head)
			payload, execErr := reply(env)
			_ = r.Reply(ctx, head.ExecutionID, payload, execErr)
			return
		}
	}()
}

func TestRedis_RoundTrip(t *testing.T) {
	r := setupRedis(t)
	serveOnce(t, r, "org-a", func(env []byte) ([]byte, error) {
		assert.JSONEq(t, envelope, string(env))
		return []byte(`{"ok":true}`), nil
	})

	out, err := r.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a"}, []byte(envelope))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(out))
}

func TestRedis_FailureKeepsCode(t *testing.T) {
	r := setupRedis(t)
	serveOnce(t, r, "org-a", func([]byte) ([]byte, error) {
		return nil, types.NewError(types.ErrCohortResolution, "no person table")
	})

	_, err := r.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a"}, []byte(envelope))
	testutil.AssertErrorCode(t, err, types.ErrCohortResolution)
}

func TestRedis_ResultKeyExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedis(client, RedisConfig{Prefix: "test", ResultTTL: time.Minute}, nil)

	require.NoError(t, r.Reply(testutil.TestContext(t), "exec-9", []byte("x"), nil))
	assert.True(t, mr.Exists("test:results:exec-9"))
	assert.Equal(t, time.Minute, mr.TTL("test:results:exec-9"))
}

func TestRedis_RejectsEnvelopeWithoutExecution(t *testing.T) {
	r := setupRedis(t)
	_, err := r.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a"}, []byte(`{"task_id":"t"}`))
	testutil.AssertErrorCode(t, err, types.ErrTransport)
}

func TestRedis_CancelledWhileWaiting(t *testing.T) {
	r := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := r.Send(ctx, types.OrganizationTarget{ID: "org-a"}, []byte(envelope))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// =============================================================================
// 🏠 Local
// =============================================================================

type echoExecutor struct{ err error }

func (e echoExecutor) Execute(_ context.Context, env []byte) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return env, nil
}

func TestLocal_Send(t *testing.T) {
	l := NewLocal()
	l.Register("org-a", echoExecutor{})
	l.Register("org-b", echoExecutor{err: types.NewError(types.ErrEmptyCohort, "x")})

	in := []byte(envelope)
	out, err := l.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a"}, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	out[0] = 'X'
	assert.Equal(t, byte('{'), in[0], "local transport must copy bytes")

	_, err = l.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-b"}, in)
	testutil.AssertErrorCode(t, err, types.ErrEmptyCohort)

	_, err = l.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-z"}, in)
	testutil.AssertErrorCode(t, err, types.ErrTransport)
}
