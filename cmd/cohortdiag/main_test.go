package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/api/handlers"
	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/config"
	"github.com/BaSui01/cohortdiag/internal/database"
	"github.com/BaSui01/cohortdiag/report"
	"github.com/BaSui01/cohortdiag/site"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/testutil/fixtures"
	"github.com/BaSui01/cohortdiag/transport"
	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🔧 配置与 IO 辅助
// =============================================================================

func TestStdoutToStderr(t *testing.T) {
	assert.Equal(t, []string{"stderr", "/var/log/cohortdiag.log"},
		stdoutToStderr([]string{"stdout", "/var/log/cohortdiag.log"}))
	assert.Empty(t, stdoutToStderr(nil))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9443
site:
  organization_id: org-a
central:
  transport: redis
  collect_timeout: 2m
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.HTTPPort)
	assert.Equal(t, "org-a", cfg.Site.OrganizationID)
	assert.Equal(t, "redis", cfg.Central.Transport)
	assert.Equal(t, 2*time.Minute, cfg.Central.CollectTimeout)
	assert.Equal(t, "json", cfg.Central.ReportFormat, "defaults survive")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("central:\n  transport: grpc\n"), 0o600))
	_, err = loadConfig(bad)
	assert.ErrorContains(t, err, "central.transport")
}

func TestReadTaskRequest(t *testing.T) {
	dir := t.TempDir()
	body, err := json.Marshal(fixtures.TaskRequest(5))
	require.NoError(t, err)

	jsonPath := filepath.Join(dir, "request.json")
	require.NoError(t, os.WriteFile(jsonPath, body, 0o600))
	req, err := readTaskRequest(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, fixtures.TaskRequest(5).CohortNames, req.CohortNames)

	// JSON 本身是合法的 YAML 流
	yamlPath := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(yamlPath, body, 0o600))
	req, err = readTaskRequest(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, fixtures.TaskRequest(5).CohortNames, req.CohortNames)

	unknown := filepath.Join(dir, "unknown.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"cohort_names":["x"],"bogus":1}`), 0o600))
	_, err = readTaskRequest(unknown)
	testutil.AssertErrorCode(t, err, types.ErrInvalidRequest)

	_, err = readTaskRequest(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "read task request")
}

func TestWriteOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, writeOutput(path, []byte(`{"task_id":"t"}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"t"}`, string(data))
}

func TestCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	assert.NoError(t, checkHealth(healthy.Client(), healthy.URL))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.ErrorContains(t, checkHealth(down.Client(), down.URL), "status 503")
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LogConfig{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LogConfig{Level: "warn"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}

// =============================================================================
// 🏥 站点路由
// =============================================================================

func TestSiteMux_ServesTasksAndReadiness(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Site.OrganizationID = "org-a"

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	pool, err := database.NewPoolManager(db, database.PoolConfig{Name: "cdm", MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	rt := &siteRuntime{
		cfg:      cfg,
		logger:   zap.NewNop(),
		executor: site.NewExecutor(fixtures.Site(40, 1), site.Options{OrganizationID: "org-a"}, zap.NewNop()),
		pool:     pool,
	}
	srv := httptest.NewServer(Chain(rt.siteMux(), Recovery(zap.NewNop()), RequestID()))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	envelope, err := codec.EncodeTask(codec.TaskEnvelope{
		TaskID:              "task-1",
		OrganizationID:      "org-a",
		ExecutionID:         "exec-1",
		OrganizationOrdinal: 1,
		TaskOrdinal:         1,
		Request:             fixtures.TaskRequest(5),
	})
	require.NoError(t, err)

	tr := transport.NewHTTP(transport.HTTPConfig{Client: srv.Client(), Timeout: 10 * time.Second}, zap.NewNop())
	payload, err := tr.Send(testutil.TestContext(t), types.OrganizationTarget{ID: "org-a", Endpoint: srv.URL}, envelope)
	require.NoError(t, err)
	partial, err := codec.NewDecoder().Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "org-a", partial.OrganizationID)
}

// =============================================================================
// 🏛️ 中心端到端
// =============================================================================

func siteServer(t *testing.T, org string, n int, seed int64) *httptest.Server {
	t.Helper()
	exec := site.NewExecutor(fixtures.Site(n, seed), site.Options{OrganizationID: org}, zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle(transport.TasksPath, handlers.NewTaskHandler(exec, 0, zap.NewNop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCentralRuntime_RunAndFetchReport(t *testing.T) {
	siteA := siteServer(t, "org-a", 50, 1)
	siteB := siteServer(t, "org-b", 30, 2)

	cfg := config.DefaultConfig()
	cfg.Metrics.Namespace = "test_cmd_central"
	cfg.Central.Persist = true
	cfg.Central.RequestTimeout = 10 * time.Second
	cfg.Central.Organizations = []types.OrganizationTarget{
		{ID: "org-a", Name: "org-a", Endpoint: siteA.URL},
		{ID: "org-b", Name: "org-b", Endpoint: siteB.URL},
	}
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Name: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1}

	rt, err := newCentralRuntime(cfg, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	srv := httptest.NewServer(Chain(rt.centralMux(), Recovery(zap.NewNop()), RequestID()))
	defer srv.Close()

	body, err := json.Marshal(fixtures.TaskRequest(5))
	require.NoError(t, err)
	resp, err := srv.Client().Post(srv.URL+"/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rep report.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	require.NotEmpty(t, rep.TaskID)
	assert.Equal(t, 2, rep.Organizations.Targeted)
	assert.ElementsMatch(t, []string{"org-a", "org-b"}, rep.Organizations.Contributed)
	assert.Equal(t, int64(80), rep.Cohorts[fixtures.CohortT2D].CohortCounts.Data.Subjects.Value)

	got, err := srv.Client().Get(srv.URL + "/v1/reports/" + rep.TaskID)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)
	var saved report.Report
	require.NoError(t, json.NewDecoder(got.Body).Decode(&saved))
	assert.Equal(t, rep.TaskID, saved.TaskID)

	missing, err := srv.Client().Get(srv.URL + "/v1/reports/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
