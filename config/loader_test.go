// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8443, cfg.Server.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int64(4<<20), cfg.Server.MaxBodyBytes)

	assert.Equal(t, 4, cfg.Site.MaxParallelCohorts)
	assert.Equal(t, time.Hour, cfg.Site.CacheTTL)

	assert.Equal(t, "http", cfg.Central.Transport)
	assert.Zero(t, cfg.Central.CollectTimeout, "unset collect timeout waits for every organization")
	assert.Equal(t, "json", cfg.Central.ReportFormat)

	assert.Equal(t, "cohortdiag", cfg.Redis.Prefix)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "postgres", cfg.CDM.Database.Driver)
	assert.Equal(t, "cdm", cfg.CDM.Schema)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "cohortdiag", cfg.Metrics.Namespace)

	require.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "cohortdiag.yaml")
	yamlContent := `
server:
  http_port: 9443
  read_timeout: 60s

site:
  organization_id: org-a
  materialize_cohorts: true

central:
  transport: redis
  collect_timeout: 10m
  organizations:
    - id: org-a
      endpoint: https://a.example.org
    - id: org-b
      endpoint: https://b.example.org

cdm:
  schema: omop54
  database:
    driver: mysql
    port: 3306

log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0o644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Server.WriteTimeout, "unset keys keep defaults")

	assert.Equal(t, "org-a", cfg.Site.OrganizationID)
	assert.True(t, cfg.Site.MaterializeCohorts)

	assert.Equal(t, "redis", cfg.Central.Transport)
	assert.Equal(t, 10*time.Minute, cfg.Central.CollectTimeout)
	require.Len(t, cfg.Central.Organizations, 2)
	assert.Equal(t, "https://b.example.org", cfg.Central.Organizations[1].Endpoint)

	assert.Equal(t, "omop54", cfg.CDM.Schema)
	assert.Equal(t, "mysql", cfg.CDM.Database.Driver)
	assert.Equal(t, 3306, cfg.CDM.Database.Port)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "cohortdiag.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: 8888\nsite:\n  organization_id: yaml-org\n"), 0o644))

	t.Setenv("COHORTDIAG_SERVER_HTTP_PORT", "9999")
	t.Setenv("COHORTDIAG_CENTRAL_COLLECT_TIMEOUT", "90s")
	t.Setenv("COHORTDIAG_CDM_DATABASE_HOST", "cdm.internal")
	t.Setenv("COHORTDIAG_SERVER_RATE_LIMIT_RPS", "2.5")
	t.Setenv("COHORTDIAG_LOG_OUTPUT_PATHS", "stdout, /var/log/cohortdiag.log")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "yaml-org", cfg.Site.OrganizationID)
	assert.Equal(t, 90*time.Second, cfg.Central.CollectTimeout)
	assert.Equal(t, "cdm.internal", cfg.CDM.Database.Host)
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)
	assert.Equal(t, []string{"stdout", "/var/log/cohortdiag.log"}, cfg.Log.OutputPaths)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("COHORTDIAG_CENTRAL_COLLECT_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COHORTDIAG_CENTRAL_COLLECT_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("COHORTDIAG_CENTRAL_TRANSPORT", "carrier-pigeon")

	_, err := NewLoader().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/cohortdiag.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8443, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  http_port: [invalid\n"), 0o644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 70000 }, "server.http_port"},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.Server.HTTPPort }, "metrics.port"},
		{"negative timeout", func(c *Config) { c.Central.CollectTimeout = -time.Second }, "collect_timeout"},
		{"report format", func(c *Config) { c.Central.ReportFormat = "xml" }, "report_format"},
		{"half tls", func(c *Config) { c.TLS.CertFile = "cert.pem" }, "tls.cert_file"},
		{"cache without redis", func(c *Config) { c.Site.CacheResults = true; c.Redis.Addr = "" }, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateSite(t *testing.T) {
	cfg := DefaultConfig()
	assert.ErrorContains(t, cfg.ValidateSite(), "site.organization_id")

	cfg.Site.OrganizationID = "org-a"
	assert.NoError(t, cfg.ValidateSite())
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			"postgres",
			DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "omop", SSLMode: "require"},
			"host=db port=5432 user=u password=p dbname=omop sslmode=require",
		},
		{
			"mysql",
			DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "omop"},
			"u:p@tcp(db:3306)/omop?parseTime=true",
		},
		{"sqlite", DatabaseConfig{Driver: "sqlite", Name: "/tmp/store.db"}, "/tmp/store.db"},
		{"unknown", DatabaseConfig{Driver: "oracle"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.DSN())
		})
	}
}
