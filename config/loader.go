// =============================================================================
// 📦 cohortdiag 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("cohortdiag.yaml").
//	    WithEnvPrefix("COHORTDIAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 验证器
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 cohortdiag 的完整配置结构。站点与中心共用一份结构，
// 各自只读取与自身角色相关的段。
type Config struct {
	// Server 站点 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Site 站点执行配置
	Site SiteConfig `yaml:"site" env:"SITE"`

	// Central 中心编排配置
	Central CentralConfig `yaml:"central" env:"CENTRAL"`

	// Redis 队列传输与结果缓存
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 中心存储（任务、状态迁移、报告）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// CDM 站点本地 OMOP CDM 连接
	CDM CDMConfig `yaml:"cdm" env:"CDM"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// TLS 中心与站点之间的双向 TLS
	TLS TLSConfig `yaml:"tls" env:"TLS"`

	// Metrics Prometheus 指标
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（需覆盖一次完整的站点执行）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个来源 IP 的请求速率
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 速率突发上限
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 任务信封大小上限
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// SiteConfig 站点执行配置
type SiteConfig struct {
	// 本站点的组织 ID；非空时拒绝发往其他组织的任务
	OrganizationID string `yaml:"organization_id" env:"ORGANIZATION_ID"`
	// 同时计算的队列数
	MaxParallelCohorts int `yaml:"max_parallel_cohorts" env:"MAX_PARALLEL_COHORTS"`
	// Redis worker 并发执行数
	WorkerConcurrency int `yaml:"worker_concurrency" env:"WORKER_CONCURRENCY"`
	// 是否把队列物化为 cohort_<task>_<org> 表
	MaterializeCohorts bool `yaml:"materialize_cohorts" env:"MATERIALIZE_COHORTS"`
	// 是否缓存已编码的部分结果（需要 Redis）
	CacheResults bool `yaml:"cache_results" env:"CACHE_RESULTS"`
	// 结果缓存过期时间
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// CentralConfig 中心编排配置
type CentralConfig struct {
	// 传输方式: http, redis
	Transport string `yaml:"transport" env:"TRANSPORT"`
	// 收集超时；0 表示等待全部组织
	CollectTimeout time.Duration `yaml:"collect_timeout" env:"COLLECT_TIMEOUT"`
	// 单次 HTTP 发送超时
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 协作组织名册文件（YAML），修改后自动重新加载
	OrganizationsFile string `yaml:"organizations_file" env:"ORGANIZATIONS_FILE"`
	// 内联组织名册；与文件同时配置时以文件为准
	Organizations []types.OrganizationTarget `yaml:"organizations" env:"-"`
	// 报告输出格式: json, yaml
	ReportFormat string `yaml:"report_format" env:"REPORT_FORMAT"`
	// 是否把任务与报告写入中心存储
	Persist bool `yaml:"persist" env:"PERSIST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 队列键前缀
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// 阻塞读取等待时间
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 结果键过期时间
	ResultTTL time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// CDMConfig 站点 CDM 连接
type CDMConfig struct {
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	// CDM 表所在 schema
	Schema string `yaml:"schema" env:"SCHEMA"`
	// 队列物化表所在 schema
	ResultsSchema string `yaml:"results_schema" env:"RESULTS_SCHEMA"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// TLSConfig 证书文件；全部为空时站点以明文 HTTP 监听
type TLSConfig struct {
	// 本端证书
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	// 本端私钥
	KeyFile string `yaml:"key_file" env:"KEY_FILE"`
	// 信任的 CA（站点用于校验中心客户端证书，中心用于校验站点）
	CAFile string `yaml:"ca_file" env:"CA_FILE"`
}

// Enabled 是否配置了证书
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// 是否启用独立的指标端口
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 指标端口
	Port int `yaml:"port" env:"PORT"`
	// 指标命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COHORTDIAG",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置带 env 标签的字段，嵌套结构体以 _ 拼接前缀
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 校验与角色无关的配置项
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("server.http_port out of range"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, errors.New("metrics.port out of range"))
	}
	if c.Metrics.Enabled && c.Metrics.Port == c.Server.HTTPPort {
		errs = append(errs, errors.New("metrics.port must differ from server.http_port"))
	}
	switch c.Central.Transport {
	case "http", "redis":
	default:
		errs = append(errs, fmt.Errorf("central.transport %q is not one of http, redis", c.Central.Transport))
	}
	if c.Central.CollectTimeout < 0 {
		errs = append(errs, errors.New("central.collect_timeout must not be negative"))
	}
	switch c.Central.ReportFormat {
	case "json", "yaml", "yml":
	default:
		errs = append(errs, fmt.Errorf("central.report_format %q is not one of json, yaml", c.Central.ReportFormat))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.Site.CacheResults && c.Redis.Addr == "" {
		errs = append(errs, errors.New("site.cache_results requires redis.addr"))
	}
	return errors.Join(errs...)
}

// ValidateSite 站点角色的额外校验
func (c *Config) ValidateSite() error {
	var errs []error
	if c.Site.OrganizationID == "" {
		errs = append(errs, errors.New("site.organization_id is required"))
	}
	if c.CDM.Database.Driver == "" {
		errs = append(errs, errors.New("cdm.database.driver is required"))
	}
	return errors.Join(errs...)
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
