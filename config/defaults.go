// =============================================================================
// 📦 cohortdiag 默认配置
// =============================================================================
// 最小小格数与纳入的组织属于任务请求，不在此处提供默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Site:      DefaultSiteConfig(),
		Central:   DefaultCentralConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		CDM:       DefaultCDMConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8443,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    5,
		RateLimitBurst:  10,
		MaxBodyBytes:    4 << 20,
	}
}

// DefaultSiteConfig 返回默认站点配置
func DefaultSiteConfig() SiteConfig {
	return SiteConfig{
		MaxParallelCohorts: 4,
		WorkerConcurrency:  2,
		CacheTTL:           time.Hour,
	}
}

// DefaultCentralConfig 返回默认中心配置
func DefaultCentralConfig() CentralConfig {
	return CentralConfig{
		Transport:      "http",
		RequestTimeout: 30 * time.Minute,
		ReportFormat:   "json",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		Prefix:       "cohortdiag",
		PollInterval: time.Second,
		ResultTTL:    time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认中心存储配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Name:            "cohortdiag.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCDMConfig 返回默认 CDM 连接配置
func DefaultCDMConfig() CDMConfig {
	return CDMConfig{
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "cdm_reader",
			Name:            "omop",
			SSLMode:         "require",
			MaxOpenConns:    8,
			MaxIdleConns:    2,
			ConnMaxLifetime: 10 * time.Minute,
		},
		Schema: "cdm",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "cohortdiag",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Port:      9091,
		Namespace: "cohortdiag",
	}
}
