// =============================================================================
// cohortdiag 主入口
// =============================================================================
// 联邦队列诊断：站点在本地 OMOP CDM 上计算小格抑制后的部分结果，
// 中心派发任务、收集结果并合并为一份报告。
//
// 使用方法:
//
//	cohortdiag site serve --config site.yaml      # 站点 HTTPS 服务
//	cohortdiag site worker --config site.yaml     # 站点 Redis worker
//	cohortdiag central run --request req.yaml     # 执行一次联邦诊断
//	cohortdiag central serve --config central.yaml
//	cohortdiag migrate up                         # 中心存储迁移
//	cohortdiag health --addr https://site:8443    # 健康检查
//	cohortdiag version                            # 显示版本信息
// =============================================================================

package main

import (
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/cohortdiag/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "site":
		err = runSite(os.Args[2:])
	case "central":
		err = runCentral(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置文件；路径为空时只用默认值与环境变量
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "https://localhost:8443", "Server address")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	if *insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, //nolint:gosec
		}
	}
	if err := checkHealth(client, *addr); err != nil {
		return err
	}
	fmt.Println("OK")
	return nil
}

func checkHealth(client *http.Client, addr string) error {
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("cohortdiag %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`cohortdiag - federated cohort diagnostics over OMOP CDM

Usage:
  cohortdiag <command> [subcommand] [options]

Commands:
  site serve      Serve task envelopes over HTTPS at /v1/tasks
  site worker     Pull task envelopes from the Redis queue
  central run     Run one federated task and print the report
  central serve   Serve POST /v1/runs and GET /v1/reports/{id}
  migrate         Central store migrations (up, down, status, ...)
  version         Show version information
  health          Check server health
  help            Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Options for 'central run':
  --request <path>  Task request file (YAML or JSON, "-" for stdin)
  --output <path>   Report output file (default stdout)
  --format <fmt>    Report format: json or yaml
  --auto-migrate    Create store tables before running

Examples:
  cohortdiag site serve --config /etc/cohortdiag/site.yaml
  cohortdiag central run --config central.yaml --request t2d.yaml --format yaml
  cohortdiag migrate up --config central.yaml
  cohortdiag health --addr https://site-a.example.org:8443
  cohortdiag version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// stdoutToStderr 报告写到标准输出时把日志挪到标准错误
func stdoutToStderr(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "stdout" {
			p = "stderr"
		}
		out = append(out, p)
	}
	return out
}
