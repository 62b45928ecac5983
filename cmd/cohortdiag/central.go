package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/cohortdiag/api/handlers"
	"github.com/BaSui01/cohortdiag/central"
	"github.com/BaSui01/cohortdiag/config"
	"github.com/BaSui01/cohortdiag/federation"
	"github.com/BaSui01/cohortdiag/internal/database"
	"github.com/BaSui01/cohortdiag/internal/metrics"
	"github.com/BaSui01/cohortdiag/internal/telemetry"
	"github.com/BaSui01/cohortdiag/internal/tlsutil"
	"github.com/BaSui01/cohortdiag/store"
	"github.com/BaSui01/cohortdiag/transport"
	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🏛️ central 命令
// =============================================================================

func runCentral(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cohortdiag central <run|serve> [options]")
	}
	switch args[0] {
	case "run":
		return runCentralRun(args[1:])
	case "serve":
		return runCentralServe(args[1:])
	default:
		return fmt.Errorf("unknown central subcommand %q", args[0])
	}
}

// centralRuntime 中心进程的共享依赖
type centralRuntime struct {
	cfg          *config.Config
	logger       *zap.Logger
	roster       *config.Roster
	orchestrator *federation.Orchestrator
	runner       *central.Runner
	store        *store.Store
	pool         *database.PoolManager
	redis        *redis.Client
	collector    *metrics.Collector
	providers    *telemetry.Providers
}

// newCentralRuntime 装配名册、传输、可选的存储、编排器与 Runner
func newCentralRuntime(cfg *config.Config, autoMigrate bool, logger *zap.Logger) (*centralRuntime, error) {
	rt := &centralRuntime{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, telemetry.Service{Role: "central"}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	rt.providers = providers
	rt.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)

	rt.roster, err = config.RosterFromConfig(cfg.Central, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("load organizations: %w", err)
	}

	tr, err := rt.newTransport()
	if err != nil {
		rt.Close()
		return nil, err
	}

	fedOpts := federation.Options{Metrics: rt.collector}
	runOpts := central.Options{CollectTimeout: cfg.Central.CollectTimeout}
	if cfg.Central.Persist {
		if err := rt.openStore(autoMigrate); err != nil {
			rt.Close()
			return nil, err
		}
		fedOpts.Sink = rt.store
		runOpts.Persister = rt.store
	}

	rt.orchestrator = federation.NewOrchestrator(tr, fedOpts, logger)
	rt.runner = central.NewRunner(rt.roster, rt.orchestrator, runOpts, logger)
	return rt, nil
}

func (rt *centralRuntime) newTransport() (federation.Transport, error) {
	switch rt.cfg.Central.Transport {
	case "redis":
		rt.redis = newRedisClient(rt.cfg.Redis)
		return transport.NewRedis(rt.redis, transport.RedisConfig{
			Prefix:       rt.cfg.Redis.Prefix,
			PollInterval: rt.cfg.Redis.PollInterval,
			ResultTTL:    rt.cfg.Redis.ResultTTL,
		}, rt.logger), nil
	default:
		tlsConfig, err := tlsutil.ClientConfig(rt.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		return transport.NewHTTP(transport.HTTPConfig{
			Timeout:   rt.cfg.Central.RequestTimeout,
			TLSConfig: tlsConfig,
		}, rt.logger), nil
	}
}

func (rt *centralRuntime) openStore(autoMigrate bool) error {
	db, err := database.Open(rt.cfg.Database, rt.logger)
	if err != nil {
		return fmt.Errorf("open store database: %w", err)
	}
	rt.pool, err = database.NewPoolManager(db, database.PoolConfigFrom("store", rt.cfg.Database), rt.logger,
		database.WithStatsRecorder(rt.collector))
	if err != nil {
		return fmt.Errorf("store pool: %w", err)
	}
	if autoMigrate {
		if err := store.AutoMigrate(db); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	rt.store = store.New(db, rt.logger)
	return nil
}

// Close 依次释放编排器、Redis、连接池与遥测
func (rt *centralRuntime) Close() {
	if rt.orchestrator != nil {
		rt.orchestrator.Close()
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Error("redis close error", zap.Error(err))
		}
	}
	if rt.pool != nil {
		if err := rt.pool.Close(); err != nil {
			rt.logger.Error("store pool close error", zap.Error(err))
		}
	}
	if rt.providers != nil {
		if err := rt.providers.Shutdown(context.Background()); err != nil {
			rt.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
}

// =============================================================================
// ▶️ central run
// =============================================================================

func runCentralRun(args []string) error {
	fs := flag.NewFlagSet("central run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	requestPath := fs.String("request", "", `Task request file ("-" for stdin)`)
	outputPath := fs.String("output", "", "Report output file (default stdout)")
	format := fs.String("format", "", "Report format: json or yaml (default central.report_format)")
	autoMigrate := fs.Bool("auto-migrate", false, "Create store tables before running")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestPath == "" {
		return fmt.Errorf("--request is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *outputPath == "" || *outputPath == "-" {
		cfg.Log.OutputPaths = stdoutToStderr(cfg.Log.OutputPaths)
	}
	if *format == "" {
		*format = cfg.Central.ReportFormat
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	req, err := readTaskRequest(*requestPath)
	if err != nil {
		return err
	}

	rt, err := newCentralRuntime(cfg, *autoMigrate, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := rt.runner.Run(ctx, req)
	if err != nil {
		return err
	}
	body, err := rep.Render(*format)
	if err != nil {
		return err
	}
	return writeOutput(*outputPath, body)
}

// readTaskRequest 读取并严格解码任务请求；"-" 表示标准输入。
// .yaml / .yml 文件先转换为 JSON，未知字段同样被拒绝。
func readTaskRequest(path string) (*types.TaskRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read task request: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if data, err = yamlToJSON(data); err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "malformed task request").WithCause(err)
		}
	}
	return types.DecodeTaskRequest(data)
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func writeOutput(path string, body []byte) error {
	if path == "" || path == "-" {
		_, err := os.Stdout.Write(body)
		return err
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// =============================================================================
// 🌐 central serve
// =============================================================================

// centralMux 注册健康检查、版本与运行 / 报告端点
func (rt *centralRuntime) centralMux() *http.ServeMux {
	health := handlers.NewHealthHandler("central", rt.logger)
	if rt.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("store", rt.pool.Ping))
	}
	if rt.redis != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return rt.redis.Ping(ctx).Err()
		}))
	}

	mux := http.NewServeMux()
	health.Register(mux)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	handlers.NewReportHandler(rt.runner, rt.cfg.Server.MaxBodyBytes, rt.logger).Register(mux)
	return mux
}

func runCentralServe(args []string) error {
	fs := flag.NewFlagSet("central serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	autoMigrate := fs.Bool("auto-migrate", false, "Create store tables on startup")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting cohortdiag central",
		zap.String("version", Version),
		zap.String("transport", cfg.Central.Transport),
		zap.Bool("persist", cfg.Central.Persist),
	)

	tlsConfig, err := tlsutil.ServerConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	rt, err := newCentralRuntime(cfg, *autoMigrate, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Central.OrganizationsFile != "" {
		watcher, err := rt.roster.Watch(ctx)
		if err != nil {
			return fmt.Errorf("watch organizations: %w", err)
		}
		defer watcher.Stop()
	}

	return newService(cfg, "central", rt.centralMux(), tlsConfig, rt.collector, logger).Run(ctx)
}
