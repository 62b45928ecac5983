package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/api/handlers"
	"github.com/BaSui01/cohortdiag/cdm"
	"github.com/BaSui01/cohortdiag/cohort"
	"github.com/BaSui01/cohortdiag/config"
	"github.com/BaSui01/cohortdiag/internal/cache"
	"github.com/BaSui01/cohortdiag/internal/database"
	"github.com/BaSui01/cohortdiag/internal/metrics"
	"github.com/BaSui01/cohortdiag/internal/telemetry"
	"github.com/BaSui01/cohortdiag/internal/tlsutil"
	"github.com/BaSui01/cohortdiag/site"
	"github.com/BaSui01/cohortdiag/transport"
)

// =============================================================================
// 🏥 site 命令
// =============================================================================

func runSite(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cohortdiag site <serve|worker> [--config path]")
	}
	switch args[0] {
	case "serve":
		return runSiteServe(args[1:])
	case "worker":
		return runSiteWorker(args[1:])
	default:
		return fmt.Errorf("unknown site subcommand %q", args[0])
	}
}

// siteRuntime 站点进程的共享依赖
type siteRuntime struct {
	cfg       *config.Config
	logger    *zap.Logger
	executor  *site.Executor
	pool      *database.PoolManager
	cache     *cache.Manager
	collector *metrics.Collector
	providers *telemetry.Providers
}

func loadSiteConfig(args []string, name string) (*config.Config, error) {
	fs := flag.NewFlagSet("site "+name, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateSite(); err != nil {
		return nil, fmt.Errorf("invalid site config: %w", err)
	}
	return cfg, nil
}

// newSiteRuntime 连接 CDM、可选的结果缓存与物化表，并创建执行器
func newSiteRuntime(cfg *config.Config, logger *zap.Logger) (*siteRuntime, error) {
	rt := &siteRuntime{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(cfg.Telemetry, telemetry.Service{
		Role:           "site",
		OrganizationID: cfg.Site.OrganizationID,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	rt.providers = providers
	rt.collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)

	db, err := database.Open(cfg.CDM.Database, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open cdm database: %w", err)
	}
	rt.pool, err = database.NewPoolManager(db, database.PoolConfigFrom("cdm", cfg.CDM.Database), logger,
		database.WithStatsRecorder(rt.collector))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("cdm pool: %w", err)
	}

	opts := site.Options{
		OrganizationID:     cfg.Site.OrganizationID,
		MaxParallelCohorts: cfg.Site.MaxParallelCohorts,
		Metrics:            rt.collector,
	}
	if cfg.Site.MaterializeCohorts {
		opts.Tables = cohort.NewTableWriter(db, cfg.CDM.ResultsSchema, logger)
	}
	if cfg.Site.CacheResults {
		rt.cache, err = cache.NewManager(cache.ConfigFrom(cfg.Redis), logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("result cache: %w", err)
		}
		opts.Cache = rt.cache
		opts.CacheTTL = cfg.Site.CacheTTL
	}

	rt.executor = site.NewExecutor(cdm.NewGormHandle(db, cfg.CDM.Schema, logger), opts, logger)
	return rt, nil
}

// Close 依次释放缓存、连接池与遥测
func (rt *siteRuntime) Close() {
	if rt.cache != nil {
		if err := rt.cache.Close(); err != nil {
			rt.logger.Error("cache close error", zap.Error(err))
		}
	}
	if rt.pool != nil {
		if err := rt.pool.Close(); err != nil {
			rt.logger.Error("cdm pool close error", zap.Error(err))
		}
	}
	if rt.providers != nil {
		if err := rt.providers.Shutdown(context.Background()); err != nil {
			rt.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
}

// siteMux 注册健康检查、版本与任务接收端点
func (rt *siteRuntime) siteMux() *http.ServeMux {
	health := handlers.NewHealthHandler("site", rt.logger)
	health.RegisterCheck(handlers.NewPingCheck("cdm", rt.pool.Ping))
	if rt.cache != nil {
		health.RegisterCheck(handlers.NewPingCheck("cache", rt.cache.Ping))
	}

	mux := http.NewServeMux()
	health.Register(mux)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle(transport.TasksPath, handlers.NewTaskHandler(rt.executor, rt.cfg.Server.MaxBodyBytes, rt.logger))
	return mux
}

func runSiteServe(args []string) error {
	cfg, err := loadSiteConfig(args, "serve")
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting cohortdiag site",
		zap.String("version", Version),
		zap.String("organization_id", cfg.Site.OrganizationID),
	)

	tlsConfig, err := tlsutil.ServerConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsConfig == nil {
		logger.Warn("tls not configured, serving plain http")
	}

	rt, err := newSiteRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newService(cfg, "site", rt.siteMux(), tlsConfig, rt.collector, logger).Run(ctx)
}

func runSiteWorker(args []string) error {
	cfg, err := loadSiteConfig(args, "worker")
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting cohortdiag site worker",
		zap.String("version", Version),
		zap.String("organization_id", cfg.Site.OrganizationID),
		zap.Int("concurrency", cfg.Site.WorkerConcurrency),
	)

	rt, err := newSiteRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	client := newRedisClient(cfg.Redis)
	defer client.Close()
	queue := transport.NewRedis(client, transport.RedisConfig{
		Prefix:       cfg.Redis.Prefix,
		PollInterval: cfg.Redis.PollInterval,
		ResultTTL:    cfg.Redis.ResultTTL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsManager := newMetricsManager(cfg.Metrics, logger); metricsManager != nil {
		if err := metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer metricsManager.Shutdown(context.Background())
	}

	worker := site.NewRedisWorker(queue, rt.executor, cfg.Site.OrganizationID, cfg.Site.WorkerConcurrency, logger)
	return worker.Run(ctx)
}
