package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/config"
	"github.com/BaSui01/cohortdiag/internal/metrics"
	"github.com/BaSui01/cohortdiag/internal/server"
)

// =============================================================================
// 🖥️ 服务组合
// =============================================================================

// service 业务 HTTP 服务加独立端口的 Metrics 服务
type service struct {
	httpManager    *server.Manager
	metricsManager *server.Manager

	// rate limiter 清理 goroutine 的生命周期
	rateLimiterCancel context.CancelFunc

	logger *zap.Logger
}

// newService 构建中间件链并创建两个服务器管理器（尚未启动）
func newService(cfg *config.Config, role string, mux *http.ServeMux, tlsConfig *tls.Config, collector *metrics.Collector, logger *zap.Logger) *service {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		OTelTracing(role),
	}
	if collector != nil {
		middlewares = append(middlewares, MetricsMiddleware(collector))
	}
	if cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, logger))
	}
	handler := Chain(mux, middlewares...)

	return &service{
		httpManager:       server.NewManager(handler, server.ConfigFrom(cfg.Server, tlsConfig), logger),
		metricsManager:    newMetricsManager(cfg.Metrics, logger),
		rateLimiterCancel: rateLimiterCancel,
		logger:            logger,
	}
}

// newMetricsManager 在独立端口暴露 /metrics；未启用时返回 nil
func newMetricsManager(cfg config.MetricsConfig, logger *zap.Logger) *server.Manager {
	if !cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = fmt.Sprintf(":%d", cfg.Port)
	return server.NewManager(mux, serverConfig, logger)
}

// Run 启动服务并阻塞到 ctx 取消，随后优雅关闭
func (s *service) Run(ctx context.Context) error {
	defer s.rateLimiterCancel()

	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Start(); err != nil {
			_ = s.httpManager.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	s.logger.Info("all servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Bool("metrics_enabled", s.metricsManager != nil),
	)

	err := s.httpManager.Wait(ctx)
	if s.metricsManager != nil {
		if shutdownErr := s.metricsManager.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			err = errors.Join(err, shutdownErr)
		}
	}
	s.logger.Info("graceful shutdown completed")
	return err
}

// newRedisClient 由 redis 配置段创建客户端
func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
}
