// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集，覆盖 HTTP、联邦编排、
站点执行、结果缓存与数据库连接。

# 核心类型

  - Collector：指标收集器，使用 promauto 注册到默认 Registry，
    同时实现 federation.Metrics 与 site.Metrics。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 编排指标：组织状态迁移计数（from/to）、收集耗时、上次收集的完成情况。
  - 站点指标：执行次数与耗时（按状态）、被抑制的格子总数。
  - 缓存指标：部分结果缓存命中与未命中。
  - 数据库指标：CDM 与中心存储连接池的打开/空闲连接数。
*/
package metrics
