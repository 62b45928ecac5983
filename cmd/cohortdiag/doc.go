// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 cohortdiag 的命令行入口。

# 概述

同一个二进制按角色运行：站点进程在本地 OMOP CDM 上执行任务信封并只回传
小格抑制后的部分结果；中心进程派发任务、收集各组织结果并合并为报告。

# 子命令

  - site serve    ：HTTPS 接收 POST /v1/tasks，可选双向 TLS
  - site worker   ：从 Redis 队列拉取任务信封，适用于无入站端口的站点
  - central run   ：读取任务请求文件，执行一次联邦诊断，输出 JSON 或 YAML 报告
  - central serve ：POST /v1/runs 提交任务，GET /v1/reports/{id} 读取已保存报告
  - migrate       ：中心存储的 golang-migrate 迁移
  - health / version

# 中间件链

Recovery、RequestID、SecurityHeaders、RequestLogger、OTelTracing、
MetricsMiddleware、RateLimiter（按客户端证书 CN 或 IP，超限返回 RATE_LIMITED）。

# 构建注入

Version、BuildTime、GitCommit 通过 ldflags 设置。
*/
package main
