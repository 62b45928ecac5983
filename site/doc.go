// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package site 实现站点侧执行：接收任务信封，在本地 CDM 上解析队列并计算诊断，
只把经过小格抑制和白名单校验的部分结果交还给传输层。

Executor 满足 transport.Executor，可挂在 HTTP 处理器、本地传输或 RedisWorker 之后。
RedisWorker 适用于站点只能发起出站连接的部署，它在有界协程池中并发处理任务。
*/
package site
