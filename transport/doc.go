// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package transport 实现把任务信封送达站点的三种方式。

  - HTTP：POST 到 <endpoint>/v1/tasks，支持双向 TLS；非 2xx 响应按 {code,message} 还原
  - Redis：中心 LPUSH 到组织队列并阻塞等待结果键，站点 worker BRPOP 后回写
  - Local：进程内直接调用站点执行器，用于测试与单机演示

三者都实现 federation.Transport。
*/
package transport
