// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供站点与中心的 HTTP 请求处理器。

# 核心类型

  - TaskHandler     ：站点 POST /v1/tasks：任务信封进，编码后的部分结果出
  - ReportHandler   ：中心 POST /v1/runs 与 GET /v1/reports/{id}
  - HealthHandler   ：/health、/healthz、/ready、/readyz 与版本信息
  - ResponseWriter  ：包装 http.ResponseWriter 以捕获状态码与字节数

# 错误格式

所有失败响应的主体都是 {code,message}，与 codec.EncodeFailure 一致；
HTTP 状态由 StatusFor 按错误码决定。中心的 HTTP 传输按同样的格式还原错误，
站点本地失败因此只影响该组织的状态。
*/
package handlers
