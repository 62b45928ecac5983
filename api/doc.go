// Package api 描述 cohortdiag 对外的 HTTP 接口。
//
// # 站点
//
// 站点只暴露一个业务端点，接收中心发来的任务信封：
//
//	POST /v1/tasks        任务信封（cohortdiag.task/v1）→ 部分结果（cohortdiag.partial/v1）
//
// 站点与中心之间使用双向 TLS。响应只包含经过小单元格抑制的聚合值，
// 失败时返回 {code,message}。
//
// # 中心
//
//	POST /v1/runs         提交任务请求，等待并返回最终报告
//	GET  /v1/reports/{id} 读取已保存的报告（?format=yaml 输出 YAML）
//
// # 运维端点
//
//	GET /health /healthz  存活探针
//	GET /ready /readyz    就绪探针（CDM、Redis、中心存储）
//	GET /version          版本信息
//	GET /metrics          Prometheus 指标（独立端口）
package api
