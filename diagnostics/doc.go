// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package diagnostics 在站点本地计算各诊断类别。

Engine.Compute 对已解析的队列依次计算计数、纳入规则统计、入组事件分布、
发病率、时间协变量与时间序列，所有计数经 stats.Suppressor 处理后才写入
PartialDiagnostics。缺失的协变量表只产生 COVARIATE_UNAVAILABLE 警告。
*/
package diagnostics
