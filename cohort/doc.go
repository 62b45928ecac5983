// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package cohort 在站点本地把可移植的队列定义解析为成员列表，可选地物化到结果 schema。
package cohort
