// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package report 把聚合后的诊断组装为按队列名索引的报告，并渲染为 JSON 或 YAML。
package report
