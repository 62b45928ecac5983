// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package cdm 提供只读的 OMOP CDM 访问：GormHandle 查询真实数据库，Memory 用于测试与演示。
package cdm
