// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 cohortdiag 的配置管理：默认值、YAML 文件与
// COHORTDIAG_ 前缀环境变量的分层加载，以及可热更新的协作组织名册。
package config
