// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 store 是中心侧的持久化层，基于 gorm 保存任务请求、每个组织的状态迁移
与组装完成的报告。

Store 实现 federation.StatusSink，编排器的每次状态迁移都会写入审计表
organization_transitions，并更新 organization_runs 中该组织的最新状态。
表结构由 internal/migration 的内嵌 SQL 管理；AutoMigrate 仅用于测试与
本地演示。站点的部分结果从不落盘，只保存聚合后的报告。
*/
package store
