// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理中心存储的 Schema 版本，支持 PostgreSQL、MySQL 与 SQLite，
基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中。中心存储包含三类数据：
任务（task_runs）、每个组织的最新执行状态（organization_runs）与状态迁移
审计日志（organization_transitions），以及组装完成的报告（reports）。
站点侧只读 CDM，不执行任何迁移。

# 核心类型

  - Migrator：Up/Down/DownAll/Steps/Goto/Force/Version/Status/Info/Close。
  - DefaultMigrator：golang-migrate 实现，方言差异集中在 dialects 表。
  - CLI：`cohortdiag migrate <command>` 的终端输出层。
  - NewMigratorFromConfig：由 config.Config 的 database 段构造迁移器。
*/
package migration
