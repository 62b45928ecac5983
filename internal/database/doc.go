// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 按配置打开 GORM 连接，并管理连接池、健康检查与事务重试。

# 概述

站点的 CDM 连接与中心存储连接都经 Open 打开，方言由 config.DatabaseConfig
的 driver 字段选择：postgres、mysql 或 sqlite（纯 Go 的 glebarez/sqlite）。
PoolManager 在其上设置连接池参数，后台定时 Ping 并把连接数上报给
StatsRecorder（通常是 metrics.Collector）。

# 核心类型

  - Open / Dialector：由配置构造 gorm 连接。
  - PoolManager：连接池生命周期，DB()、Ping()、GetStats()、Close()。
  - PoolConfig / PoolConfigFrom：连接池参数，由数据库配置派生。
  - TransactionRetry：死锁、序列化失败等可重试错误下整体重试事务，
    中心存储的状态写入经由它执行。
*/
package database
