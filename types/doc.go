// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 cohortdiag 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。中心与站点之间交换的请求、
部分结果、状态与错误码均定义于此，以避免循环依赖。

# 核心类型

  - TaskRequest         ：任务请求，含队列定义、诊断设置、纳入的组织
  - CohortDefinition    ：可移植的 OMOP 队列定义（入组事件、纳入规则、退出策略）
  - DiagnosticsSettings ：诊断类别开关、MinCellCount、时间协变量与元队列设置
  - OrganizationTarget  ：名册中的组织（ID、名称、端点）
  - PartialDiagnostics  ：站点回传的部分结果，全部计数为 Cell
  - Cell                ：精确计数或 "suppressed" 标记
  - TaskStatus          ：组织执行状态机（dispatched / running / 终态）
  - Error / ErrorCode   ：结构化错误，携带来源组织

# 主要能力

  - 严格解码：DecodeTaskRequest / DecodeStrict 拒绝未知字段
  - 状态迁移校验：ValidateTransition
  - 错误工具链：WrapError / AsError / IsCode / GetErrorCode
*/
package types
