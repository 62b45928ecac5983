// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 federation 负责把诊断任务派发到各参与组织并收集其编码后的部分结果。

# 核心模型

  - Orchestrator：派发 / 结果上报 / 收集 / 中止，维护每个组织的状态机
  - Transport：把任务信封送达站点的外部协作者（HTTP、Redis、进程内）
  - Registry：协作中的组织登记表，Select 按请求挑选目标组织
  - StatusSink：观察每一次状态迁移，通常由中心存储实现
  - Outcome：一次收集后每个组织的终态、错误与编码结果

# 状态机

每个组织经历 dispatched → running → completed / failed / timed_out，
终态不可再迁移。重新派发（Force）会生成新的执行 ID，旧执行的迟到结果被丢弃。
编排器从不自动重试；重试意味着调用方以新的任务 ID 再次派发。

# 超时

Collect 是唯一的同步点。超时后仍未完成的组织被标记为 timed_out
（ORGANIZATION_TIMEOUT），其在途上下文随即取消。
*/
package federation
