// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package codec 定义站点与中心之间的线上格式。

# 部分结果

Encoder 在编码前检查每个计数格：低于 MinCellCount 的非零精确计数会导致
SUPPRESSION_VIOLATION，编码失败而不是泄露。AllowList 列出允许离开站点的
字段路径，Decoder 拒绝任何不在列表中的字段（DISALLOWED_FIELD）。

# 任务信封与失败

TaskEnvelope 携带任务 ID、执行 ID、组织序号与完整的 TaskRequest。
站点本地失败以 {code,message} 回传，EncodeFailure / DecodeFailure 保证
错误码在 HTTP 与 Redis 传输上保持不变。
*/
package codec
