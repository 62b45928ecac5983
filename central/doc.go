// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 central 提供中心侧的程序化入口 Runner。

Runner.Run 依次完成：按请求的组织选择器从登记表挑选目标组织，生成任务 ID
并登记到中心存储，经编排器派发到各站点，在 collect_timeout 内收集结果，
解码并聚合已完成组织的部分结果，组装报告并持久化。

单个组织失败、被拒或超时只体现在报告的组织部分；只有在没有任何组织贡献
时任务才以 INSUFFICIENT_CONTRIBUTORS 失败。调用方取消上下文时，在途组织
被中止并记为 CANCELLED。
*/
package central
