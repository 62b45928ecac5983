// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 cohortdiag 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertErrorCode / AssertEventuallyTrue
  - 数据工具: MustJSON / MustParseJSON / Date

# 子包

  - testutil/fixtures: 测试数据工厂，提供内存 CDM 站点样例与任务请求样例

# 使用示例

	ctx := testutil.TestContext(t)
	handle := fixtures.SiteA()
	req := fixtures.TaskRequest(10)
*/
package testutil
