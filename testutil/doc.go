/*
Package testutil 提供 WayFlow 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现相似的
测试基础设施。断言基于 testify。

# 核心能力

  - 上下文辅助: TestContext / CancelledContext，自动注册 Cleanup 防止泄漏
  - 日志辅助: ObservedLogger，基于 zaptest/observer 断言日志输出
  - 断言工具: AssertMessagesEqual
  - 通道辅助: WaitForChannel / SendChunksToChannel

# 子包

  - testutil/mocks: MockProvider（llm.Provider）与 MockTool（tools.ServerTool），
    均支持 Builder 模式、调用记录与错误注入
  - testutil/fixtures: 预置 ChatResponse 与 StreamChunk 样例

# 使用示例

	ctx := testutil.TestContext(t)
	provider := mocks.NewMockProvider().WithResponse("hello")
	resp, err := provider.Completion(ctx, req)
	require.NoError(t, err)
*/
package testutil
