// Copyright (c) WayFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供 Flow 的建模、校验与可恢复执行引擎。

# 概述

Flow 是由 Step 组成的有向图：控制边（ControlFlowEdge）决定下一步，
数据边（DataFlowEdge）连接步骤的输出与输入，未显式连线的输入按名称
从 I/O 字典与变量中解析。Flow 构建后不可变，可被多个 Conversation 共享。
Conversation 是一次可挂起、可恢复的执行：每次 Execute 推进到挂起、结束或失败，
返回一个 ExecutionStatus。

# 核心接口与类型

  - Step / Invoker / BlockingInvoker: 步骤与两种调用形式
  - Flow / FlowConfig / FlowBuilder: 图模型、校验与名称式构建器
  - Conversation / Frame: 执行状态，子流程以路径寻址的 Frame 保存
  - ExecutionStatus: 封闭的状态和类型（用户输入、工具请求、
    工具确认、认证挑战、中断、完成）
  - Executor: 驱动循环，接入 zap、OTel、Prometheus 与 worker pool
  - ExecutionInterrupt: 步骤边界上的软超时 / 软 token 上限

# 内置步骤

  - 叶子：StartStep、CompleteStep、OutputMessageStep、InputMessageStep、
    BranchingStep、VariableReadStep、VariableWriteStep、ToolExecutionStep、
    PromptExecutionStep、FuncStep、BlockingFuncStep
  - 组合：FlowExecutionStep、MapStep、ParallelMapStep、
    ParallelFlowExecutionStep、RetryStep、CatchExceptionStep

# 序列化

SerializeFlow / DeserializeFlow 通过 CodecRegistry 以 JSON 或 YAML 读写 Flow，
子流程按 ID 内联去重。Conversation.Snapshot / RestoreConversation 保存并恢复
挂起中的会话。
*/
package workflow
