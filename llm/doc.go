// 版权所有 2024 WayFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义执行引擎与大语言模型之间的最小接入面。

# 概述

PromptExecutionStep 只依赖 [Provider] 的 Completion / Stream 两种调用形式，
具体厂商 SDK 由调用方适配后注入。序列化时 Provider 按 Name 解析。

# 核心类型

  - [Provider]：LLM 提供者接口
  - [ChatRequest] / [ChatResponse]：聊天请求与响应
  - [StreamChunk]：流式输出分片，按 start / text / end 类型区分
  - [ChatUsage]：Token 用量，可转换为 types.TokenUsage
  - [ResilientProvider]：重试、熔断与幂等缓存装饰器

# 流式聚合

[CollectStream] 将分片通道聚合为完整响应：拼接文本增量，保留最后一个
携带 usage 的分片，遇到错误分片立即返回。
*/
package llm
