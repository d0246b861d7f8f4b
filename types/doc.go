/*
Package types 提供 WayFlow 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 property、llm、tools、
workflow、persistence 等上层模块提供统一的类型契约。

# 核心类型

  - Message / Role: 对话消息，conversation 的消息历史由它组成
  - ToolRequest: 一次工具调用请求（客户端工具或需确认的服务端工具）
  - ToolResult: 工具执行结果，由调用方追加到 conversation 中
  - TokenUsage: Token 用量统计，用于 token 限额中断
  - Error / ErrorCode: 结构化错误体系，含字段路径与 Retryable 标记
  - JSONSchema: JSON Schema 定义，property 描述符可导出为此结构
*/
package types
