// Package telemetry 封装 OpenTelemetry SDK 初始化。
//
// Init 返回的 Providers 提供执行器使用的 Tracer（经 workflow.WithTracer 注入）
// 和 Runtime 使用的 Meter；NewInstruments 在 Meter 上注册会话运行计数与耗时直方图。
// 禁用时退回全局 noop 实现，不连接任何外部服务。
package telemetry
