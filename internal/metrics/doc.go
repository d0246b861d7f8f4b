/*
包 metrics 提供基于 Prometheus 的流程执行指标采集。

# 核心类型

  - Collector：实现 workflow.MetricsRecorder，每个实例注册到自己的
    prometheus.Registry，通过 Gatherer() 导出。

# 指标

  - 步骤：step_executions_total{step_type,outcome}、step_duration_seconds。
  - 流程：flow_executions_total{flow,status}、flow_execution_duration_seconds。
  - Token：llm_tokens_used_total{flow,type}。
  - 快照存储：store_operations_total{backend,operation,status}、
    store_operation_duration_seconds。
  - 数据库：db_connections_open / db_connections_idle Gauge。
*/
package metrics
