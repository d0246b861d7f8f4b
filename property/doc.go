/*
Package property 提供 step 与 flow 输入输出的类型描述符。

# 概述

Property 是不可变的值描述：类型（string / integer / float / boolean /
list / dict / object / union / any / null）、名称、描述与可选默认值，
容器类型递归携带子描述符。

# 主要能力

  - Conforms / Validate：严格的结构匹配检查
  - Coerce：在 flow 边界处做类型转换（数字字符串 → int 等），失败时
    返回带字段路径的 ValidationError（如 "articles[2]"、"user.name"）
  - IsAssignableTo：数据边构建时的类型兼容性检查
  - JSON / YAML 序列化与 JSON Schema 导出
*/
package property
