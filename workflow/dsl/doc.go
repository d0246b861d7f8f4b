// Package dsl 提供轻量的布尔条件表达式，
// 用于 RetryStep 等在子流程输出上判定成功条件。
package dsl
