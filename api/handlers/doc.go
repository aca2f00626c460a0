// Copyright (c) bin2nlp Authors.
// Licensed under the MIT License.

/*
Package handlers implements the HTTP request handlers for the bin2nlp API.

# 概述

handlers 包实现了服务所有 HTTP 端点的请求处理逻辑，
包括文件上传、任务生命周期、LLM provider 查询、健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - UploadHandler    — 文件上传，格式检测，返回 upload:// 引用
  - JobsHandler      — 任务提交、查询、列表、action（cancel/retry/reset）、结果获取
  - ProvidersHandler — LLM provider 列表、详情、健康检查触发
  - SystemHandler    — 管理面 dashboard 与告警视图（admin scope）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（KV store 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
