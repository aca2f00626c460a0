// Copyright (c) bin2nlp Authors.
// Use of this source code is governed by the project license.

/*
# 概述

包 providers 提供跨模型服务商的通用适配与辅助能力，是所有具体 Provider
实现的公共基础层。各服务商子包（openai、anthropic、gemini、openaicompat）依赖本包
完成请求/响应转换、错误映射等共享逻辑。

# 核心类型

  - BaseProviderConfig — 所有 Provider 共享的基础配置（APIKey、BaseURL、Model、Timeout）
  - OpenAICompat* 系列 — OpenAI 兼容 API 的通用请求/响应/工具调用结构体

# 核心函数

  - MapHTTPError — 将 HTTP 状态码映射为语义化的 llm.Error（含 Retryable 标记）
  - ConvertMessagesToOpenAI / ConvertToolsToOpenAI — 统一消息与工具格式转换
  - ToLLMChatResponse — OpenAI 兼容响应到 llm.ChatResponse 的转换
  - ChooseModel — 按优先级选择模型（请求 > 默认 > 兜底）
  - ListModelsOpenAICompat — 通用模型列表获取

# 支持能力

  - 统一错误语义映射（401/403/429/5xx/529 等）
  - OpenAI 兼容格式的请求/响应序列化
*/
package providers
