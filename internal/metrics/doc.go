// 版权所有 (c) bin2nlp Authors。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package metrics provides Prometheus-based metrics collection covering
HTTP, LLM provider calls, the job pipeline, the result cache, and the
rate limiter.

# Overview

Collector registers and records Prometheus vectors via promauto, so
there is no manual Registry bookkeeping. Metrics are namespaced and
labeled for Grafana dashboards and alert rules.

# Core types

  - Collector: holds the Counter/Histogram/Gauge vectors, grouped by
    subsystem.

# Coverage

  - HTTP: request count, duration, request/response size, labeled by
    method/path/status (status bucketed to 2xx/3xx/4xx/5xx).
  - LLM: request count, duration, token usage (prompt/completion), cost,
    labeled by provider/model.
  - Job pipeline: completions by terminal status, duration, in-progress
    gauge, per-stage duration.
  - Cache: hit/miss counts by cache_type.
  - Rate limiter / KV: rejection and error counts.
*/
package metrics
