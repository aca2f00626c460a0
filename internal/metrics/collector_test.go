package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.llmRequestsTotal)
	assert.NotNil(t, collector.llmRequestDuration)
	assert.NotNil(t, collector.llmTokensUsed)
	assert.NotNil(t, collector.llmCost)
	assert.NotNil(t, collector.jobsTotal)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/test", 200, 50*time.Millisecond, 512, 1024)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordLLMRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordLLMRequest(
		"openai",
		"gpt-4",
		"success",
		500*time.Millisecond,
		100,
		50,
		0.01,
	)

	count := testutil.CollectAndCount(collector.llmRequestsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.llmTokensUsed)
	assert.Greater(t, tokensCount, 0)

	costCount := testutil.CollectAndCount(collector.llmCost)
	assert.Greater(t, costCount, 0)
}

func TestCollector_RecordJobCompletion(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordJobCompletion("completed", 45*time.Second)
	collector.SetJobsInProgress("running", 3)
	collector.RecordJobStage("decompile", 12*time.Second)

	count := testutil.CollectAndCount(collector.jobsTotal)
	assert.Greater(t, count, 0)

	gaugeCount := testutil.CollectAndCount(collector.jobsInProgress)
	assert.Greater(t, gaugeCount, 0)

	stageCount := testutil.CollectAndCount(collector.jobStageDuration)
	assert.Greater(t, stageCount, 0)
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCacheHit("result")
	collector.RecordCacheMiss("result")

	hitCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)
}

func TestCollector_RecordRateLimitAndKVErrors(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRateLimitRejection("api_key")
	collector.RecordKVError("get")

	rejCount := testutil.CollectAndCount(collector.rateLimitRejections)
	assert.Greater(t, rejCount, 0)

	errCount := testutil.CollectAndCount(collector.kvErrors)
	assert.Greater(t, errCount, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordLLMRequest("openai", "gpt-4", "success", 500*time.Millisecond, 100, 50, 0.01)
			collector.RecordCacheHit("result")
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)

	llmCount := testutil.CollectAndCount(collector.llmRequestsTotal)
	assert.Greater(t, llmCount, 0)

	cacheCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, cacheCount, 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()

	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 0, 0)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
