package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	assert.NotNil(t, c)
	assert.NotNil(t, c.httpRequestsTotal)
	assert.NotNil(t, c.routingDecisionsTotal)
	assert.NotNil(t, c.healthBannedTargets)
	assert.NotNil(t, c.tokenRefreshTotal)
	assert.NotNil(t, c.guardianRegistrations)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 100*time.Millisecond, 1024, 2048)
	count := testutil.CollectAndCount(c.httpRequestsTotal)
	assert.Greater(t, count, 0)

	c.RecordHTTPRequest("POST", "/v1/chat/completions", 429, 50*time.Millisecond, 512, 128)
	newCount := testutil.CollectAndCount(c.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordRoutingDecision(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.RecordRoutingDecision("tools", "openai", "success")
	c.RecordNoHealthyTarget("tools")
	assert.Greater(t, testutil.CollectAndCount(c.routingDecisionsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(c.routingNoHealthyTotal), 0)
}

func TestCollector_HealthGauges(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.SetHealthBanned("qwen", "key1", true)
	c.SetHealthConsecutiveErrors("qwen", "key1", 2)
	assert.Greater(t, testutil.CollectAndCount(c.healthBannedTargets), 0)
	assert.Greater(t, testutil.CollectAndCount(c.healthConsecutiveErr), 0)
}

func TestCollector_TokenRefreshAndGuardian(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	c.RecordTokenRefresh("qwen", "success", 200*time.Millisecond)
	c.SetGuardianRegistrations(3)
	assert.Greater(t, testutil.CollectAndCount(c.tokenRefreshTotal), 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.guardianRegistrations))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	c := NewCollector(nextTestNamespace())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHTTPRequest("GET", "/v1/models", 200, 10*time.Millisecond, 0, 256)
			c.RecordRoutingDecision("default", "openai", "success")
		}()
	}
	wg.Wait()
	assert.Greater(t, testutil.CollectAndCount(c.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(c.routingDecisionsTotal), 0)
}
