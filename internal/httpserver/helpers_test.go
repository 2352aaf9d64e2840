package httpserver

import (
	"fmt"
	"sync/atomic"

	"github.com/routecodex/routecodex/internal/snapshot"
)

var metricsNamespaceSeq uint64

// nextMetricsNamespace avoids Prometheus's duplicate-collector-registration
// panic when multiple tests in this package each build their own Collector.
func nextMetricsNamespace() string {
	seq := atomic.AddUint64(&metricsNamespaceSeq, 1)
	return fmt.Sprintf("httpserver_test_%d", seq)
}

func newDisabledSnapshot() *snapshot.Sink {
	return snapshot.New("", false)
}
