// Package metrics provides Prometheus-based metrics collection for the
// HTTP front door, router, health tracker, token daemon, and guardian
// daemon.
//
// Collector registers every metric through promauto on construction;
// callers never touch the default registry directly. Metrics are grouped
// by domain: HTTP request counts/latency/size, routing decisions and
// no-healthy-target misses, health-tracker ban/error gauges, token-daemon
// refresh outcomes, and the guardian's registration count.
package metrics
