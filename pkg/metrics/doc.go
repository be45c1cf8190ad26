// Package metrics defines Prometheus metrics for the lease elector, covering
// leadership state, acquisition, renewal, the lease watch and notification sinks.
package metrics
