// Package api serves the lease-elector status endpoints: health and readiness
// checks, Prometheus metrics, the current leadership state and the lease record.
package api
