// Package publish forwards leadership notifications to external sinks: a Kafka
// topic and Kubernetes Events on the Lease object. Every sink is an
// elector.Listener and never blocks the election on delivery failures.
package publish
