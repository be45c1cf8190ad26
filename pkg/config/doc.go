// Package config loads the lease-elector YAML configuration file: election
// settings, backend selection, HTTP server and notification sinks.
package config
