// Package cli defines the lease-elector command-line flags. Every flag falls back
// to a LEASE_ELECTOR_* environment variable and overrides the config file when set.
package cli
