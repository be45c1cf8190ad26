// Package ratelimit provides per-client token-bucket rate limiting middleware
// for the status API, with automatic cleanup of idle clients.
package ratelimit
