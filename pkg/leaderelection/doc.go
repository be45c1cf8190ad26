// Package leaderelection drives an elector for the lifetime of a context and
// turns its notifications into a channel-based signal that background loops can
// block on until this replica leads.
package leaderelection
