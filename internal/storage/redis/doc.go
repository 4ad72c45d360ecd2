// Package redis holds the Redis-backed caching helpers shared across the
// service, currently the short-lived price quote cache layered under the
// conditional order poller.
package redis
