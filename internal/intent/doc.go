// Package intent implements the asynchronous execution pipeline for
// cross-chain intents. Submissions are validated synchronously, projected
// into a forward-only status store and published to a durable queue; a
// bounded dispatcher pulls messages back out, drives attempt-limited
// execution through the flow router and settles every message by ack or
// dead-letter. Delivery is at-least-once, so all downstream handling is
// idempotent per intent id.
package intent
