// Package api exposes the REST surface of the agent backend: intent
// submission and status queries, conditional order management, the
// permission engine, and the operational endpoints for health, metrics
// and dead-letter inspection.
package api
