// Package sinks implements lifecycle event consumers: structured logging,
// Prometheus collectors, and completion notifications. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
