// Package main is the entry point of the progressd executable.
//
// Architecture overview:
//   - HTTP API: internal/api exposes producer endpoints (create, progress,
//     events, close) and subscriber streams over Server-Sent Events and
//     WebSocket, plus health and Prometheus endpoints.
//   - Broker: internal/broker owns the task lifecycle. Every append lands in
//     the task store; subscribers replay the retained log and then tail it.
//     A done record seals the task and a purge follows a few seconds later.
//   - Storage: the task store is in-memory by default or Postgres (pgx) for
//     multi-replica deployments.
//   - Background work: the janitor expires tasks past their TTL and evicts
//     silent subscribers; the reaper deletes stale temporary frame files.
//   - Observability: zap logs, Prometheus metrics, and optional Pub/Sub
//     completion notices fed by the lifecycle event hub.
//
// Configuration comes from an optional --config file and PROGRESS_* env vars,
// e.g. PROGRESS_SERVER_PORT or PROGRESS_STORE_POSTGRES_DSN.
package main

import "github.com/JakeFAU/frame-progress-broker/cmd"

func main() {
	cmd.Execute()
}
