// Package api hosts the HTTP server, middleware, and handlers of the progress
// broker. Notable routes:
//   - POST /api/progress/create, /api/progress/{task_id}/progress,
//     /api/progress/{task_id}/events and /api/progress/close/{task_id} for
//     producers (API key protected when auth is enabled).
//   - GET /api/progress/{task_id} (Server-Sent Events) and
//     /api/progress/{task_id}/ws (WebSocket) for subscribers.
//   - GET /api/notices lists recent completion notices when the in-memory
//     notify driver is active.
//   - GET /api/health, /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
package api
