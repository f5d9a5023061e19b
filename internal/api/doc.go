// Package api hosts the HTTP server, middleware, and REST handlers for the
// issuing side of the crawler. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to submit a query batch for one engine.
//   - GET /v1/tasks/{task_id} and /v1/tasks/{task_id}/results for progress.
//   - POST /v1/tasks/{task_id}/collect to run one bounded poll and persist cycle.
//   - GET /v1/sessions and /v1/proxies for operator inspection.
package api
