// Package api hosts the HTTP server, middleware, and REST handlers for seeding
// and inspecting the frontier. Notable routes:
//   - POST / and POST /v1/urls to submit a seed URL.
//   - GET /v1/urls?url= for one frontier row, GET /v1/urls/pending for the
//     next batch, GET /v1/stats for per-status counts.
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
