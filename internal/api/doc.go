// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sites/{site}/policy, /selectors, and /events for inspection.
//   - POST /v1/sites/{site}/resume to bring a paused site back online.
package api
