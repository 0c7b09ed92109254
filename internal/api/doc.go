// Package api hosts the operator HTTP endpoint that runs beside a crawl.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /status for the coordinator's progress snapshot.
//   - GET /events?limit= for the most recent progress events.
//   - GET /metrics for Prometheus scraping.
package api
