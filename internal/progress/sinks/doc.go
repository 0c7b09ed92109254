// Package sinks implements progress consumers: Prometheus collectors, an
// in-memory ring of recent events and structured logging.
package sinks
