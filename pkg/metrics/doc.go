// Package metrics exposes Prometheus metrics for the compile worker.
// All collectors register at init; Handler serves them over HTTP.
package metrics
