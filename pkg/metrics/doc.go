// Package metrics defines the Prometheus instrumentation for the job
// pipeline, the collaboration surface and the HTTP API, plus a
// collector that samples gauge sources on a fixed interval.
package metrics
