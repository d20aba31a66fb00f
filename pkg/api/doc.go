// Package api is the control surface: the HTTP endpoints for room and
// compile-job management plus the WebSocket endpoint for CRDT sync and
// presence. Room creation and joining sit behind per-address rate
// limiters; domain errors map onto exact HTTP statuses.
package api
