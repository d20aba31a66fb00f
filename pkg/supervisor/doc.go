// Package supervisor runs the background maintenance loops: a watchdog
// that times out Running jobs stuck past their wall timeout, retention
// cleanup for terminal jobs and settled queue records, archival of
// rooms idle for a day (with a final backup snapshot), and the sweep
// that retires participants whose heartbeats went silent.
package supervisor
