/*
Package store is the SQLite persistence layer. It owns four tables:
rooms, participants, compile_jobs and room_snapshots, created by
embedded migrations applied on Open.

Write-once guarantees live here rather than in callers: job state
transitions are conditional UPDATEs that refuse to touch terminal rows,
and participant counters adjust atomically inside the database. The
store returns the shared error sentinels from pkg/types so callers can
branch with errors.Is.
*/
package store
