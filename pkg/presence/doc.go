// Package presence tracks which users are live in each room: joins,
// leaves, heartbeats, cursor positions and the stale sweep that retires
// silent connections. It keeps the rooms' cached participant counters
// consistent by only moving them on real activity transitions.
package presence
