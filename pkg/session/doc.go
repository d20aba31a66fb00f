/*
Package session manages the live CRDT document behind each room.

Sessions materialize lazily: the first access restores the document
from the room's stored CRDT state, falling back to the newest snapshot
and finally to reseeding from the plain-text snapshot when both blobs
are unusable. Each session serializes document mutations under one
lock, giving every room a single apply lane.

Snapshot policy: an automatic snapshot after a hundred integrated ops
(debounced to at most one per second), a periodic flush of dirty
sessions every thirty seconds, and a final backup snapshot when a room
archives.
*/
package session
