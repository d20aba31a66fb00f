// Package types defines the core data structures shared across codepit
// components: rooms, participants, compile jobs, snapshots, and the
// sandbox execution profile/result records.
package types
