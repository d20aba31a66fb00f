package types

import (
	"time"
)

// Room represents a collaboration room
type Room struct {
	ID               string    `json:"id"`
	JoinKey          string    `json:"joinKey"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
	IsArchived       bool      `json:"isArchived"`
	ParticipantCount int       `json:"participantCount"`
	CodeSnapshot     string    `json:"codeSnapshot"`
	CRDTState        []byte    `json:"crdtState,omitempty"`
}

// CursorPosition is a caret location inside the shared document
type CursorPosition struct {
	Line   int `json:"lineNumber"`
	Column int `json:"column"`
}

// Participant is one (room, user) membership row
type Participant struct {
	ID       string          `json:"id"`
	RoomID   string          `json:"roomId"`
	UserID   string          `json:"userId"`
	JoinedAt time.Time       `json:"joinedAt"`
	LastSeen time.Time       `json:"lastSeen"`
	IsActive bool            `json:"isActive"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
	Color    string          `json:"color"`
}

// Palette is the fixed set of participant colors. Assignment is
// deterministic: a user hashes to the same color on every rejoin.
var Palette = [10]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// JobState represents the lifecycle state of a compile job
type JobState string

const (
	JobStateQueued    JobState = "Queued"
	JobStateRunning   JobState = "Running"
	JobStateCompleted JobState = "Completed"
	JobStateFailed    JobState = "Failed"
	JobStateTimeout   JobState = "Timeout"
	JobStateCancelled JobState = "Cancelled"
)

// Terminal reports whether no further state change is permitted.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimeout, JobStateCancelled:
		return true
	}
	return false
}

// ExecOptions is the effective resource profile of a sandbox run.
// After admission all fields are populated.
type ExecOptions struct {
	MemoryLimit       string   `json:"memoryLimit"`
	CPULimit          float64  `json:"cpuLimit"`
	WallTimeoutMs     int      `json:"wallTimeoutMs"`
	ProcessCountLimit int      `json:"processCountLimit"`
	CompilerFlags     []string `json:"compilerFlags"`
}

// ExecResult is what a finished (or failed-to-start) sandbox run reports
type ExecResult struct {
	Success         bool   `json:"success"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	MemoryBytes     int64  `json:"memoryBytes,omitempty"`
	TimedOut        bool   `json:"timedOut"`
	Error           string `json:"error,omitempty"`
}

// Job is one compilation/execution submission
type Job struct {
	ID              string      `json:"id"`
	RoomID          string      `json:"roomId"`
	UserID          string      `json:"userId"`
	Code            string      `json:"code"`
	Options         ExecOptions `json:"options"`
	State           JobState    `json:"state"`
	CreatedAt       time.Time   `json:"createdAt"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	Stdout          string      `json:"stdout,omitempty"`
	Stderr          string      `json:"stderr,omitempty"`
	ExitCode        *int        `json:"exitCode,omitempty"`
	ExecutionTimeMs *int64      `json:"executionTimeMs,omitempty"`
	MemoryBytes     *int64      `json:"memoryBytes,omitempty"`
}

// SnapshotKind classifies why a snapshot was taken
type SnapshotKind string

const (
	SnapshotAuto   SnapshotKind = "Auto"
	SnapshotManual SnapshotKind = "Manual"
	SnapshotBackup SnapshotKind = "Backup"
)

// Snapshot is one persisted room snapshot event
type Snapshot struct {
	ID        string       `json:"id"`
	RoomID    string       `json:"roomId"`
	Content   string       `json:"content"`
	CRDTState []byte       `json:"crdtState,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	Kind      SnapshotKind `json:"kind"`
}

// MaxCodeBytes is the submission size ceiling (100 KB)
const MaxCodeBytes = 100 * 1024

// PresenceRecord tracks one participant's live presence in a room
type PresenceRecord struct {
	UserID   string          `json:"userId"`
	Color    string          `json:"color"`
	Cursor   *CursorPosition `json:"cursor,omitempty"`
	Active   bool            `json:"active"`
	LastSeen time.Time       `json:"lastSeen"`
}
