package wal

import "github.com/ChuLiYu/netschedule/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSubmit     EventType = "SUBMIT"     // Job accepted by SUBMIT/BSUB
	EventDispatch   EventType = "DISPATCH"   // Job handed to a worker
	EventPut        EventType = "PUT"        // Worker reported success
	EventFail       EventType = "FAIL"       // Worker reported failure (retry or final)
	EventReturn     EventType = "RETURN"     // Worker gave the job back
	EventCancel     EventType = "CANCEL"     // Submitter canceled the job
	EventTimeout    EventType = "TIMEOUT"    // Run deadline passed, job requeued or failed
	EventExpire     EventType = "EXPIRE"     // Final job erased after its TTL
	EventProgress   EventType = "PROGRESS"   // Progress message changed
	EventDrop       EventType = "DROP"       // Job erased by DROJ
	EventRunTimeout EventType = "RUNTIMEOUT" // Run deadline changed by JRTO
)

// Removes reports whether replaying the event deletes the job.
func (t EventType) Removes() bool {
	return t == EventDrop || t == EventExpire
}

// Event represents a WAL event record.
//
// Each record carries the full job after the transition, so replay is a
// sequence of upserts and does not depend on re-running state machine logic.
type Event struct {
	Seq       uint64      `json:"seq"`       // Event sequence number (monotonically increasing)
	Type      EventType   `json:"type"`      // Event type
	JobID     types.JobID `json:"job_id"`    // Job ID
	Timestamp int64       `json:"timestamp"` // Unix millisecond timestamp
	Job       *types.Job  `json:"job,omitempty"`
	Checksum  uint32      `json:"checksum"` // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
