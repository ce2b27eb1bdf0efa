package wal

import (
	"time"

	"github.com/ChuLiYu/geostream/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the job lifecycle log
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventStarted   EventType = "STARTED"   // Job began running
	EventCompleted EventType = "COMPLETED" // Job finished without error
	EventFailed    EventType = "FAILED"    // Job finished with an error
	EventCancelled EventType = "CANCELLED" // Job stopped on request
	EventPruned    EventType = "PRUNED"    // Finished entry dropped from the journal
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64              `json:"seq"`                 // Event sequence number (monotonically increasing)
	Type      EventType           `json:"type"`                // Event type
	JobID     string              `json:"job_id"`              // Status record correlation id
	Operation types.OperationKind `json:"operation,omitempty"` // Kind of job
	Ref       types.PipelineRef   `json:"ref,omitempty"`       // Pipeline the job worked on
	Detail    string              `json:"detail,omitempty"`    // Description or error text
	Timestamp int64               `json:"timestamp"`           // Unix millisecond timestamp
	Checksum  uint32              `json:"checksum"`            // CRC32 checksum
}

// Time returns the event timestamp.
func (e Event) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// EventHandler is the function type for processing WAL events
// Used by ReadEvents to rebuild history
type EventHandler func(event Event) error
