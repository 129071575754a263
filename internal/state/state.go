// Package state is the presentation-side view of a monitoring session, built
// only from relay events.
package state

import (
	"time"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/event"
	"github.com/doridoridoriand/envmon/internal/reading"
)

// Status summarises health for display.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusOK      Status = "OK"
	StatusWarn    Status = "WARN"
	StatusDown    Status = "DOWN"
)

// Snapshot is a copy of the dashboard model.
type Snapshot struct {
	Session    string
	Connection string
	Message    string
	Status     Status

	Latest     reading.Reading
	HasReading bool

	Alert          alert.State
	AlertChangedAt time.Time

	LastError   string
	LastErrorAt time.Time

	Ingested            uint64
	PersistenceFailures uint64
	InvalidThresholds   uint64
	Transitions         uint64
	StatusChanges       uint64
	LastSeq             uint64
	UpdatedAt           time.Time
}

// Store defines the consumer-side model.
type Store interface {
	Apply(e event.Event)
	Snapshot() Snapshot
}
