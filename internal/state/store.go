package state

import (
	"sync"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/event"
)

// StoreImpl is a thread-safe in-memory dashboard model.
type StoreImpl struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStore returns an empty model.
func NewStore() *StoreImpl {
	return &StoreImpl{snap: Snapshot{
		Connection: "DISCONNECTED",
		Message:    "Idle",
		Status:     StatusUnknown,
		Alert:      alert.StateNormal,
	}}
}

// Apply folds one event into the model.
func (s *StoreImpl) Apply(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &s.snap
	if e.Session != "" && e.Session != snap.Session {
		// a new run starts with a clean alert state and counters
		snap.Session = e.Session
		snap.Alert = alert.StateNormal
		snap.HasReading = false
		snap.Ingested = 0
		snap.PersistenceFailures = 0
		snap.InvalidThresholds = 0
		snap.Transitions = 0
		snap.StatusChanges = 0
	}
	snap.LastSeq = e.Seq
	snap.UpdatedAt = e.Time

	switch e.Kind {
	case event.ReadingIngested:
		if e.Reading != nil {
			snap.Latest = *e.Reading
			snap.HasReading = true
			snap.Ingested++
		}
	case event.ConnectionStatusChanged:
		snap.Connection = e.State
		snap.Message = e.Message
		snap.StatusChanges++
		if e.Cause != "" {
			snap.LastError = e.Cause
			snap.LastErrorAt = e.Time
		}
	case event.AlertTransitioned:
		if e.Alert != nil {
			snap.Transitions++
			snap.AlertChangedAt = e.Time
			if e.Alert.Kind == alert.Entered {
				snap.Alert = alert.StateAlert
			} else {
				snap.Alert = alert.StateNormal
			}
			snap.Message = e.Message
		}
	case event.PersistenceFailed:
		snap.PersistenceFailures++
		snap.LastError = e.Cause
		snap.LastErrorAt = e.Time
	case event.ThresholdInvalid:
		snap.InvalidThresholds++
		snap.LastError = e.Cause
		snap.LastErrorAt = e.Time
		snap.Message = e.Message
	}
	snap.Status = deriveStatus(snap)
}

// Snapshot returns a copy of the model.
func (s *StoreImpl) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func deriveStatus(snap *Snapshot) Status {
	switch snap.Connection {
	case "CONNECTED":
		if snap.Alert == alert.StateAlert {
			return StatusWarn
		}
		return StatusOK
	case "LOST", "DISCONNECTED":
		return StatusDown
	case "CONNECTING":
		if snap.StatusChanges <= 1 {
			return StatusUnknown
		}
		return StatusDown
	}
	return StatusUnknown
}
