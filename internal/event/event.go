// Package event carries ingestion outcomes from the ingestion loop to
// presentation consumers.
package event

import (
	"time"

	"github.com/doridoridoriand/envmon/internal/alert"
	"github.com/doridoridoriand/envmon/internal/reading"
)

// Kind identifies the event payload.
type Kind string

const (
	ReadingIngested         Kind = "reading_ingested"
	ConnectionStatusChanged Kind = "connection_status_changed"
	AlertTransitioned       Kind = "alert_transitioned"
	PersistenceFailed       Kind = "persistence_failed"
	ThresholdInvalid        Kind = "threshold_invalid"
)

// Event is one ingestion outcome. Only the fields relevant to Kind are set.
type Event struct {
	Seq     uint64            `json:"seq"`
	Session string            `json:"session,omitempty"`
	Time    time.Time         `json:"time"`
	Kind    Kind              `json:"kind"`
	Reading *reading.Reading  `json:"reading,omitempty"`
	State   string            `json:"state,omitempty"`
	Message string            `json:"message,omitempty"`
	Alert   *alert.Transition `json:"alert,omitempty"`
	Cause   string            `json:"cause,omitempty"`
}

func Ingested(r reading.Reading) Event {
	return Event{Time: r.Time, Kind: ReadingIngested, Reading: &r}
}

func Status(state, message string) Event {
	return Event{Time: time.Now(), Kind: ConnectionStatusChanged, State: state, Message: message}
}

func Transitioned(tr alert.Transition) Event {
	msg := "Connected and Monitoring..."
	if tr.Kind == alert.Entered {
		msg = "!!! TEMPERATURE ALERT !!!"
	}
	return Event{Time: time.Now(), Kind: AlertTransitioned, Alert: &tr, Message: msg}
}

func Persistence(err error) Event {
	return Event{Time: time.Now(), Kind: PersistenceFailed, Cause: err.Error(), Message: "Error writing to ledger"}
}

func InvalidThreshold(err error) Event {
	return Event{Time: time.Now(), Kind: ThresholdInvalid, Cause: err.Error(), Message: "Invalid alert threshold!"}
}
