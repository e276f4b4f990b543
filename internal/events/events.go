package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type names a pipeline event.
type Type string

const (
	AccountUpdate           Type = "accountUpdate"
	AlertNew                Type = "alert:new"
	AlertUpdated            Type = "alert:updated"
	AlertAcknowledged       Type = "alert:acknowledged"
	AlertResolved           Type = "alert:resolved"
	AlertExpired            Type = "alert:expired"
	AlertCritical           Type = "alert:critical"
	MonitoringCycleComplete Type = "monitoringCycleComplete"
	MonitoringError         Type = "monitoringError"
)

// Event is the envelope published to every sink. Payload must be JSON encodable.
type Event struct {
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	AccountID string    `json:"accountId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Key is the partition key used by keyed transports.
func (e Event) Key() string {
	if e.AccountID != "" {
		return e.AccountID
	}
	return string(e.Type)
}

// Encode renders the event as JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter accepts events from the pipeline. Emit must not block.
type Emitter interface {
	Emit(e Event)
}

// Sink delivers events to one downstream transport.
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
