package pgstore

import (
	"encoding/json"

	"github.com/r3e-labs/entitystore/event"
)

// eventRow is the JSON-on-the-wire shape of one DomainEvent inside an event
// batch's events column. Payload is base64-encoded by encoding/json's
// []byte handling.
type eventRow struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
}

func encodeEvents(events []event.DomainEvent) ([]byte, error) {
	rows := make([]eventRow, len(events))
	for i, e := range events {
		rows[i] = eventRow{Type: string(e.Type), Payload: e.Payload}
	}
	return json.Marshal(rows)
}

func decodeEvents(rows []eventRow) []event.DomainEvent {
	events := make([]event.DomainEvent, len(rows))
	for i, r := range rows {
		events[i] = event.DomainEvent{Type: event.TypeTag(r.Type), Payload: r.Payload}
	}
	return events
}
