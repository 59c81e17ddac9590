package validation

import (
	"encoding/hex"
	"strconv"

	"agentledger/core/types"
)

const (
	// EventTypeRequested is emitted when a validation request is recorded.
	EventTypeRequested = "validation.requested"
	// EventTypeResponded is emitted when the validator answers a request.
	EventTypeResponded = "validation.responded"
)

type validationEvent struct {
	evt *types.Event
}

func (e validationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e validationEvent) Event() *types.Event { return e.evt }

// NewRequestedEvent returns the canonical payload for a new request.
func NewRequestedEvent(record *Record) *types.Event {
	return newValidationEvent(EventTypeRequested, record)
}

// NewRespondedEvent returns the canonical payload for a recorded response.
func NewRespondedEvent(record *Record) *types.Event {
	return newValidationEvent(EventTypeResponded, record)
}

func newValidationEvent(eventType string, record *Record) *types.Event {
	attrs := make(map[string]string)
	if record == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["dataHash"] = hex.EncodeToString(record.DataHash[:])
	attrs["validatorId"] = strconv.FormatUint(record.ValidatorID, 10)
	attrs["serverId"] = strconv.FormatUint(record.ServerID, 10)
	attrs["requestedAt"] = strconv.FormatInt(record.RequestedAt, 10)
	if record.Responded {
		attrs["response"] = strconv.FormatUint(uint64(record.Response), 10)
		attrs["respondedAt"] = strconv.FormatInt(record.RespondedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
