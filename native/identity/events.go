package identity

import (
	"encoding/hex"
	"strconv"

	"agentledger/core/types"
)

const (
	// EventTypeAgentRegistered is emitted when a new agent is registered.
	EventTypeAgentRegistered = "identity.agentRegistered"
	// EventTypeAgentUpdated is emitted when an agent rotates its address.
	EventTypeAgentUpdated = "identity.agentUpdated"
)

type identityEvent struct {
	evt *types.Event
}

func (e identityEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e identityEvent) Event() *types.Event { return e.evt }

// NewAgentRegisteredEvent returns the canonical payload for a registration.
func NewAgentRegisteredEvent(record *AgentRecord) *types.Event {
	return newAgentEvent(EventTypeAgentRegistered, record)
}

// NewAgentUpdatedEvent returns the canonical payload for an address rotation.
func NewAgentUpdatedEvent(record *AgentRecord) *types.Event {
	return newAgentEvent(EventTypeAgentUpdated, record)
}

func newAgentEvent(eventType string, record *AgentRecord) *types.Event {
	attrs := make(map[string]string)
	if record == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["agentId"] = strconv.FormatUint(record.ID, 10)
	attrs["domain"] = record.Domain
	attrs["address"] = hex.EncodeToString(record.Address[:])
	attrs["registeredAt"] = strconv.FormatInt(record.RegisteredAt, 10)
	attrs["updatedAt"] = strconv.FormatInt(record.UpdatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}
