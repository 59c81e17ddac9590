package reputation

import (
	"encoding/hex"
	"strconv"

	"agentledger/core/types"
)

// EventTypeFeedbackAccepted is emitted when a feedback authorization is
// recorded.
const EventTypeFeedbackAccepted = "reputation.feedbackAccepted"

type reputationEvent struct {
	evt *types.Event
}

func (e reputationEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e reputationEvent) Event() *types.Event { return e.evt }

// NewFeedbackAcceptedEvent returns the canonical payload for a feedback
// authorization.
func NewFeedbackAcceptedEvent(auth *FeedbackAuth) *types.Event {
	attrs := make(map[string]string)
	if auth == nil {
		return &types.Event{Type: EventTypeFeedbackAccepted, Attributes: attrs}
	}
	attrs["authId"] = hex.EncodeToString(auth.AuthID[:])
	attrs["clientId"] = strconv.FormatUint(auth.ClientID, 10)
	attrs["serverId"] = strconv.FormatUint(auth.ServerID, 10)
	attrs["acceptedAt"] = strconv.FormatInt(auth.AcceptedAt, 10)
	return &types.Event{Type: EventTypeFeedbackAccepted, Attributes: attrs}
}
