package observability

import (
	"agentledger/core/events"
	"agentledger/native/escrow"
	"agentledger/observability/metrics"
)

// Collector implements events.Emitter and feeds the prometheus registry from
// the ledger event stream. Wiring it as (one of) the engine emitters keeps
// the modules themselves free of metrics concerns.
type Collector struct {
	escrow *metrics.EscrowMetrics
	next   events.Emitter
}

// NewCollector builds a collector that optionally forwards every event to
// the supplied downstream emitter after recording it.
func NewCollector(next events.Emitter) *Collector {
	return &Collector{escrow: metrics.Escrow(), next: next}
}

// Emit implements the events.Emitter interface.
func (c *Collector) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	eventType := evt.EventType()
	c.escrow.RecordEvent(eventType)
	switch eventType {
	case escrow.EventTypeEscrowCreated:
		c.escrow.RecordCreated()
	case escrow.EventTypeReleaseApproved:
		c.escrow.RecordApproval(escrow.PathRelease.String())
	case escrow.EventTypeRefundApproved:
		c.escrow.RecordApproval(escrow.PathRefund.String())
	case escrow.EventTypeEscrowReleased:
		c.escrow.RecordFinalized("released")
	case escrow.EventTypeEscrowRefunded:
		c.escrow.RecordFinalized("refunded")
	}
	if c.next != nil {
		c.next.Emit(evt)
	}
}
