package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"agentledger/core/types"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeReleaseApproved = "escrow.releaseApproved"
	EventTypeRefundApproved  = "escrow.refundApproved"
	EventTypeEscrowReleased  = "escrow.released"
	EventTypeEscrowRefunded  = "escrow.refunded"
)

// NewCreatedEvent returns the canonical event payload for a newly funded
// escrow. It carries every creation parameter so off-chain indexers can
// reconstruct the record without re-querying state.
func NewCreatedEvent(e *Escrow, verifierCount int) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
	}
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
	}
	attrs["taskId"] = hex.EncodeToString(sanitized.ID[:])
	attrs["client"] = hex.EncodeToString(sanitized.Client[:])
	attrs["payee"] = hex.EncodeToString(sanitized.Payee[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["marketplaceFeeBps"] = strconv.FormatUint(uint64(sanitized.MarketplaceFeeBps), 10)
	attrs["verifierFeeBps"] = strconv.FormatUint(uint64(sanitized.VerifierFeeBps), 10)
	attrs["approvalsRequired"] = strconv.FormatUint(uint64(sanitized.ApprovalsRequired), 10)
	attrs["verifierCount"] = strconv.Itoa(verifierCount)
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewApprovalEvent returns the progress payload emitted for each recorded
// vote, carrying the new count and the quorum threshold for the path.
func NewApprovalEvent(e *Escrow, verifier [20]byte, path Path, count uint8) *types.Event {
	eventType := EventTypeReleaseApproved
	if path == PathRefund {
		eventType = EventTypeRefundApproved
	}
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["taskId"] = hex.EncodeToString(e.ID[:])
	attrs["verifier"] = hex.EncodeToString(verifier[:])
	attrs["approvals"] = strconv.FormatUint(uint64(count), 10)
	attrs["approvalsRequired"] = strconv.FormatUint(uint64(e.ApprovalsRequired), 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewReleasedEvent returns the finalization payload for the release path.
// The amounts describe the full disbursement of the pre-finalization lock.
func NewReleasedEvent(e *Escrow, payeeAmount, marketplaceFee, verifierFeePaid *big.Int, approvals int) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: EventTypeEscrowReleased, Attributes: attrs}
	}
	attrs["taskId"] = hex.EncodeToString(e.ID[:])
	attrs["payee"] = hex.EncodeToString(e.Payee[:])
	attrs["payeeAmount"] = bigIntString(payeeAmount)
	attrs["marketplaceFee"] = bigIntString(marketplaceFee)
	attrs["verifierFeePaid"] = bigIntString(verifierFeePaid)
	attrs["approvals"] = strconv.Itoa(approvals)
	return &types.Event{Type: EventTypeEscrowReleased, Attributes: attrs}
}

// NewRefundedEvent returns the finalization payload for the refund path. No
// marketplace fee is taken on refunds.
func NewRefundedEvent(e *Escrow, refundAmount, verifierFeePaid *big.Int, approvals int) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: EventTypeEscrowRefunded, Attributes: attrs}
	}
	attrs["taskId"] = hex.EncodeToString(e.ID[:])
	attrs["client"] = hex.EncodeToString(e.Client[:])
	attrs["refundAmount"] = bigIntString(refundAmount)
	attrs["verifierFeePaid"] = bigIntString(verifierFeePaid)
	attrs["approvals"] = strconv.Itoa(approvals)
	return &types.Event{Type: EventTypeEscrowRefunded, Attributes: attrs}
}

func bigIntString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
