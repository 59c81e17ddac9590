package escrow

import (
	"fmt"
	"math/big"
)

// FeeDenominator is the basis-point scale used by both fee rates;
// 10000 bps = 100%.
const FeeDenominator = 10_000

// MaxVerifiers caps the verifier set so approval counters fit the 8-bit
// counter domain. This is a deliberate scalability ceiling.
const MaxVerifiers = 255

// Status represents the lifecycle states of a task escrow. Transitions are
// monotonic: Uninitialized -> Funded -> {Released | Refunded}. A task
// identifier is permanently consumed once its record leaves Uninitialized.
type Status uint8

const (
	StatusUninitialized Status = iota
	StatusFunded
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusUninitialized, StatusFunded, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow has been finalized.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// Path identifies which of the two independent approval tracks a verifier
// vote lands on. Approving one path never blocks or consumes approval on the
// other; only the path that first reaches quorum finalizes.
type Path uint8

const (
	PathRelease Path = iota + 1
	PathRefund
)

// Valid reports whether the path value is within the supported range.
func (p Path) Valid() bool {
	return p == PathRelease || p == PathRefund
}

func (p Path) String() string {
	switch p {
	case PathRelease:
		return "release"
	case PathRefund:
		return "refund"
	default:
		return fmt.Sprintf("path(%d)", uint8(p))
	}
}

// Escrow captures the record stored per task: the funding client, the payee
// owed on release, the locked amount and the quorum bookkeeping. The
// verifier set and per-verifier approval flags are persisted separately and
// erased on finalization.
type Escrow struct {
	ID                [32]byte
	Client            [20]byte
	Payee             [20]byte
	Amount            *big.Int
	MarketplaceFeeBps uint32
	VerifierFeeBps    uint32
	ApprovalsRequired uint8
	ReleaseApprovals  uint8
	RefundApprovals   uint8
	CreatedAt         int64
	Status            Status
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with a non-nil amount field. The function does
// not mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("escrow amount must be non-negative")
	}
	if uint64(clone.MarketplaceFeeBps)+uint64(clone.VerifierFeeBps) > FeeDenominator {
		return nil, fmt.Errorf("escrow fee bps out of range: %d+%d", clone.MarketplaceFeeBps, clone.VerifierFeeBps)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %d", clone.Status)
	}
	if clone.Status != StatusUninitialized && clone.ApprovalsRequired == 0 {
		return nil, fmt.Errorf("escrow quorum must be positive")
	}
	return clone, nil
}
