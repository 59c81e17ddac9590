package escrow

import (
	"errors"
	"fmt"
)

// Caller, authorization and state-conflict errors. Each is deterministic,
// synchronous and leaves state untouched.
var (
	// ErrZeroAddress marks a zero principal where a real one is required
	// (payee, client or a verifier entry).
	ErrZeroAddress = errors.New("escrow: zero address")
	// ErrInvalidAmount marks a missing or non-positive deposit.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrEscrowExists is returned when the task identifier already carries a
	// record in any status. Identifiers are never reused.
	ErrEscrowExists = errors.New("escrow: escrow already exists")
	// ErrInvalidFeeConfig marks fee rates whose sum exceeds the denominator.
	ErrInvalidFeeConfig = errors.New("escrow: invalid fee configuration")
	// ErrInvalidVerifierConfig marks an empty or oversized verifier list, or
	// a quorum outside [1, verifier count].
	ErrInvalidVerifierConfig = errors.New("escrow: invalid verifier configuration")
	// ErrInvalidEscrowState is returned when the escrow is absent or no
	// longer Funded. Callers holding a stale view must re-query.
	ErrInvalidEscrowState = errors.New("escrow: invalid escrow state")
	// ErrUnauthorized marks approval attempts from outside the verifier set.
	ErrUnauthorized = errors.New("escrow: caller is not a verifier")
	// ErrAlreadyApproved marks a duplicate vote on the same path.
	ErrAlreadyApproved = errors.New("escrow: path already approved by caller")
	// ErrReentrancy rejects a nested call into the engine while a payout
	// triggered by the current call is outstanding.
	ErrReentrancy = errors.New("escrow: reentrant call rejected")
)

// DuplicateVerifierError identifies the offending entry when the verifier
// list contains a repeated principal.
type DuplicateVerifierError struct {
	Verifier [20]byte
}

func (e *DuplicateVerifierError) Error() string {
	return fmt.Sprintf("escrow: duplicate verifier %x", e.Verifier)
}

// TransferFailedError wraps a failed payout during finalization. The whole
// finalization fails atomically; a recipient that can never accept funds
// permanently blocks that path.
type TransferFailedError struct {
	Recipient [20]byte
	Err       error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("escrow: transfer to %x failed: %v", e.Recipient, e.Err)
}

func (e *TransferFailedError) Unwrap() error { return e.Err }
