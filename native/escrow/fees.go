package escrow

import (
	"math/big"
)

// FeeSplit captures the exact division of a locked amount at finalization.
// Principal + MarketplaceFee + VerifierFee always equals the pre-finalization
// amount: both fees floor under integer division and the remainder stays with
// the principal, so rounding never destroys value.
type FeeSplit struct {
	Principal      *big.Int
	MarketplaceFee *big.Int
	VerifierFee    *big.Int
}

// ComputeFeeSplit derives the payout amounts for the supplied path. The
// refund path waives the marketplace fee; only the verifier fee is deducted
// before the remainder returns to the client.
func ComputeFeeSplit(amount *big.Int, marketplaceFeeBps, verifierFeeBps uint32, path Path) FeeSplit {
	total := cloneBigInt(amount)
	denominator := big.NewInt(FeeDenominator)
	marketplaceFee := big.NewInt(0)
	if path == PathRelease && marketplaceFeeBps > 0 {
		marketplaceFee = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(marketplaceFeeBps)))
		marketplaceFee.Div(marketplaceFee, denominator)
	}
	verifierFee := big.NewInt(0)
	if verifierFeeBps > 0 {
		verifierFee = new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(verifierFeeBps)))
		verifierFee.Div(verifierFee, denominator)
	}
	principal := new(big.Int).Sub(total, marketplaceFee)
	principal.Sub(principal, verifierFee)
	return FeeSplit{Principal: principal, MarketplaceFee: marketplaceFee, VerifierFee: verifierFee}
}

// SplitVerifierFee divides the verifier fee among the approvers with exact
// remainder allocation: every approver receives the floored base share and
// the first `total mod n` approvers, in verifier-list order, receive one
// extra minimal unit. The shares always sum to the full fee. This tie-break
// is a compatibility-sensitive policy choice, not an accident.
func SplitVerifierFee(total *big.Int, approvers int) []*big.Int {
	if approvers <= 0 {
		return nil
	}
	fee := cloneBigInt(total)
	count := big.NewInt(int64(approvers))
	base := new(big.Int).Div(fee, count)
	remainder := new(big.Int).Mod(fee, count)
	extra := remainder.Int64()
	shares := make([]*big.Int, approvers)
	for i := range shares {
		share := new(big.Int).Set(base)
		if int64(i) < extra {
			share.Add(share, big.NewInt(1))
		}
		shares[i] = share
	}
	return shares
}

// pathApprovers filters the verifier set down to the principals whose
// approval flag is set for the finalizing path, preserving verifier-list
// order so the remainder units land deterministically.
func (e *Engine) pathApprovers(taskID [32]byte, verifiers [][20]byte, path Path) ([][20]byte, error) {
	approvers := make([][20]byte, 0, len(verifiers))
	for _, verifier := range verifiers {
		ok, err := e.state.EscrowApprovalGet(taskID, verifier, path)
		if err != nil {
			return nil, err
		}
		if ok {
			approvers = append(approvers, verifier)
		}
	}
	return approvers, nil
}

// finalize disburses the locked amount for the path that reached quorum and
// makes the record terminal. State is settled before value leaves the vault:
// the status flips, the locked amount zeroes and the verifier bookkeeping is
// erased ahead of any external payout, so a reentrant call observes the
// terminal record. A failing payout aborts the call with TransferFailedError
// and the host discards the speculative transition.
func (e *Engine) finalize(esc *Escrow, verifiers [][20]byte, path Path) error {
	if err := e.ensureTreasuryConfigured(); err != nil {
		return err
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return err
	}
	total := cloneBigInt(esc.Amount)
	if total.Sign() <= 0 {
		return ErrInvalidEscrowState
	}
	split := ComputeFeeSplit(total, esc.MarketplaceFeeBps, esc.VerifierFeeBps, path)
	approvers, err := e.pathApprovers(esc.ID, verifiers, path)
	if err != nil {
		return err
	}
	shares := SplitVerifierFee(split.VerifierFee, len(approvers))

	principal := esc.Payee
	if path == PathRefund {
		principal = esc.Client
	}
	switch path {
	case PathRelease:
		esc.Status = StatusReleased
	case PathRefund:
		esc.Status = StatusRefunded
	}
	esc.Amount = big.NewInt(0)
	if err := e.state.EscrowDebit(esc.ID, total); err != nil {
		return err
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.state.EscrowApprovalsClear(esc.ID, verifiers); err != nil {
		return err
	}
	if err := e.state.EscrowVerifiersClear(esc.ID); err != nil {
		return err
	}

	if err := e.payout(vault, principal, split.Principal); err != nil {
		return err
	}
	treasuryOwed := cloneBigInt(split.MarketplaceFee)
	if len(approvers) == 0 {
		// Quorum requires at least one approver, so this is a fallback sink
		// rather than an expected flow: route the whole verifier fee to the
		// treasury instead of stranding it in the vault.
		treasuryOwed.Add(treasuryOwed, split.VerifierFee)
	} else {
		for i, approver := range approvers {
			if err := e.payout(vault, approver, shares[i]); err != nil {
				return err
			}
		}
	}
	if err := e.payout(vault, e.feeTreasury, treasuryOwed); err != nil {
		return err
	}

	verifierFeePaid := big.NewInt(0)
	if len(approvers) > 0 {
		verifierFeePaid = split.VerifierFee
	}
	switch path {
	case PathRelease:
		e.emit(NewReleasedEvent(esc, split.Principal, split.MarketplaceFee, verifierFeePaid, len(approvers)))
	case PathRefund:
		e.emit(NewRefundedEvent(esc, split.Principal, verifierFeePaid, len(approvers)))
	}
	return nil
}

// payout pushes value from the vault to a recipient, skipping zero amounts.
// Failures wrap the recipient so operators can identify the blocking party.
func (e *Engine) payout(vault, recipient [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if err := e.transferValue(vault, recipient, amount); err != nil {
		return &TransferFailedError{Recipient: recipient, Err: err}
	}
	return nil
}
