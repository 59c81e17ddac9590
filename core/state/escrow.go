package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentledger/native/escrow"
)

// Escrow records, verifier sets and approval flags live under dedicated key
// prefixes. Approval flags and verifier sets are deleted on finalization to
// reclaim storage, mirroring the explicit clearing the escrow engine
// performs; only the terminal record itself survives.
var (
	escrowRecordPrefix    = []byte("escrow/record/")
	escrowVerifiersPrefix = []byte("escrow/verifiers/")
	escrowApprovalPrefix  = []byte("escrow/approval/")
	escrowVaultPrefix     = []byte("escrow/vault/")
)

// escrowVaultSeed derives the module vault address holding locked deposits.
var escrowVaultSeed = []byte("agentledger/escrow/vault")

func escrowRecordKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", escrowRecordPrefix, id))
}

func escrowVerifiersKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", escrowVerifiersPrefix, id))
}

func escrowApprovalKey(id [32]byte, verifier [20]byte, path escrow.Path) []byte {
	return []byte(fmt.Sprintf("%s%s/%x/%x", escrowApprovalPrefix, path.String(), id, verifier))
}

func escrowVaultKey(id [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", escrowVaultPrefix, id))
}

type storedEscrow struct {
	Client            [20]byte
	Payee             [20]byte
	Amount            *big.Int
	MarketplaceFeeBps uint32
	VerifierFeeBps    uint32
	ApprovalsRequired uint8
	ReleaseApprovals  uint8
	RefundApprovals   uint8
	CreatedAt         uint64
	Status            uint8
}

// EscrowPut persists the escrow record under its task identifier.
func (m *Manager) EscrowPut(esc *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	if sanitized.CreatedAt < 0 {
		return fmt.Errorf("state: escrow createdAt must not be negative")
	}
	stored := storedEscrow{
		Client:            sanitized.Client,
		Payee:             sanitized.Payee,
		Amount:            sanitized.Amount,
		MarketplaceFeeBps: sanitized.MarketplaceFeeBps,
		VerifierFeeBps:    sanitized.VerifierFeeBps,
		ApprovalsRequired: sanitized.ApprovalsRequired,
		ReleaseApprovals:  sanitized.ReleaseApprovals,
		RefundApprovals:   sanitized.RefundApprovals,
		CreatedAt:         uint64(sanitized.CreatedAt),
		Status:            uint8(sanitized.Status),
	}
	return m.KVPut(escrowRecordKey(sanitized.ID), &stored)
}

// EscrowGet loads the escrow record stored under the task identifier.
func (m *Manager) EscrowGet(id [32]byte) (*escrow.Escrow, bool) {
	var stored storedEscrow
	ok, err := m.KVGet(escrowRecordKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	amount := stored.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &escrow.Escrow{
		ID:                id,
		Client:            stored.Client,
		Payee:             stored.Payee,
		Amount:            new(big.Int).Set(amount),
		MarketplaceFeeBps: stored.MarketplaceFeeBps,
		VerifierFeeBps:    stored.VerifierFeeBps,
		ApprovalsRequired: stored.ApprovalsRequired,
		ReleaseApprovals:  stored.ReleaseApprovals,
		RefundApprovals:   stored.RefundApprovals,
		CreatedAt:         int64(stored.CreatedAt),
		Status:            escrow.Status(stored.Status),
	}, true
}

// EscrowVerifiersPut stores the ordered verifier set for the task.
func (m *Manager) EscrowVerifiersPut(id [32]byte, verifiers [][20]byte) error {
	if len(verifiers) == 0 {
		return fmt.Errorf("state: verifier set must not be empty")
	}
	return m.KVPut(escrowVerifiersKey(id), verifiers)
}

// EscrowVerifiersGet loads the verifier set in creation order.
func (m *Manager) EscrowVerifiersGet(id [32]byte) ([][20]byte, bool) {
	var verifiers [][20]byte
	ok, err := m.KVGet(escrowVerifiersKey(id), &verifiers)
	if err != nil || !ok {
		return nil, false
	}
	return verifiers, true
}

// EscrowVerifiersClear erases the verifier set after finalization.
func (m *Manager) EscrowVerifiersClear(id [32]byte) error {
	return m.KVDelete(escrowVerifiersKey(id))
}

// EscrowApprovalPut marks the verifier's vote on the given path.
func (m *Manager) EscrowApprovalPut(id [32]byte, verifier [20]byte, path escrow.Path) error {
	if !path.Valid() {
		return fmt.Errorf("state: invalid approval path %d", path)
	}
	return m.KVPut(escrowApprovalKey(id, verifier, path), true)
}

// EscrowApprovalGet reports whether the verifier already voted on the path.
func (m *Manager) EscrowApprovalGet(id [32]byte, verifier [20]byte, path escrow.Path) (bool, error) {
	if !path.Valid() {
		return false, fmt.Errorf("state: invalid approval path %d", path)
	}
	var approved bool
	ok, err := m.KVGet(escrowApprovalKey(id, verifier, path), &approved)
	if err != nil {
		return false, err
	}
	return ok && approved, nil
}

// EscrowApprovalsClear erases both paths' approval flags for the supplied
// verifiers.
func (m *Manager) EscrowApprovalsClear(id [32]byte, verifiers [][20]byte) error {
	for _, verifier := range verifiers {
		if err := m.KVDelete(escrowApprovalKey(id, verifier, escrow.PathRelease)); err != nil {
			return err
		}
		if err := m.KVDelete(escrowApprovalKey(id, verifier, escrow.PathRefund)); err != nil {
			return err
		}
	}
	return nil
}

// EscrowCredit adds locked value to the per-task vault ledger.
func (m *Manager) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: escrow credit must not be negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance.Add(balance, amt)
	return m.KVPut(escrowVaultKey(id), balance)
}

// EscrowDebit removes locked value from the per-task vault ledger. The entry
// is deleted once the balance reaches zero.
func (m *Manager) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("state: escrow debit must not be negative")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: insufficient escrow balance")
	}
	balance.Sub(balance, amt)
	if balance.Sign() == 0 {
		return m.KVDelete(escrowVaultKey(id))
	}
	return m.KVPut(escrowVaultKey(id), balance)
}

// EscrowBalance reports the locked vault balance for the task.
func (m *Manager) EscrowBalance(id [32]byte) (*big.Int, error) {
	balance := big.NewInt(0)
	if _, err := m.KVGet(escrowVaultKey(id), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// EscrowVaultAddress returns the module account that holds locked deposits.
// The address is derived from a fixed seed so every node agrees on it
// without configuration.
func (m *Manager) EscrowVaultAddress() ([20]byte, error) {
	hash := ethcrypto.Keccak256(escrowVaultSeed)
	var addr [20]byte
	copy(addr[:], hash[12:])
	return addr, nil
}
