package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"agentledger/core/events"
	"agentledger/core/types"
	nativecommon "agentledger/native/common"
)

const moduleName = "escrow"

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilTreasury = errors.New("escrow engine: fee treasury not configured")
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id [32]byte) (*Escrow, bool)
	EscrowVerifiersPut(id [32]byte, verifiers [][20]byte) error
	EscrowVerifiersGet(id [32]byte) ([][20]byte, bool)
	EscrowVerifiersClear(id [32]byte) error
	EscrowApprovalPut(id [32]byte, verifier [20]byte, path Path) error
	EscrowApprovalGet(id [32]byte, verifier [20]byte, path Path) (bool, error)
	EscrowApprovalsClear(id [32]byte, verifiers [][20]byte) error
	EscrowCredit(id [32]byte, amt *big.Int) error
	EscrowDebit(id [32]byte, amt *big.Int) error
	EscrowVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine wires the multi-verifier escrow logic with external state and event
// emitters. Every public operation is an atomic, serialized state transition:
// the host ledger orders calls globally and discards the speculative state of
// a failed call, so validation failures never leave partial effects behind.
type Engine struct {
	state       engineState
	emitter     events.Emitter
	feeTreasury [20]byte
	pauses      nativecommon.PauseView
	nowFn       func() int64
	busy        bool
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeeTreasury configures the address that receives the marketplace fee and
// any verifier-fee fallback.
func (e *Engine) SetFeeTreasury(addr [20]byte) { e.feeTreasury = addr }

// SetPauses configures the module pause view consulted on mutating calls.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// enter sets the reentrancy flag for the duration of a mutating call. Fund
// transfers can, in principle, call back into the engine; a nested entry
// while a payout is outstanding is rejected rather than processed.
func (e *Engine) enter() error {
	if e.busy {
		return ErrReentrancy
	}
	e.busy = true
	return nil
}

func (e *Engine) exit() { e.busy = false }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

func (e *Engine) ensureTreasuryConfigured() error {
	if e == nil {
		return errNilTreasury
	}
	if e.feeTreasury == ([20]byte{}) {
		return errNilTreasury
	}
	return nil
}

func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("escrow: negative transfer amount")
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return err
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return err
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: insufficient balance")
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return err
	}
	return e.state.PutAccount(to[:], toAcc)
}

// Create validates the escrow definition, locks the deposit in the module
// vault and persists the record in status Funded together with its verifier
// set. The verifier set and quorum are fixed for the life of the escrow.
func (e *Engine) Create(taskID [32]byte, client, payee [20]byte, verifiers [][20]byte, approvalsRequired uint8, marketplaceFeeBps, verifierFeeBps uint32, amount *big.Int) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if client == ([20]byte{}) || payee == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, ok := e.state.EscrowGet(taskID); ok {
		return nil, ErrEscrowExists
	}
	if uint64(marketplaceFeeBps)+uint64(verifierFeeBps) > FeeDenominator {
		return nil, ErrInvalidFeeConfig
	}
	if len(verifiers) == 0 || len(verifiers) > MaxVerifiers {
		return nil, ErrInvalidVerifierConfig
	}
	if approvalsRequired == 0 || int(approvalsRequired) > len(verifiers) {
		return nil, ErrInvalidVerifierConfig
	}
	seen := make(map[[20]byte]struct{}, len(verifiers))
	for _, verifier := range verifiers {
		if verifier == ([20]byte{}) {
			return nil, ErrZeroAddress
		}
		if _, dup := seen[verifier]; dup {
			return nil, &DuplicateVerifierError{Verifier: verifier}
		}
		seen[verifier] = struct{}{}
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, err
	}
	if err := e.transferValue(client, vault, amt); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(taskID, amt); err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:                taskID,
		Client:            client,
		Payee:             payee,
		Amount:            amt,
		MarketplaceFeeBps: marketplaceFeeBps,
		VerifierFeeBps:    verifierFeeBps,
		ApprovalsRequired: approvalsRequired,
		CreatedAt:         e.now(),
		Status:            StatusFunded,
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowVerifiersPut(taskID, verifiers); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc, len(verifiers)))
	return esc.Clone(), nil
}

// ApproveRelease records the caller's vote on the release path and finalizes
// the escrow in favour of the payee when the release quorum is reached.
func (e *Engine) ApproveRelease(taskID [32]byte, caller [20]byte) error {
	return e.approve(taskID, caller, PathRelease)
}

// ApproveRefund records the caller's vote on the refund path and finalizes
// the escrow back to the client when the refund quorum is reached.
func (e *Engine) ApproveRefund(taskID [32]byte, caller [20]byte) error {
	return e.approve(taskID, caller, PathRefund)
}

// approve is the shared two-track state machine. Approvals are processed in
// arrival order; the call that pushes its path's counter to the threshold
// both casts the decisive vote and executes the payout before returning.
func (e *Engine) approve(taskID [32]byte, caller [20]byte, path Path) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !path.Valid() {
		return fmt.Errorf("escrow: invalid approval path %d", path)
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	esc, ok := e.state.EscrowGet(taskID)
	if !ok || esc.Status != StatusFunded {
		return ErrInvalidEscrowState
	}
	verifiers, ok := e.state.EscrowVerifiersGet(taskID)
	if !ok || len(verifiers) == 0 {
		return ErrInvalidEscrowState
	}
	member := false
	for _, verifier := range verifiers {
		if verifier == caller {
			member = true
			break
		}
	}
	if !member {
		return ErrUnauthorized
	}
	approved, err := e.state.EscrowApprovalGet(taskID, caller, path)
	if err != nil {
		return err
	}
	if approved {
		return ErrAlreadyApproved
	}
	if err := e.state.EscrowApprovalPut(taskID, caller, path); err != nil {
		return err
	}
	var count uint8
	switch path {
	case PathRelease:
		esc.ReleaseApprovals++
		count = esc.ReleaseApprovals
	case PathRefund:
		esc.RefundApprovals++
		count = esc.RefundApprovals
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewApprovalEvent(esc, caller, path, count))
	if count >= esc.ApprovalsRequired {
		return e.finalize(esc, verifiers, path)
	}
	return nil
}

// Get returns the escrow record stored under the task identifier. Absent
// identifiers yield a zero-value record in status Uninitialized rather than
// an error; callers distinguish "absent" from "exists" via the status.
func (e *Engine) Get(taskID [32]byte) *Escrow {
	if e == nil || e.state == nil {
		return &Escrow{ID: taskID, Amount: big.NewInt(0)}
	}
	esc, ok := e.state.EscrowGet(taskID)
	if !ok {
		return &Escrow{ID: taskID, Amount: big.NewInt(0)}
	}
	return esc.Clone()
}

// Verifiers returns the verifier set for the task in creation order. The
// sequence is empty once the escrow is finalized or when the identifier is
// unknown.
func (e *Engine) Verifiers(taskID [32]byte) [][20]byte {
	if e == nil || e.state == nil {
		return [][20]byte{}
	}
	verifiers, ok := e.state.EscrowVerifiersGet(taskID)
	if !ok {
		return [][20]byte{}
	}
	return verifiers
}
