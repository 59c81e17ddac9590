package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"testing"

	"agentledger/core/events"
	"agentledger/core/types"
	nativecommon "agentledger/native/common"
)

type mockState struct {
	escrows       map[[32]byte]*Escrow
	verifierSets  map[[32]byte][][20]byte
	approvals     map[string]bool
	vaultBalances map[[32]byte]*big.Int
	accounts      map[[20]byte]*types.Account
	vaultAddr     [20]byte

	// rejecting models a recipient that can never accept value; any account
	// access for it fails the transfer.
	rejecting map[[20]byte]bool
	// onPutAccount, when set, runs before an account write lands. Used to
	// drive a nested call into the engine mid-payout.
	onPutAccount func(addr [20]byte)
}

func newMockState() *mockState {
	return &mockState{
		escrows:       make(map[[32]byte]*Escrow),
		verifierSets:  make(map[[32]byte][][20]byte),
		approvals:     make(map[string]bool),
		vaultBalances: make(map[[32]byte]*big.Int),
		accounts:      make(map[[20]byte]*types.Account),
		vaultAddr:     newTestAddress(0xAA),
		rejecting:     make(map[[20]byte]bool),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTaskID(fill byte) [32]byte {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{fill}, 32))
	return id
}

func approvalMapKey(id [32]byte, verifier [20]byte, path Path) string {
	return fmt.Sprintf("%d/%x/%x", path, id, verifier)
}

func cloneAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	clone := &types.Account{Nonce: acc.Nonce, Balance: big.NewInt(0)}
	if acc.Balance != nil {
		clone.Balance = new(big.Int).Set(acc.Balance)
	}
	return clone
}

func (m *mockState) EscrowPut(e *Escrow) error {
	sanitized, err := SanitizeEscrow(e)
	if err != nil {
		return err
	}
	m.escrows[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) EscrowGet(id [32]byte) (*Escrow, bool) {
	esc, ok := m.escrows[id]
	if !ok {
		return nil, false
	}
	return esc.Clone(), true
}

func (m *mockState) EscrowVerifiersPut(id [32]byte, verifiers [][20]byte) error {
	set := make([][20]byte, len(verifiers))
	copy(set, verifiers)
	m.verifierSets[id] = set
	return nil
}

func (m *mockState) EscrowVerifiersGet(id [32]byte) ([][20]byte, bool) {
	set, ok := m.verifierSets[id]
	if !ok {
		return nil, false
	}
	out := make([][20]byte, len(set))
	copy(out, set)
	return out, true
}

func (m *mockState) EscrowVerifiersClear(id [32]byte) error {
	delete(m.verifierSets, id)
	return nil
}

func (m *mockState) EscrowApprovalPut(id [32]byte, verifier [20]byte, path Path) error {
	m.approvals[approvalMapKey(id, verifier, path)] = true
	return nil
}

func (m *mockState) EscrowApprovalGet(id [32]byte, verifier [20]byte, path Path) (bool, error) {
	return m.approvals[approvalMapKey(id, verifier, path)], nil
}

func (m *mockState) EscrowApprovalsClear(id [32]byte, verifiers [][20]byte) error {
	for _, verifier := range verifiers {
		delete(m.approvals, approvalMapKey(id, verifier, PathRelease))
		delete(m.approvals, approvalMapKey(id, verifier, PathRefund))
	}
	return nil
}

func (m *mockState) EscrowCredit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("negative credit")
	}
	current := big.NewInt(0)
	if existing, ok := m.vaultBalances[id]; ok && existing != nil {
		current = new(big.Int).Set(existing)
	}
	current.Add(current, amt)
	m.vaultBalances[id] = current
	return nil
}

func (m *mockState) EscrowDebit(id [32]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("negative debit")
	}
	current := big.NewInt(0)
	if existing, ok := m.vaultBalances[id]; ok && existing != nil {
		current = new(big.Int).Set(existing)
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("insufficient vault balance")
	}
	current.Sub(current, amt)
	if current.Sign() == 0 {
		delete(m.vaultBalances, id)
	} else {
		m.vaultBalances[id] = current
	}
	return nil
}

func (m *mockState) EscrowVaultAddress() ([20]byte, error) {
	return m.vaultAddr, nil
}

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	if m.rejecting[key] {
		return nil, fmt.Errorf("recipient rejects value")
	}
	if acc, ok := m.accounts[key]; ok {
		return cloneAccount(acc), nil
	}
	return cloneAccount(nil), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	if m.rejecting[key] {
		return fmt.Errorf("recipient rejects value")
	}
	if m.onPutAccount != nil {
		m.onPutAccount(key)
	}
	m.accounts[key] = cloneAccount(account)
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount *big.Int) {
	m.accounts[addr] = &types.Account{Balance: new(big.Int).Set(amount)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	if acc, ok := m.accounts[addr]; ok && acc.Balance != nil {
		return new(big.Int).Set(acc.Balance)
	}
	return big.NewInt(0)
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) byType(eventType string) []*types.Event {
	out := []*types.Event{}
	for _, evt := range c.events {
		if wrapper, ok := evt.(escrowEvent); ok && wrapper.evt != nil && wrapper.evt.Type == eventType {
			out = append(out, wrapper.evt)
		}
	}
	return out
}

var testTreasury = newTestAddress(0xCC)

func newTestEngine(state *mockState) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetFeeTreasury(testTreasury)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

// fractions of a unit at 18 decimals, e.g. tenths(93) = 9.3 units.
func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
}

func fundedEscrow(t *testing.T, state *mockState, engine *Engine, id [32]byte, amount *big.Int, mktBps, verBps uint32, quorum uint8, verifiers [][20]byte) (client, payee [20]byte) {
	t.Helper()
	client = newTestAddress(0x01)
	payee = newTestAddress(0x02)
	state.setBalance(client, amount)
	if _, err := engine.Create(id, client, payee, verifiers, quorum, mktBps, verBps, amount); err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return client, payee
}

func TestCreateStoresFundedEscrow(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	id := newTaskID(0xA1)
	verifiers := [][20]byte{newTestAddress(0x0A), newTestAddress(0x0B), newTestAddress(0x0C)}
	amount := units(10)
	client, payee := fundedEscrow(t, state, engine, id, amount, 500, 200, 2, verifiers)

	stored := engine.Get(id)
	if stored.Status != StatusFunded {
		t.Fatalf("expected status Funded, got %d", stored.Status)
	}
	if stored.Client != client || stored.Payee != payee {
		t.Fatalf("principals mutated during round trip")
	}
	if stored.Amount.Cmp(amount) != 0 {
		t.Fatalf("unexpected locked amount: %v", stored.Amount)
	}
	if stored.MarketplaceFeeBps != 500 || stored.VerifierFeeBps != 200 {
		t.Fatalf("unexpected fee rates: %d/%d", stored.MarketplaceFeeBps, stored.VerifierFeeBps)
	}
	if stored.ApprovalsRequired != 2 {
		t.Fatalf("unexpected quorum: %d", stored.ApprovalsRequired)
	}
	if stored.ReleaseApprovals != 0 || stored.RefundApprovals != 0 {
		t.Fatalf("fresh escrow must have zero approvals")
	}
	if state.balance(client).Sign() != 0 {
		t.Fatalf("client balance not debited")
	}
	vault, _ := state.EscrowVaultAddress()
	if state.balance(vault).Cmp(amount) != 0 {
		t.Fatalf("vault balance mismatch: %v", state.balance(vault))
	}
	if state.vaultBalances[id] == nil || state.vaultBalances[id].Cmp(amount) != 0 {
		t.Fatalf("vault ledger not credited")
	}
	got := engine.Verifiers(id)
	if len(got) != len(verifiers) {
		t.Fatalf("expected %d verifiers, got %d", len(verifiers), len(got))
	}
	for i := range verifiers {
		if got[i] != verifiers[i] {
			t.Fatalf("verifier order not preserved at %d", i)
		}
	}

	created := emitter.byType(EventTypeEscrowCreated)
	if len(created) != 1 {
		t.Fatalf("expected one created event, got %d", len(created))
	}
	attrs := created[0].Attributes
	if attrs["amount"] != amount.String() {
		t.Fatalf("created event amount mismatch: %s", attrs["amount"])
	}
	if attrs["approvalsRequired"] != "2" || attrs["verifierCount"] != "3" {
		t.Fatalf("created event quorum attrs mismatch: %v", attrs)
	}
}

func TestCreateValidations(t *testing.T) {
	client := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)

	tooMany := make([][20]byte, MaxVerifiers+1)
	for i := range tooMany {
		tooMany[i] = newTestAddress(byte(i%253) + 1)
	}

	cases := []struct {
		name      string
		client    [20]byte
		payee     [20]byte
		verifiers [][20]byte
		quorum    uint8
		mktBps    uint32
		verBps    uint32
		amount    *big.Int
		wantErr   error
	}{
		{"zero payee", client, [20]byte{}, [][20]byte{v1}, 1, 0, 0, units(1), ErrZeroAddress},
		{"zero client", [20]byte{}, payee, [][20]byte{v1}, 1, 0, 0, units(1), ErrZeroAddress},
		{"nil amount", client, payee, [][20]byte{v1}, 1, 0, 0, nil, ErrInvalidAmount},
		{"zero amount", client, payee, [][20]byte{v1}, 1, 0, 0, big.NewInt(0), ErrInvalidAmount},
		{"negative amount", client, payee, [][20]byte{v1}, 1, 0, 0, big.NewInt(-5), ErrInvalidAmount},
		{"fee sum too high", client, payee, [][20]byte{v1}, 1, 9000, 1001, units(1), ErrInvalidFeeConfig},
		{"no verifiers", client, payee, [][20]byte{}, 1, 0, 0, units(1), ErrInvalidVerifierConfig},
		{"oversized verifier set", client, payee, tooMany, 1, 0, 0, units(1), ErrInvalidVerifierConfig},
		{"zero quorum", client, payee, [][20]byte{v1}, 0, 0, 0, units(1), ErrInvalidVerifierConfig},
		{"quorum above count", client, payee, [][20]byte{v1, v2}, 3, 0, 0, units(1), ErrInvalidVerifierConfig},
		{"zero verifier entry", client, payee, [][20]byte{v1, {}}, 1, 0, 0, units(1), ErrZeroAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newMockState()
			engine := newTestEngine(state)
			state.setBalance(tc.client, units(100))
			id := newTaskID(0xB0)
			_, err := engine.Create(id, tc.client, tc.payee, tc.verifiers, tc.quorum, tc.mktBps, tc.verBps, tc.amount)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if _, ok := state.EscrowGet(id); ok {
				t.Fatalf("failed creation must not commit state")
			}
			vault, _ := state.EscrowVaultAddress()
			if state.balance(vault).Sign() != 0 {
				t.Fatalf("failed creation must not move value")
			}
		})
	}
}

func TestCreateRejectsDuplicateVerifier(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	client := newTestAddress(0x01)
	state.setBalance(client, units(1))
	dup := newTestAddress(0x0A)

	_, err := engine.Create(newTaskID(0xB1), client, newTestAddress(0x02), [][20]byte{dup, newTestAddress(0x0B), dup}, 1, 0, 0, units(1))
	var dupErr *DuplicateVerifierError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected DuplicateVerifierError, got %v", err)
	}
	if dupErr.Verifier != dup {
		t.Fatalf("duplicate error names wrong verifier: %x", dupErr.Verifier)
	}
}

func TestCreateRejectsExistingTask(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xB2)
	verifiers := [][20]byte{newTestAddress(0x0A)}
	client, _ := fundedEscrow(t, state, engine, id, units(1), 0, 0, 1, verifiers)

	state.setBalance(client, units(5))
	if _, err := engine.Create(id, client, newTestAddress(0x03), verifiers, 1, 100, 100, units(5)); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists, got %v", err)
	}

	// The identifier stays consumed after finalization: status never
	// reverts to Uninitialized.
	if err := engine.ApproveRelease(id, verifiers[0]); err != nil {
		t.Fatalf("approve release: %v", err)
	}
	if engine.Get(id).Status != StatusReleased {
		t.Fatalf("expected terminal status")
	}
	if _, err := engine.Create(id, client, newTestAddress(0x03), verifiers, 1, 0, 0, units(5)); !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists after finalization, got %v", err)
	}
}

func TestApproveReleaseProgressAndFinalize(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	id := newTaskID(0xC1)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	// amount=10e18, marketplace 5%, verifier 2%, quorum 2 of 2:
	// marketplaceFee=0.5e18, verifierFeeTotal=0.2e18 split 0.1e18 each,
	// payee receives 9.3e18.
	_, payee := fundedEscrow(t, state, engine, id, units(10), 500, 200, 2, [][20]byte{v1, v2})

	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	mid := engine.Get(id)
	if mid.Status != StatusFunded || mid.ReleaseApprovals != 1 {
		t.Fatalf("first approval must not finalize: status=%d approvals=%d", mid.Status, mid.ReleaseApprovals)
	}
	progress := emitter.byType(EventTypeReleaseApproved)
	if len(progress) != 1 {
		t.Fatalf("expected one progress event, got %d", len(progress))
	}
	if progress[0].Attributes["approvals"] != "1" || progress[0].Attributes["approvalsRequired"] != "2" {
		t.Fatalf("progress attrs mismatch: %v", progress[0].Attributes)
	}

	if err := engine.ApproveRelease(id, v2); err != nil {
		t.Fatalf("decisive approval: %v", err)
	}
	final := engine.Get(id)
	if final.Status != StatusReleased {
		t.Fatalf("expected Released, got %d", final.Status)
	}
	if final.Amount.Sign() != 0 {
		t.Fatalf("locked amount must be zero after finalization")
	}
	if got := state.balance(payee); got.Cmp(tenths(93)) != 0 {
		t.Fatalf("payee payout mismatch: %v", got)
	}
	if got := state.balance(testTreasury); got.Cmp(tenths(5)) != 0 {
		t.Fatalf("treasury payout mismatch: %v", got)
	}
	if got := state.balance(v1); got.Cmp(tenths(1)) != 0 {
		t.Fatalf("verifier one payout mismatch: %v", got)
	}
	if got := state.balance(v2); got.Cmp(tenths(1)) != 0 {
		t.Fatalf("verifier two payout mismatch: %v", got)
	}
	vault, _ := state.EscrowVaultAddress()
	if state.balance(vault).Sign() != 0 {
		t.Fatalf("vault must be drained")
	}
	if _, ok := state.vaultBalances[id]; ok {
		t.Fatalf("vault ledger entry must be cleared")
	}
	if len(engine.Verifiers(id)) != 0 {
		t.Fatalf("verifier set must be cleared after finalization")
	}
	if len(state.approvals) != 0 {
		t.Fatalf("approval flags must be cleared after finalization")
	}

	released := emitter.byType(EventTypeEscrowReleased)
	if len(released) != 1 {
		t.Fatalf("expected one released event, got %d", len(released))
	}
	attrs := released[0].Attributes
	if attrs["payeeAmount"] != tenths(93).String() {
		t.Fatalf("released payeeAmount mismatch: %s", attrs["payeeAmount"])
	}
	if attrs["marketplaceFee"] != tenths(5).String() {
		t.Fatalf("released marketplaceFee mismatch: %s", attrs["marketplaceFee"])
	}
	if attrs["verifierFeePaid"] != tenths(2).String() {
		t.Fatalf("released verifierFeePaid mismatch: %s", attrs["verifierFeePaid"])
	}
	if attrs["approvals"] != "2" {
		t.Fatalf("released approvals mismatch: %s", attrs["approvals"])
	}

	// Once terminal, both paths reject further votes.
	if err := engine.ApproveRelease(id, v1); !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("expected ErrInvalidEscrowState after finalization, got %v", err)
	}
	if err := engine.ApproveRefund(id, v2); !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("expected ErrInvalidEscrowState on refund path, got %v", err)
	}
}

func TestApproveRefundFinalize(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)

	id := newTaskID(0xC2)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	// amount=5e18, verifier 2%, quorum 2 of 2 on the refund path:
	// verifierFeeTotal=0.1e18 split evenly, no marketplace fee on refund,
	// client gets back 4.9e18.
	client, payee := fundedEscrow(t, state, engine, id, units(5), 500, 200, 2, [][20]byte{v1, v2})

	if err := engine.ApproveRefund(id, v1); err != nil {
		t.Fatalf("first refund approval: %v", err)
	}
	if err := engine.ApproveRefund(id, v2); err != nil {
		t.Fatalf("decisive refund approval: %v", err)
	}
	final := engine.Get(id)
	if final.Status != StatusRefunded {
		t.Fatalf("expected Refunded, got %d", final.Status)
	}
	if final.Amount.Sign() != 0 {
		t.Fatalf("locked amount must be zero after refund")
	}
	want := new(big.Int).Sub(units(5), tenths(1))
	if got := state.balance(client); got.Cmp(want) != 0 {
		t.Fatalf("client refund mismatch: %v", got)
	}
	if state.balance(payee).Sign() != 0 {
		t.Fatalf("payee must receive nothing on refund")
	}
	if state.balance(testTreasury).Sign() != 0 {
		t.Fatalf("no marketplace fee is taken on refund")
	}
	half := new(big.Int).Div(tenths(1), big.NewInt(2))
	if got := state.balance(v1); got.Cmp(half) != 0 {
		t.Fatalf("verifier one refund share mismatch: %v", got)
	}
	if got := state.balance(v2); got.Cmp(half) != 0 {
		t.Fatalf("verifier two refund share mismatch: %v", got)
	}

	refunded := emitter.byType(EventTypeEscrowRefunded)
	if len(refunded) != 1 {
		t.Fatalf("expected one refunded event, got %d", len(refunded))
	}
	if refunded[0].Attributes["refundAmount"] != want.String() {
		t.Fatalf("refund event amount mismatch: %s", refunded[0].Attributes["refundAmount"])
	}
}

func TestApproveUnauthorized(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xC3)
	v1 := newTestAddress(0x0A)
	fundedEscrow(t, state, engine, id, units(1), 0, 0, 1, [][20]byte{v1})

	outsider := newTestAddress(0x99)
	if err := engine.ApproveRelease(id, outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ApproveRefund(id, outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on refund path, got %v", err)
	}
	stored := engine.Get(id)
	if stored.ReleaseApprovals != 0 || stored.RefundApprovals != 0 {
		t.Fatalf("unauthorized calls must not move counters")
	}
}

func TestApproveDuplicateVote(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xC4)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	fundedEscrow(t, state, engine, id, units(1), 0, 0, 2, [][20]byte{v1, v2})

	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := engine.ApproveRelease(id, v1); !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("expected ErrAlreadyApproved, got %v", err)
	}
	if got := engine.Get(id).ReleaseApprovals; got != 1 {
		t.Fatalf("duplicate vote must not move the counter: %d", got)
	}
}

func TestApprovalPathsAreIndependent(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xC5)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	fundedEscrow(t, state, engine, id, units(1), 0, 0, 2, [][20]byte{v1, v2})

	// A verifier may vote on both tracks; neither vote consumes the other.
	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("release vote: %v", err)
	}
	if err := engine.ApproveRefund(id, v1); err != nil {
		t.Fatalf("refund vote: %v", err)
	}
	stored := engine.Get(id)
	if stored.ReleaseApprovals != 1 || stored.RefundApprovals != 1 {
		t.Fatalf("expected independent counters, got %d/%d", stored.ReleaseApprovals, stored.RefundApprovals)
	}
	if stored.Status != StatusFunded {
		t.Fatalf("no quorum reached yet")
	}
}

func TestVerifierFeeRemainderOrder(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xC6)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	// amount=25000 at 2 bps: verifierFeeTotal=5 across two approvers, so
	// shares are 3 and 2 with the extra unit going to the first verifier in
	// list order regardless of who voted first.
	amount := big.NewInt(25_000)
	client := newTestAddress(0x01)
	payee := newTestAddress(0x02)
	state.setBalance(client, amount)
	if _, err := engine.Create(id, client, payee, [][20]byte{v1, v2}, 2, 0, 2, amount); err != nil {
		t.Fatalf("create escrow: %v", err)
	}

	if err := engine.ApproveRelease(id, v2); err != nil {
		t.Fatalf("second-listed verifier votes first: %v", err)
	}
	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("first-listed verifier votes last: %v", err)
	}
	if got := state.balance(v1); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("remainder unit must follow list order, v1 got %v", got)
	}
	if got := state.balance(v2); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("v2 share mismatch: %v", got)
	}
	if got := state.balance(payee); got.Cmp(big.NewInt(24_995)) != 0 {
		t.Fatalf("payee remainder mismatch: %v", got)
	}
}

func TestPayoutConservation(t *testing.T) {
	cases := []struct {
		name   string
		amount *big.Int
		mktBps uint32
		verBps uint32
	}{
		{"clean division", units(10), 500, 200},
		{"prime amount", big.NewInt(7_919), 123, 77},
		{"max fees", big.NewInt(1_000_003), 9_000, 1_000},
		{"tiny amount", big.NewInt(3), 500, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newMockState()
			engine := newTestEngine(state)
			id := newTaskID(0xD0)
			v1 := newTestAddress(0x0A)
			v2 := newTestAddress(0x0B)
			v3 := newTestAddress(0x0D)
			_, payee := fundedEscrow(t, state, engine, id, tc.amount, tc.mktBps, tc.verBps, 2, [][20]byte{v1, v2, v3})

			if err := engine.ApproveRelease(id, v1); err != nil {
				t.Fatalf("approve: %v", err)
			}
			if err := engine.ApproveRelease(id, v3); err != nil {
				t.Fatalf("approve: %v", err)
			}

			total := new(big.Int).Add(state.balance(payee), state.balance(testTreasury))
			total.Add(total, state.balance(v1))
			total.Add(total, state.balance(v2))
			total.Add(total, state.balance(v3))
			if total.Cmp(tc.amount) != 0 {
				t.Fatalf("payouts %v do not conserve amount %v", total, tc.amount)
			}
			if state.balance(v2).Sign() != 0 {
				t.Fatalf("non-approving verifier must receive no fee")
			}
		})
	}
}

func TestTransferFailureBlocksFinalization(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xD1)
	v1 := newTestAddress(0x0A)
	_, payee := fundedEscrow(t, state, engine, id, units(1), 500, 0, 1, [][20]byte{v1})

	// A recipient that always rejects incoming value permanently blocks
	// this path: the finalizing call fails and can only fail again. This is
	// a known design tradeoff, not a bug.
	state.rejecting[payee] = true
	err := engine.ApproveRelease(id, v1)
	var transferErr *TransferFailedError
	if !errors.As(err, &transferErr) {
		t.Fatalf("expected TransferFailedError, got %v", err)
	}
	if transferErr.Recipient != payee {
		t.Fatalf("transfer error names wrong recipient: %x", transferErr.Recipient)
	}
}

func TestReentrantApprovalRejected(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xD2)
	v1 := newTestAddress(0x0A)
	v2 := newTestAddress(0x0B)
	fundedEscrow(t, state, engine, id, units(1), 0, 200, 1, [][20]byte{v1, v2})

	// Simulate a payout recipient calling back into the engine while the
	// finalizing transfer is still outstanding.
	var nestedErr error
	nested := false
	state.onPutAccount = func(addr [20]byte) {
		if !nested {
			nested = true
			nestedErr = engine.ApproveRefund(id, v2)
		}
	}
	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("finalizing approval: %v", err)
	}
	if !errors.Is(nestedErr, ErrReentrancy) {
		t.Fatalf("expected nested call to fail with ErrReentrancy, got %v", nestedErr)
	}
}

func TestGetAbsentReturnsZeroRecord(t *testing.T) {
	engine := newTestEngine(newMockState())
	id := newTaskID(0xD3)
	stored := engine.Get(id)
	if stored.Status != StatusUninitialized {
		t.Fatalf("absent escrow must report Uninitialized, got %d", stored.Status)
	}
	if stored.Amount == nil || stored.Amount.Sign() != 0 {
		t.Fatalf("absent escrow must report zero amount")
	}
	if stored.ID != id {
		t.Fatalf("zero record must echo the queried identifier")
	}
	if got := engine.Verifiers(id); len(got) != 0 {
		t.Fatalf("absent escrow must report empty verifier set, got %d", len(got))
	}
}

func TestApproveAbsentEscrow(t *testing.T) {
	engine := newTestEngine(newMockState())
	if err := engine.ApproveRelease(newTaskID(0xD4), newTestAddress(0x0A)); !errors.Is(err, ErrInvalidEscrowState) {
		t.Fatalf("expected ErrInvalidEscrowState, got %v", err)
	}
}

func TestCreateInsufficientClientBalance(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	client := newTestAddress(0x01)
	state.setBalance(client, big.NewInt(5))
	_, err := engine.Create(newTaskID(0xD5), client, newTestAddress(0x02), [][20]byte{newTestAddress(0x0A)}, 1, 0, 0, big.NewInt(6))
	if err == nil {
		t.Fatalf("expected insufficient balance error")
	}
}

type pausedModules map[string]bool

func (p pausedModules) IsPaused(module string) bool { return p[module] }

func TestPausedModuleRejectsMutations(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	id := newTaskID(0xD6)
	v1 := newTestAddress(0x0A)
	fundedEscrow(t, state, engine, id, units(1), 0, 0, 1, [][20]byte{v1})

	engine.SetPauses(pausedModules{"escrow": true})
	if err := engine.ApproveRelease(id, v1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	client := newTestAddress(0x01)
	state.setBalance(client, units(1))
	if _, err := engine.Create(newTaskID(0xD7), client, newTestAddress(0x02), [][20]byte{v1}, 1, 0, 0, units(1)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on create, got %v", err)
	}
}

func TestSingleVerifierImmediateFinalize(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	id := newTaskID(0xD8)
	v1 := newTestAddress(0x0A)
	_, payee := fundedEscrow(t, state, engine, id, units(1), 0, 0, 1, [][20]byte{v1})

	if err := engine.ApproveRelease(id, v1); err != nil {
		t.Fatalf("sole approval: %v", err)
	}
	if engine.Get(id).Status != StatusReleased {
		t.Fatalf("quorum of one must finalize on the first vote")
	}
	if got := state.balance(payee); got.Cmp(units(1)) != 0 {
		t.Fatalf("zero-fee release must forward the full amount, got %v", got)
	}
	// One progress event and one finalization event from the same call.
	if len(emitter.byType(EventTypeReleaseApproved)) != 1 || len(emitter.byType(EventTypeEscrowReleased)) != 1 {
		t.Fatalf("unexpected event stream")
	}
}

func TestProgressEventCountsAscend(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	id := newTaskID(0xD9)
	verifiers := [][20]byte{newTestAddress(0x0A), newTestAddress(0x0B), newTestAddress(0x0D)}
	fundedEscrow(t, state, engine, id, units(1), 0, 0, 3, verifiers)

	for _, v := range verifiers {
		if err := engine.ApproveRefund(id, v); err != nil {
			t.Fatalf("vote: %v", err)
		}
	}
	progress := emitter.byType(EventTypeRefundApproved)
	if len(progress) != 3 {
		t.Fatalf("expected three progress events, got %d", len(progress))
	}
	for i, evt := range progress {
		if evt.Attributes["approvals"] != strconv.Itoa(i+1) {
			t.Fatalf("progress %d carries count %s", i, evt.Attributes["approvals"])
		}
	}
	if engine.Get(id).Status != StatusRefunded {
		t.Fatalf("full refund quorum must finalize")
	}
}
