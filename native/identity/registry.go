package identity

import (
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentledger/core/events"
)

// storage abstracts the subset of state manager functionality required by the
// identity registry.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	agentPrefix        = []byte("identity/agent/")
	domainIndexPrefix  = []byte("identity/domain/")
	addressIndexPrefix = []byte("identity/address/")
	nextIDKey          = []byte("identity/nextId")
)

func agentKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", agentPrefix, id))
}

func domainIndexKey(normalized string) []byte {
	digest := ethcrypto.Keccak256([]byte(normalized))
	return []byte(fmt.Sprintf("%s%x", domainIndexPrefix, digest))
}

func addressIndexKey(addr [20]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", addressIndexPrefix, addr))
}

type storedAgent struct {
	Domain       string
	Address      [20]byte
	RegisteredAt uint64
	UpdatedAt    uint64
}

// Registry persists agent registrations keyed both ways: domain to agent and
// address to agent. Identifiers are sequential and never recycled.
type Registry struct {
	store   storage
	emitter events.Emitter
	nowFn   func() int64
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(store storage) *Registry {
	return &Registry{
		store:   store,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if r == nil {
		return
	}
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if r == nil {
		return
	}
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func (r *Registry) now() int64 {
	if r == nil || r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func (r *Registry) ready() error {
	if r == nil {
		return errors.New("identity: registry not initialised")
	}
	if r.store == nil {
		return errors.New("identity: storage unavailable")
	}
	return nil
}

func (r *Registry) nextID() (uint64, error) {
	var next uint64
	ok, err := r.store.KVGet(nextIDKey, &next)
	if err != nil {
		return 0, err
	}
	if !ok || next == 0 {
		next = 1
	}
	if err := r.store.KVPut(nextIDKey, next+1); err != nil {
		return 0, err
	}
	return next, nil
}

// Register binds the domain and controlling address to a fresh agent
// identifier. Both the domain and the address must be unused.
func (r *Registry) Register(domain string, addr [20]byte) (*AgentRecord, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	if addr == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	var existing uint64
	if ok, err := r.store.KVGet(domainIndexKey(normalized), &existing); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrDomainTaken
	}
	if ok, err := r.store.KVGet(addressIndexKey(addr), &existing); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAddressTaken
	}
	id, err := r.nextID()
	if err != nil {
		return nil, err
	}
	now := r.now()
	stored := storedAgent{
		Domain:       normalized,
		Address:      addr,
		RegisteredAt: uint64(now),
		UpdatedAt:    uint64(now),
	}
	if err := r.store.KVPut(agentKey(id), &stored); err != nil {
		return nil, err
	}
	if err := r.store.KVPut(domainIndexKey(normalized), id); err != nil {
		return nil, err
	}
	if err := r.store.KVPut(addressIndexKey(addr), id); err != nil {
		return nil, err
	}
	record := &AgentRecord{
		ID:           id,
		Domain:       normalized,
		Address:      addr,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if r.emitter != nil {
		r.emitter.Emit(identityEvent{evt: NewAgentRegisteredEvent(record)})
	}
	return record, nil
}

// Get fetches the agent record for the supplied identifier.
func (r *Registry) Get(id uint64) (*AgentRecord, bool, error) {
	if err := r.ready(); err != nil {
		return nil, false, err
	}
	if id == 0 {
		return nil, false, nil
	}
	var stored storedAgent
	ok, err := r.store.KVGet(agentKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &AgentRecord{
		ID:           id,
		Domain:       stored.Domain,
		Address:      stored.Address,
		RegisteredAt: int64(stored.RegisteredAt),
		UpdatedAt:    int64(stored.UpdatedAt),
	}, true, nil
}

// HasAgent reports whether the identifier resolves to a registered agent.
func (r *Registry) HasAgent(id uint64) (bool, error) {
	_, ok, err := r.Get(id)
	return ok, err
}

// ResolveByDomain fetches the agent record registered under the domain.
func (r *Registry) ResolveByDomain(domain string) (*AgentRecord, bool, error) {
	if err := r.ready(); err != nil {
		return nil, false, err
	}
	normalized, err := NormalizeDomain(domain)
	if err != nil {
		return nil, false, err
	}
	var id uint64
	ok, err := r.store.KVGet(domainIndexKey(normalized), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	return r.Get(id)
}

// ResolveByAddress fetches the agent record controlled by the address.
func (r *Registry) ResolveByAddress(addr [20]byte) (*AgentRecord, bool, error) {
	if err := r.ready(); err != nil {
		return nil, false, err
	}
	var id uint64
	ok, err := r.store.KVGet(addressIndexKey(addr), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	return r.Get(id)
}

// UpdateAddress rotates the controlling address of an agent. Only the current
// address may rotate, and the new address must not control another agent.
func (r *Registry) UpdateAddress(id uint64, caller, newAddr [20]byte) (*AgentRecord, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	if newAddr == ([20]byte{}) {
		return nil, ErrZeroAddress
	}
	var stored storedAgent
	ok, err := r.store.KVGet(agentKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAgentNotFound
	}
	if stored.Address != caller {
		return nil, ErrUnauthorized
	}
	if newAddr == stored.Address {
		return nil, ErrAddressTaken
	}
	var taken uint64
	if ok, err := r.store.KVGet(addressIndexKey(newAddr), &taken); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAddressTaken
	}
	if err := r.store.KVDelete(addressIndexKey(stored.Address)); err != nil {
		return nil, err
	}
	stored.Address = newAddr
	stored.UpdatedAt = uint64(r.now())
	if err := r.store.KVPut(agentKey(id), &stored); err != nil {
		return nil, err
	}
	if err := r.store.KVPut(addressIndexKey(newAddr), id); err != nil {
		return nil, err
	}
	record := &AgentRecord{
		ID:           id,
		Domain:       stored.Domain,
		Address:      stored.Address,
		RegisteredAt: int64(stored.RegisteredAt),
		UpdatedAt:    int64(stored.UpdatedAt),
	}
	if r.emitter != nil {
		r.emitter.Emit(identityEvent{evt: NewAgentUpdatedEvent(record)})
	}
	return record, nil
}
