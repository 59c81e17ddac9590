package validation

import (
	"errors"
	"fmt"
	"time"

	"agentledger/core/events"
)

// storage abstracts the subset of state manager functionality required by the
// validation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// agentDirectory resolves agent identifiers; in a deployment this is the
// identity registry.
type agentDirectory interface {
	HasAgent(id uint64) (bool, error)
}

var requestPrefix = []byte("validation/request/")

func requestKey(dataHash [32]byte) []byte {
	return []byte(fmt.Sprintf("%s%x", requestPrefix, dataHash))
}

// MaxResponse is the upper bound of the validation score scale.
const MaxResponse = 100

var (
	// ErrUnknownAgent marks identifiers absent from the agent directory.
	ErrUnknownAgent = errors.New("validation: unknown agent")
	// ErrRequestExists marks a duplicate request for the same data hash.
	ErrRequestExists = errors.New("validation: request already exists")
	// ErrRequestNotFound marks responses to an unknown data hash.
	ErrRequestNotFound = errors.New("validation: request not found")
	// ErrRequestClosed marks responses to an already answered request.
	ErrRequestClosed = errors.New("validation: request already answered")
	// ErrNotValidator marks responses from anyone but the addressed
	// validator.
	ErrNotValidator = errors.New("validation: caller is not the addressed validator")
	// ErrInvalidResponse marks scores outside [0, MaxResponse].
	ErrInvalidResponse = errors.New("validation: response out of range")
)

type storedRequest struct {
	ValidatorID uint64
	ServerID    uint64
	RequestedAt uint64
	Responded   bool
	Response    uint8
	RespondedAt uint64
}

// Record is the queryable view of a validation request and, once answered,
// its response.
type Record struct {
	DataHash    [32]byte
	ValidatorID uint64
	ServerID    uint64
	RequestedAt int64
	Responded   bool
	Response    uint8
	RespondedAt int64
}

// Ledger persists validation requests addressed to validator agents and the
// scores they answer with. Like the reputation ledger it is a collaborator
// of the escrow core, never a dependency.
type Ledger struct {
	store   storage
	agents  agentDirectory
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger constructs a ledger bound to the provided storage backend and
// agent directory.
func NewLedger(store storage, agents agentDirectory) *Ledger {
	return &Ledger{
		store:   store,
		agents:  agents,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the wall clock, primarily for deterministic tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) ready() error {
	if l == nil {
		return errors.New("validation: ledger not initialised")
	}
	if l.store == nil {
		return errors.New("validation: storage unavailable")
	}
	if l.agents == nil {
		return errors.New("validation: agent directory unavailable")
	}
	return nil
}

func (l *Ledger) ensureAgent(id uint64) error {
	ok, err := l.agents.HasAgent(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}
	return nil
}

// Request records that the server agent asks the validator agent to check the
// artifact identified by dataHash. A hash can only be requested once.
func (l *Ledger) Request(validatorID, serverID uint64, dataHash [32]byte) (*Record, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if dataHash == ([32]byte{}) {
		return nil, fmt.Errorf("validation: data hash required")
	}
	if err := l.ensureAgent(validatorID); err != nil {
		return nil, err
	}
	if err := l.ensureAgent(serverID); err != nil {
		return nil, err
	}
	key := requestKey(dataHash)
	var existing storedRequest
	if ok, err := l.store.KVGet(key, &existing); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrRequestExists
	}
	now := l.now()
	stored := storedRequest{
		ValidatorID: validatorID,
		ServerID:    serverID,
		RequestedAt: uint64(now),
	}
	if err := l.store.KVPut(key, &stored); err != nil {
		return nil, err
	}
	record := recordFromStored(dataHash, &stored)
	l.emitter.Emit(validationEvent{evt: NewRequestedEvent(record)})
	return record, nil
}

// Respond records the validator's score for a pending request. Only the
// addressed validator may answer, and only once.
func (l *Ledger) Respond(validatorID uint64, dataHash [32]byte, response uint8) (*Record, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if response > MaxResponse {
		return nil, ErrInvalidResponse
	}
	key := requestKey(dataHash)
	var stored storedRequest
	ok, err := l.store.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRequestNotFound
	}
	if stored.Responded {
		return nil, ErrRequestClosed
	}
	if stored.ValidatorID != validatorID {
		return nil, ErrNotValidator
	}
	stored.Responded = true
	stored.Response = response
	stored.RespondedAt = uint64(l.now())
	if err := l.store.KVPut(key, &stored); err != nil {
		return nil, err
	}
	record := recordFromStored(dataHash, &stored)
	l.emitter.Emit(validationEvent{evt: NewRespondedEvent(record)})
	return record, nil
}

// Get fetches the validation record stored under the data hash.
func (l *Ledger) Get(dataHash [32]byte) (*Record, bool, error) {
	if err := l.ready(); err != nil {
		return nil, false, err
	}
	var stored storedRequest
	ok, err := l.store.KVGet(requestKey(dataHash), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return recordFromStored(dataHash, &stored), true, nil
}

func recordFromStored(dataHash [32]byte, stored *storedRequest) *Record {
	return &Record{
		DataHash:    dataHash,
		ValidatorID: stored.ValidatorID,
		ServerID:    stored.ServerID,
		RequestedAt: int64(stored.RequestedAt),
		Responded:   stored.Responded,
		Response:    stored.Response,
		RespondedAt: int64(stored.RespondedAt),
	}
}
