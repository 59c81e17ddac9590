package reputation

import (
	"errors"
	"fmt"
	"time"

	"agentledger/core/events"
)

// storage abstracts the subset of state manager functionality required by the
// reputation ledger.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// agentDirectory resolves agent identifiers; in a deployment this is the
// identity registry.
type agentDirectory interface {
	HasAgent(id uint64) (bool, error)
}

var (
	authPrefix  = []byte("reputation/auth/")
	countPrefix = []byte("reputation/count/")
)

func authKey(clientID, serverID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d/%d", authPrefix, clientID, serverID))
}

func countKey(serverID uint64) []byte {
	return []byte(fmt.Sprintf("%s%d", countPrefix, serverID))
}

var (
	// ErrSelfFeedback rejects a client authorizing feedback about itself.
	ErrSelfFeedback = errors.New("reputation: client and server must differ")
	// ErrUnknownAgent marks identifiers absent from the agent directory.
	ErrUnknownAgent = errors.New("reputation: unknown agent")
	// ErrAlreadyAuthorized marks a duplicate authorization for the same
	// client/server pair.
	ErrAlreadyAuthorized = errors.New("reputation: feedback already authorized")
)

type storedAuth struct {
	AcceptedAt uint64
}

// Ledger persists feedback authorizations between registered agents. The
// escrow core never consults it; a deployment composes the two.
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
		return errors.New("reputation: ledger not initialised")
	}
	if l.store == nil {
		return errors.New("reputation: storage unavailable")
	}
	if l.agents == nil {
		return errors.New("reputation: agent directory unavailable")
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

// AcceptFeedback authorizes the client agent to leave feedback about the
// server agent. Each pair authorizes at most once.
func (l *Ledger) AcceptFeedback(clientID, serverID uint64) (*FeedbackAuth, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	if clientID == serverID {
		return nil, ErrSelfFeedback
	}
	if err := l.ensureAgent(clientID); err != nil {
		return nil, err
	}
	if err := l.ensureAgent(serverID); err != nil {
		return nil, err
	}
	key := authKey(clientID, serverID)
	var existing storedAuth
	if ok, err := l.store.KVGet(key, &existing); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyAuthorized
	}
	now := l.now()
	if err := l.store.KVPut(key, &storedAuth{AcceptedAt: uint64(now)}); err != nil {
		return nil, err
	}
	var count uint64
	if _, err := l.store.KVGet(countKey(serverID), &count); err != nil {
		return nil, err
	}
	count++
	if err := l.store.KVPut(countKey(serverID), count); err != nil {
		return nil, err
	}
	auth := &FeedbackAuth{
		ClientID:   clientID,
		ServerID:   serverID,
		AuthID:     ComputeAuthID(clientID, serverID),
		AcceptedAt: now,
	}
	l.emitter.Emit(reputationEvent{evt: NewFeedbackAcceptedEvent(auth)})
	return auth, nil
}

// Authorized reports whether the client agent has an active authorization to
// review the server agent.
func (l *Ledger) Authorized(clientID, serverID uint64) (bool, error) {
	if err := l.ready(); err != nil {
		return false, err
	}
	var stored storedAuth
	return l.store.KVGet(authKey(clientID, serverID), &stored)
}

// FeedbackCount reports how many distinct clients have been authorized to
// review the server agent.
func (l *Ledger) FeedbackCount(serverID uint64) (uint64, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	var count uint64
	if _, err := l.store.KVGet(countKey(serverID), &count); err != nil {
		return 0, err
	}
	return count, nil
}
