package reputation

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// FeedbackAuth captures the authorization for one agent (the client of a
// task) to leave feedback about another (the server that performed it).
type FeedbackAuth struct {
	ClientID   uint64
	ServerID   uint64
	AuthID     [32]byte
	AcceptedAt int64
}

// ComputeAuthID derives the deterministic identifier for a client/server
// authorization pair.
func ComputeAuthID(clientID, serverID uint64) [32]byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], clientID)
	binary.BigEndian.PutUint64(buf[8:], serverID)
	hash := ethcrypto.Keccak256(buf[:])
	var id [32]byte
	copy(id[:], hash)
	return id
}
