package types

import "math/big"

// Account holds the ledger-side balance and replay protection state for a
// principal. Registered agent metadata lives in the identity registry, not
// here.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}
