package types

import "math/big"

// Account tracks the spendable balance of a marketplace principal. Escrow
// vaults and channel vaults are ordinary accounts addressed by derived keys,
// so every transfer in the system is a plain debit/credit pair.
type Account struct {
	Nonce      uint64   `json:"nonce"`
	BalanceWRK *big.Int `json:"balanceWRK"`
}

// Normalize ensures the balance pointer is usable. Accounts loaded from an
// empty ledger slot arrive with nil fields.
func (a *Account) Normalize() *Account {
	if a == nil {
		return &Account{BalanceWRK: big.NewInt(0)}
	}
	if a.BalanceWRK == nil {
		a.BalanceWRK = big.NewInt(0)
	}
	return a
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{BalanceWRK: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, BalanceWRK: big.NewInt(0)}
	if a.BalanceWRK != nil {
		clone.BalanceWRK = new(big.Int).Set(a.BalanceWRK)
	}
	return clone
}
