package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"workledger/core/types"
)

// ErrInsufficientFunds is returned when a debit would push a balance below
// zero.
var ErrInsufficientFunds = errors.New("state: insufficient funds")

var (
	escrowVault  = vaultAddress("escrow")
	channelVault = vaultAddress("channel")
)

// EscrowVaultAddress returns the module account holding funded project
// budgets.
func (m *Manager) EscrowVaultAddress() [20]byte {
	return escrowVault
}

// ChannelVaultAddress returns the module account holding channel deposits.
func (m *Manager) ChannelVaultAddress() [20]byte {
	return channelVault
}

// GetAccount loads the account stored under the provided address. Missing
// accounts are returned as zero-value accounts rather than errors so callers
// can treat every address as funded with zero.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: address must not be empty")
	}
	m.mu.Lock()
	data, ok, err := m.get(accountKey(addr))
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok || len(data) == 0 {
		return (&types.Account{}).Normalize(), nil
	}
	account := new(types.Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, err
	}
	return account.Normalize(), nil
}

// PutAccount stores the account under the provided address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	normalized := account.Normalize()
	if normalized.BalanceWRK.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(normalized)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(accountKey(addr), encoded)
}

// Credit adds the provided amount to the address balance. Used by genesis
// allocations and test fixtures.
func (m *Manager) Credit(addr []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: credit amount must be non-negative")
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	account.BalanceWRK = new(big.Int).Add(account.BalanceWRK, amount)
	return m.PutAccount(addr, account)
}

// Transfer moves amount from one account to another, failing when the sender
// balance cannot cover the debit.
func (m *Manager) Transfer(from, to []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: transfer amount must be non-negative")
	}
	sender, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	if sender.BalanceWRK.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	recipient, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	sender.BalanceWRK = new(big.Int).Sub(sender.BalanceWRK, amount)
	recipient.BalanceWRK = new(big.Int).Add(recipient.BalanceWRK, amount)
	if err := m.PutAccount(from, sender); err != nil {
		return err
	}
	return m.PutAccount(to, recipient)
}
