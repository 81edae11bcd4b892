package account

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/internal/xerrors"
	"github.com/exchange-core/matching-core/pkg/types"
)

// Manager owns the set of open accounts and is the Account Core's half of
// the Coordinator's handle registry. It holds AccountID → *Account, one
// entry per account, created once via OpenAccount.
type Manager struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]*Account
	clock    clock.Clock
}

// NewManager creates an empty account registry.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{
		accounts: make(map[types.AccountID]*Account),
		clock:    clk,
	}
}

// OpenAccount admits a new account funded with initialCash. Fails
// AccountExists if id is already registered.
func (m *Manager) OpenAccount(id types.AccountID, initialCash decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[id]; exists {
		return xerrors.Rejection(xerrors.CodeAccountExists, "account already open")
	}
	m.accounts[id] = New(id, initialCash, m.clock)
	return nil
}

// Get resolves an AccountID handle to its *Account, if open.
func (m *Manager) Get(id types.AccountID) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	return a, ok
}

// FindByOrder resolves the account owning orderID by scanning every open
// account's day-book. Used by the Coordinator to apply a fill to either
// counterparty of a trade, since a trade only carries OrderIDs, not
// AccountIDs. O(accounts); the
// Coordinator could track an OrderID→AccountID hint map itself instead, but
// this keeps account ownership knowledge inside the Account Core, where a
// day-book already exists per account and no second index needs to be kept
// in sync with it.
func (m *Manager) FindByOrder(orderID types.OrderID) (types.AccountID, *Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, acct := range m.accounts {
		if _, ok := acct.OrderByID(orderID); ok {
			return id, acct, true
		}
	}
	return "", nil, false
}

// All returns every open account, for settlement sweeps and snapshots.
func (m *Manager) All() []*Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out
}
