package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"papertrade/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type memAccount struct {
	account  model.Account
	holdings map[string]model.Holding
	txs      []model.Transaction
	refs     map[string]int
}

// MemoryStore keeps the ledger in process memory. Writers for one account
// are serialized by a per-account mutex; the whole mutation is published
// under the store lock so readers never see half a trade.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	locks    sync.Map

	beforeCommit func(accountID string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*memAccount)}
}

// SetBeforeCommit installs a hook run after the decision and before the
// mutation is published. A non-nil error aborts the unit of work.
func (s *MemoryStore) SetBeforeCommit(fn func(accountID string) error) {
	s.mu.Lock()
	s.beforeCommit = fn
	s.mu.Unlock()
}

func (s *MemoryStore) accountLock(accountID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(accountID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *MemoryStore) CreateAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (model.Account, error) {
	if accountID == "" {
		return model.Account{}, errors.New("account id is required")
	}
	if initialBalance.IsNegative() {
		return model.Account{}, errors.Wrap(ErrInvariant, "initial balance must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[accountID]; ok {
		return existing.account, ErrAccountExists
	}
	now := time.Now().UTC()
	acc := model.Account{
		ID:             accountID,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.accounts[accountID] = &memAccount{
		account:  acc,
		holdings: make(map[string]model.Holding),
		refs:     make(map[string]int),
	}
	return acc, nil
}

func (s *MemoryStore) Account(ctx context.Context, accountID string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return model.Account{}, ErrAccountNotFound
	}
	return a.account, nil
}

func (s *MemoryStore) ReadAccountAndHolding(ctx context.Context, accountID, instrumentID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(accountID, instrumentID)
}

func (s *MemoryStore) snapshotLocked(accountID, instrumentID string) (Snapshot, error) {
	a, ok := s.accounts[accountID]
	if !ok {
		return Snapshot{}, ErrAccountNotFound
	}
	snap := Snapshot{Account: a.account}
	if h, ok := a.holdings[instrumentID]; ok {
		snap.Holding = &h
	}
	return snap, nil
}

func (s *MemoryStore) ApplyTrade(ctx context.Context, key TradeKey, decide DecideFunc) (Result, error) {
	lock := s.accountLock(key.AccountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.RLock()
	if key.ClientRef != "" {
		if a, ok := s.accounts[key.AccountID]; ok {
			if idx, ok := a.refs[key.ClientRef]; ok {
				tx := a.txs[idx]
				s.mu.RUnlock()
				return Result{Transaction: tx, Replayed: true}, nil
			}
		}
	}
	snap, err := s.snapshotLocked(key.AccountID, key.InstrumentID)
	hook := s.beforeCommit
	s.mu.RUnlock()
	if err != nil {
		return Result{}, err
	}

	m, err := decide(snap)
	if err != nil {
		return Result{}, err
	}
	if err := checkMutation(snap, m); err != nil {
		return Result{}, err
	}
	if hook != nil {
		if err := hook(key.AccountID); err != nil {
			return Result{}, errors.Wrap(err, "commit trade")
		}
	}

	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[key.AccountID]
	a.account.Balance = a.account.Balance.Add(m.BalanceDelta)
	a.account.UpdatedAt = now
	switch {
	case m.DeleteHolding:
		delete(a.holdings, key.InstrumentID)
	case m.Holding != nil:
		h := *m.Holding
		h.AccountID = key.AccountID
		h.InstrumentID = key.InstrumentID
		h.UpdatedAt = now
		a.holdings[key.InstrumentID] = h
	}
	tx := m.Transaction
	tx.AccountID = key.AccountID
	tx.InstrumentID = key.InstrumentID
	tx.ClientRef = key.ClientRef
	a.txs = append(a.txs, tx)
	if key.ClientRef != "" {
		a.refs[key.ClientRef] = len(a.txs) - 1
	}
	return Result{Transaction: tx}, nil
}

func (s *MemoryStore) Holdings(ctx context.Context, accountID string) ([]model.Holding, error) {
	_, out, err := s.AccountHoldings(ctx, accountID)
	return out, err
}

func (s *MemoryStore) AccountHoldings(ctx context.Context, accountID string) (model.Account, []model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return model.Account{}, nil, ErrAccountNotFound
	}
	out := make([]model.Holding, 0, len(a.holdings))
	for _, h := range a.holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return a.account, out, nil
}

// Transactions returns the account's log newest first.
func (s *MemoryStore) Transactions(ctx context.Context, accountID string, filter TransactionFilter) ([]model.Transaction, error) {
	filter = filter.normalized()
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := make([]model.Transaction, 0, filter.Limit)
	skipped := 0
	for i := len(a.txs) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		tx := a.txs[i]
		if filter.Side != "" && tx.Side != filter.Side {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}
