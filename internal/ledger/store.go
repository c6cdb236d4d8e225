package ledger

import (
	"context"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	// ErrConflict marks a unit of work that lost a concurrency race and was
	// rolled back. Retrying the whole trade is safe.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrInvariant is returned when a mutation would break a ledger
	// invariant (negative balance, non-positive holding).
	ErrInvariant = errors.New("ledger invariant violated")
)

// Snapshot is the committed state a trade decision is based on.
type Snapshot struct {
	Account model.Account
	Holding *model.Holding
}

// Mutation is everything one trade writes. It is applied as a whole or not
// at all.
type Mutation struct {
	BalanceDelta  decimal.Decimal
	Holding       *model.Holding
	DeleteHolding bool
	Transaction   model.Transaction
}

// DecideFunc turns the freshest state into a mutation. Returning an error
// aborts the unit of work without any write, and the store hands the error
// back unchanged.
type DecideFunc func(Snapshot) (Mutation, error)

type TradeKey struct {
	AccountID    string
	InstrumentID string
	// ClientRef, when set, makes the trade idempotent per account.
	ClientRef string
}

type Result struct {
	Transaction model.Transaction
	// Replayed is true when ClientRef matched an already committed trade
	// and nothing new was written.
	Replayed bool
}

type TransactionFilter struct {
	Side   types.TradeSide
	Limit  int
	Offset int
}

const (
	DefaultTransactionLimit = 50
	MaxTransactionLimit     = 500
)

func (f TransactionFilter) normalized() TransactionFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultTransactionLimit
	}
	if f.Limit > MaxTransactionLimit {
		f.Limit = MaxTransactionLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if !f.Side.Valid() {
		f.Side = ""
	}
	return f
}

// Store is the durable home of balances, holdings and the transaction log.
// ApplyTrade serializes writers per account; reads see committed state only.
type Store interface {
	CreateAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (model.Account, error)
	Account(ctx context.Context, accountID string) (model.Account, error)
	ReadAccountAndHolding(ctx context.Context, accountID, instrumentID string) (Snapshot, error)
	ApplyTrade(ctx context.Context, key TradeKey, decide DecideFunc) (Result, error)
	Holdings(ctx context.Context, accountID string) ([]model.Holding, error)
	// AccountHoldings reads the balance and every holding as of one
	// committed state.
	AccountHoldings(ctx context.Context, accountID string) (model.Account, []model.Holding, error)
	Transactions(ctx context.Context, accountID string, filter TransactionFilter) ([]model.Transaction, error)
}

// checkMutation validates a mutation against the snapshot it was derived from.
func checkMutation(snap Snapshot, m Mutation) error {
	if snap.Account.Balance.Add(m.BalanceDelta).IsNegative() {
		return errors.Wrapf(ErrInvariant, "balance %s with delta %s goes negative", snap.Account.Balance, m.BalanceDelta)
	}
	if m.Holding != nil && !m.DeleteHolding && m.Holding.Quantity <= 0 {
		return errors.Wrapf(ErrInvariant, "holding quantity %d must be positive", m.Holding.Quantity)
	}
	if m.Holding != nil && m.Holding.TotalCost.IsNegative() {
		return errors.Wrapf(ErrInvariant, "holding total cost %s is negative", m.Holding.TotalCost)
	}
	if m.Transaction.ID == "" || m.Transaction.Quantity <= 0 {
		return errors.Wrap(ErrInvariant, "transaction id and positive quantity are required")
	}
	return nil
}
