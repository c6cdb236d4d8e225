package ledger

import (
	"context"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Postgres SQLSTATEs that mean "lost a race, try again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// PgStore is the Postgres ledger. The account row lock taken with
// "for update" is the per-account single-writer lock for ApplyTrade.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateAccount(ctx context.Context, accountID string, initialBalance decimal.Decimal) (model.Account, error) {
	if accountID == "" {
		return model.Account{}, errors.New("account id is required")
	}
	if initialBalance.IsNegative() {
		return model.Account{}, errors.Wrap(ErrInvariant, "initial balance must not be negative")
	}
	var a model.Account
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, "insert into accounts (id, balance, initial_balance, created_at, updated_at) values ($1, $2, $2, $3, $3) on conflict (id) do nothing returning id, balance, initial_balance, created_at, updated_at", accountID, initialBalance, now).Scan(&a.ID, &a.Balance, &a.InitialBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.Account(ctx, accountID)
		if getErr != nil {
			return model.Account{}, getErr
		}
		return existing, ErrAccountExists
	}
	if err != nil {
		return model.Account{}, errors.Wrap(err, "insert account")
	}
	return a, nil
}

func (s *PgStore) Account(ctx context.Context, accountID string) (model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, "select id, balance, initial_balance, created_at, updated_at from accounts where id = $1", accountID).Scan(&a.ID, &a.Balance, &a.InitialBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, errors.Wrap(err, "select account")
	}
	return a, nil
}

func (s *PgStore) ReadAccountAndHolding(ctx context.Context, accountID, instrumentID string) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "begin read")
	}
	defer tx.Rollback(ctx)
	snap, err := s.readSnapshot(ctx, tx, accountID, instrumentID, false)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, tx.Commit(ctx)
}

func (s *PgStore) readSnapshot(ctx context.Context, tx pgx.Tx, accountID, instrumentID string, forUpdate bool) (Snapshot, error) {
	q := "select id, balance, initial_balance, created_at, updated_at from accounts where id = $1"
	if forUpdate {
		q += " for update"
	}
	var snap Snapshot
	a := &snap.Account
	err := tx.QueryRow(ctx, q, accountID).Scan(&a.ID, &a.Balance, &a.InitialBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrAccountNotFound
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "select account")
	}
	var h model.Holding
	err = tx.QueryRow(ctx, "select h.account_id, h.instrument_id, i.symbol, h.quantity, h.average_cost, h.total_cost, h.updated_at from holdings h join instruments i on i.id = h.instrument_id where h.account_id = $1 and h.instrument_id = $2", accountID, instrumentID).Scan(&h.AccountID, &h.InstrumentID, &h.Symbol, &h.Quantity, &h.AverageCost, &h.TotalCost, &h.UpdatedAt)
	if err == nil {
		snap.Holding = &h
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, errors.Wrap(err, "select holding")
	}
	return snap, nil
}

func (s *PgStore) ApplyTrade(ctx context.Context, key TradeKey, decide DecideFunc) (Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Result{}, classify(err, "begin trade")
	}
	defer tx.Rollback(ctx)

	snap, err := s.readSnapshot(ctx, tx, key.AccountID, key.InstrumentID, true)
	if err != nil {
		return Result{}, classify(err, "lock account")
	}
	if key.ClientRef != "" {
		prev, found, err := findByClientRef(ctx, tx, key.AccountID, key.ClientRef)
		if err != nil {
			return Result{}, classify(err, "lookup client ref")
		}
		if found {
			return Result{Transaction: prev, Replayed: true}, nil
		}
	}

	m, err := decide(snap)
	if err != nil {
		return Result{}, err
	}
	if err := checkMutation(snap, m); err != nil {
		return Result{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, "update accounts set balance = balance + $1, updated_at = $2 where id = $3", m.BalanceDelta, now, key.AccountID); err != nil {
		return Result{}, classify(err, "update balance")
	}
	switch {
	case m.DeleteHolding:
		if _, err := tx.Exec(ctx, "delete from holdings where account_id = $1 and instrument_id = $2", key.AccountID, key.InstrumentID); err != nil {
			return Result{}, classify(err, "delete holding")
		}
	case m.Holding != nil:
		if _, err := tx.Exec(ctx, "insert into holdings (account_id, instrument_id, quantity, average_cost, total_cost, updated_at) values ($1, $2, $3, $4, $5, $6) on conflict (account_id, instrument_id) do update set quantity = excluded.quantity, average_cost = excluded.average_cost, total_cost = excluded.total_cost, updated_at = excluded.updated_at", key.AccountID, key.InstrumentID, m.Holding.Quantity, m.Holding.AverageCost, m.Holding.TotalCost, now); err != nil {
			return Result{}, classify(err, "upsert holding")
		}
	}
	t := m.Transaction
	t.AccountID = key.AccountID
	t.InstrumentID = key.InstrumentID
	t.ClientRef = key.ClientRef
	if _, err := tx.Exec(ctx, "insert into transactions (id, account_id, instrument_id, side, quantity, price, total_amount, client_ref, created_at) values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9)", t.ID, t.AccountID, t.InstrumentID, string(t.Side), t.Quantity, t.Price, t.TotalAmount, t.ClientRef, t.CreatedAt); err != nil {
		return Result{}, classify(err, "insert transaction")
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, classify(err, "commit trade")
	}
	return Result{Transaction: t}, nil
}

func findByClientRef(ctx context.Context, tx pgx.Tx, accountID, clientRef string) (model.Transaction, bool, error) {
	row := tx.QueryRow(ctx, "select t.id, t.account_id, t.instrument_id, i.symbol, t.side, t.quantity, t.price, t.total_amount, coalesce(t.client_ref, ''), t.created_at from transactions t join instruments i on i.id = t.instrument_id where t.account_id = $1 and t.client_ref = $2", accountID, clientRef)
	t, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, false, nil
	}
	if err != nil {
		return model.Transaction{}, false, err
	}
	return t, true, nil
}

func (s *PgStore) Holdings(ctx context.Context, accountID string) ([]model.Holding, error) {
	_, out, err := s.AccountHoldings(ctx, accountID)
	return out, err
}

func (s *PgStore) AccountHoldings(ctx context.Context, accountID string) (model.Account, []model.Holding, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return model.Account{}, nil, errors.Wrap(err, "begin read")
	}
	defer tx.Rollback(ctx)
	var a model.Account
	err = tx.QueryRow(ctx, "select id, balance, initial_balance, created_at, updated_at from accounts where id = $1", accountID).Scan(&a.ID, &a.Balance, &a.InitialBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, nil, ErrAccountNotFound
	}
	if err != nil {
		return model.Account{}, nil, errors.Wrap(err, "select account")
	}
	rows, err := tx.Query(ctx, "select h.account_id, h.instrument_id, i.symbol, h.quantity, h.average_cost, h.total_cost, h.updated_at from holdings h join instruments i on i.id = h.instrument_id where h.account_id = $1 order by i.symbol", accountID)
	if err != nil {
		return model.Account{}, nil, errors.Wrap(err, "select holdings")
	}
	defer rows.Close()
	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.AccountID, &h.InstrumentID, &h.Symbol, &h.Quantity, &h.AverageCost, &h.TotalCost, &h.UpdatedAt); err != nil {
			return model.Account{}, nil, errors.Wrap(err, "scan holding")
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return model.Account{}, nil, errors.Wrap(err, "read holdings")
	}
	return a, out, errors.Wrap(tx.Commit(ctx), "commit read")
}

func (s *PgStore) Transactions(ctx context.Context, accountID string, filter TransactionFilter) ([]model.Transaction, error) {
	filter = filter.normalized()
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, "select t.id, t.account_id, t.instrument_id, i.symbol, t.side, t.quantity, t.price, t.total_amount, coalesce(t.client_ref, ''), t.created_at from transactions t join instruments i on i.id = t.instrument_id where t.account_id = $1 and ($2 = '' or t.side = $2) order by t.created_at desc, t.id desc limit $3 offset $4", accountID, string(filter.Side), filter.Limit, filter.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "select transactions")
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var t model.Transaction
	var side string
	err := row.Scan(&t.ID, &t.AccountID, &t.InstrumentID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.TotalAmount, &t.ClientRef, &t.CreatedAt)
	t.Side = types.TradeSide(side)
	return t, err
}

// classify marks serialization failures and deadlocks as ErrConflict and
// wraps everything else with the failing step.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccountNotFound) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected:
			return errors.WithMessagef(ErrConflict, "%s: %s", op, pgErr.Message)
		case sqlStateUniqueViolation:
			// a concurrent insert of the same client ref
			return errors.WithMessagef(ErrConflict, "%s: %s", op, pgErr.Message)
		}
	}
	return errors.Wrap(err, op)
}
