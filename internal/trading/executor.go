package trading

import (
	"context"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/retry"
	"papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts   = 3
	DefaultRetryInterval = 50 * time.Millisecond
	DefaultCommitTimeout = 5 * time.Second
	DefaultCostScale     = 4
)

// carriedCostScale bounds the digits kept when a sale takes its share of a
// holding's total cost and the division does not terminate.
const carriedCostScale = 16

// PriceSource hands out the quote a market order fills at.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (model.Quote, error)
}

type Executor struct {
	validator     *Validator
	prices        PriceSource
	store         ledger.Store
	sink          events.Sink
	log           *zap.Logger
	now           func() time.Time
	newID         func() string
	retrier       *retry.Retrier
	commitTimeout time.Duration
	costScale     int32
}

type Option func(*Executor)

func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSink registers the receiver of committed trades.
func WithSink(s events.Sink) Option {
	return func(e *Executor) {
		e.sink = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		e.newID = fn
	}
}

// WithRetry bounds how often an order is re-run after a retryable failure
// (price unavailable or lost race). maxAttempts counts the first run; extra
// tunes the backoff curve.
func WithRetry(maxAttempts int, interval time.Duration, extra ...retry.Option) Option {
	return func(e *Executor) {
		e.retrier = newRetrier(maxAttempts, interval, extra...)
	}
}

// WithCommitTimeout bounds the unit of work once it has started. Caller
// cancellation does not reach it.
func WithCommitTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.commitTimeout = d
		}
	}
}

// WithCostScale sets the number of decimals average cost is rounded to.
func WithCostScale(scale int32) Option {
	return func(e *Executor) {
		if scale >= 0 {
			e.costScale = scale
		}
	}
}

func newRetrier(maxAttempts int, interval time.Duration, extra ...retry.Option) *retry.Retrier {
	opts := append([]retry.Option{
		retry.WithMaxAttempts(maxAttempts),
		retry.WithInitialInterval(interval),
	}, extra...)
	// last so that extra cannot widen what counts as retryable
	return retry.New(append(opts, retry.WithRetryIf(IsRetryable))...)
}

func NewExecutor(validator *Validator, prices PriceSource, store ledger.Store, opts ...Option) *Executor {
	e := &Executor{
		validator:     validator,
		prices:        prices,
		store:         store,
		log:           zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
		retrier:       newRetrier(DefaultMaxAttempts, DefaultRetryInterval),
		commitTimeout: DefaultCommitTimeout,
		costScale:     DefaultCostScale,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute fills a market order for accountID at the current price. On
// success the balance, the holding and the transaction log have all been
// updated; on any error none of them have.
func (e *Executor) Execute(ctx context.Context, accountID string, req OrderRequest) (ledger.Result, error) {
	log := e.log.With(zap.String("account_id", accountID))

	order, err := e.validator.Validate(ctx, req)
	if err != nil {
		log.Info("order rejected",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side),
			zap.String("quantity", req.Quantity),
			zap.String("kind", string(KindOf(err))),
		)
		return ledger.Result{}, err
	}
	log = log.With(
		zap.String("symbol", order.Instrument.Symbol),
		zap.String("side", string(order.Side)),
		zap.Int64("quantity", order.Quantity),
	)

	attempt := 0
	res, err := retry.DoWithData(e.retrier, ctx, func(ctx context.Context) (ledger.Result, error) {
		attempt++
		res, err := e.fill(ctx, accountID, order)
		if err != nil && IsRetryable(err) {
			log.Debug("order attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return res, err
	})
	if err != nil {
		if KindOf(err) == "" {
			// caller went away while backing off between attempts
			err = Cancelled(err)
		}
		fields := []zap.Field{zap.String("kind", string(KindOf(err))), zap.Int("attempts", attempt)}
		switch KindOf(err) {
		case types.ErrorKindStorageFailure:
			log.Error("order failed", append(fields, zap.Error(err))...)
		case types.ErrorKindCancelled:
			log.Info("order abandoned", append(fields, zap.Bool("cancelled", true), zap.Error(err))...)
		default:
			log.Info("order rejected", append(fields, zap.Error(err))...)
		}
		return ledger.Result{}, err
	}

	tx := res.Transaction
	if res.Replayed {
		log.Info("order replayed", zap.String("transaction_id", tx.ID), zap.String("client_ref", tx.ClientRef))
		return res, nil
	}
	log.Info("order filled",
		zap.String("transaction_id", tx.ID),
		zap.String("price", tx.Price.String()),
		zap.String("total_amount", tx.TotalAmount.String()),
	)
	if e.sink != nil {
		if err := e.sink.TradeExecuted(context.WithoutCancel(ctx), tx); err != nil {
			log.Warn("post-trade notification failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		}
	}
	return res, nil
}

// fill runs one attempt: resolve the price, then decide and commit inside
// the store's serialized unit of work for the account.
func (e *Executor) fill(ctx context.Context, accountID string, order ValidatedOrder) (ledger.Result, error) {
	symbol := order.Instrument.Symbol
	quote, err := e.prices.GetPrice(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return ledger.Result{}, Cancelled(ctx.Err())
		}
		if errors.Is(err, marketdata.ErrUnknownInstrument) {
			return ledger.Result{}, UnknownInstrument(symbol)
		}
		return ledger.Result{}, PriceUnavailable(symbol, err)
	}
	if !quote.CurrentPrice.IsPositive() {
		return ledger.Result{}, PriceUnavailable(symbol, errors.Errorf("non-positive price %s", quote.CurrentPrice))
	}
	// nothing has been written yet, so a cancelled caller can still be
	// turned away cleanly
	if err := ctx.Err(); err != nil {
		return ledger.Result{}, Cancelled(err)
	}

	id := e.newID()
	now := e.now()
	key := ledger.TradeKey{AccountID: accountID, InstrumentID: order.Instrument.ID, ClientRef: order.ClientRef}

	uow, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.commitTimeout)
	defer cancel()
	res, err := e.store.ApplyTrade(uow, key, func(snap ledger.Snapshot) (ledger.Mutation, error) {
		return planTrade(snap, order, quote.CurrentPrice, id, now, e.costScale)
	})
	if err != nil {
		return ledger.Result{}, classifyStoreError(err, accountID)
	}
	if res.Transaction.Symbol == "" {
		res.Transaction.Symbol = symbol
	}
	return res, nil
}

// planTrade applies the BUY or SELL rules to the freshest committed state.
// It is pure: the same snapshot and order always give the same mutation.
func planTrade(snap ledger.Snapshot, order ValidatedOrder, price decimal.Decimal, id string, now time.Time, costScale int32) (ledger.Mutation, error) {
	qty := decimal.NewFromInt(order.Quantity)
	total := price.Mul(qty)
	symbol := order.Instrument.Symbol

	var heldQty int64
	avg, heldCost := decimal.Zero, decimal.Zero
	if snap.Holding != nil {
		heldQty = snap.Holding.Quantity
		avg = snap.Holding.AverageCost
		heldCost = snap.Holding.TotalCost
	}

	m := ledger.Mutation{
		Transaction: model.Transaction{
			ID:          id,
			Symbol:      symbol,
			Side:        order.Side,
			Quantity:    order.Quantity,
			Price:       price,
			TotalAmount: total,
			CreatedAt:   now,
		},
	}

	switch order.Side {
	case types.TradeSideBuy:
		if snap.Account.Balance.LessThan(total) {
			return ledger.Mutation{}, InsufficientFunds(total, snap.Account.Balance)
		}
		newQty := heldQty + order.Quantity
		if newQty < heldQty {
			return ledger.Mutation{}, InvalidQuantity(qty.String())
		}
		// the carried cost stays exact; only the displayed average is rounded
		newCost := heldCost.Add(total)
		m.BalanceDelta = total.Neg()
		m.Holding = &model.Holding{
			Symbol:      symbol,
			Quantity:    newQty,
			AverageCost: newCost.DivRound(decimal.NewFromInt(newQty), costScale),
			TotalCost:   newCost,
			UpdatedAt:   now,
		}
	case types.TradeSideSell:
		if heldQty < order.Quantity {
			return ledger.Mutation{}, InsufficientShares(symbol, order.Quantity, heldQty)
		}
		m.BalanceDelta = total
		if remaining := heldQty - order.Quantity; remaining == 0 {
			m.DeleteHolding = true
		} else {
			left := heldCost.Mul(decimal.NewFromInt(remaining)).DivRound(decimal.NewFromInt(heldQty), carriedCostScale)
			m.Holding = &model.Holding{Symbol: symbol, Quantity: remaining, AverageCost: avg, TotalCost: left, UpdatedAt: now}
		}
	default:
		return ledger.Mutation{}, InvalidSide(string(order.Side))
	}
	return m, nil
}

func classifyStoreError(err error, accountID string) error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return AccountNotFound(accountID)
	case errors.Is(err, ledger.ErrConflict):
		return Conflict(err)
	default:
		return StorageFailure(err)
	}
}
