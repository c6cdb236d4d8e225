package trading

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type harness struct {
	catalog  *marketdata.Catalog
	store    *ledger.MemoryStore
	exec     *Executor
	mu       sync.Mutex
	notified []model.Transaction
}

func newHarness(t *testing.T, balance int64, opts ...Option) *harness {
	t.Helper()
	h := &harness{catalog: testCatalog(), store: ledger.NewMemoryStore()}
	_, err := h.store.CreateAccount(context.Background(), "acc", decimal.NewFromInt(balance))
	require.NoError(t, err)
	sink := events.SinkFunc(func(ctx context.Context, tx model.Transaction) error {
		h.mu.Lock()
		h.notified = append(h.notified, tx)
		h.mu.Unlock()
		return nil
	})
	base := []Option{WithLogger(zap.NewNop()), WithSink(sink), WithRetry(3, time.Millisecond)}
	h.exec = NewExecutor(NewValidator(h.catalog), h.catalog, h.store, append(base, opts...)...)
	return h
}

func (h *harness) setPrice(t *testing.T, symbol string, price int64) {
	t.Helper()
	_, err := h.catalog.UpdateQuote(context.Background(), marketdata.QuoteUpdate{Symbol: symbol, CurrentPrice: decimal.NewFromInt(price)})
	require.NoError(t, err)
}

func (h *harness) snapshot(t *testing.T) ledger.Snapshot {
	t.Helper()
	snap, err := h.store.ReadAccountAndHolding(context.Background(), "acc", "ins-bbca")
	require.NoError(t, err)
	return snap
}

func (h *harness) notifications() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notified)
}

func order(side string, qty int64) OrderRequest {
	return OrderRequest{Symbol: "BBCA", Side: side, Quantity: fmt.Sprint(qty)}
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestExecutor_BuySellLifecycle(t *testing.T) {
	h := newHarness(t, 1000000)
	ctx := context.Background()

	res, err := h.exec.Execute(ctx, "acc", order("BUY", 10))
	require.NoError(t, err)
	assert.Equal(t, "BBCA", res.Transaction.Symbol)
	requireDecimal(t, "8700", res.Transaction.Price)
	requireDecimal(t, "87000", res.Transaction.TotalAmount)
	snap := h.snapshot(t)
	requireDecimal(t, "913000", snap.Account.Balance)
	require.NotNil(t, snap.Holding)
	assert.Equal(t, int64(10), snap.Holding.Quantity)
	requireDecimal(t, "8700", snap.Holding.AverageCost)
	requireDecimal(t, "87000", snap.Holding.TotalCost)

	h.setPrice(t, "BBCA", 8900)
	_, err = h.exec.Execute(ctx, "acc", order("BUY", 5))
	require.NoError(t, err)
	snap = h.snapshot(t)
	requireDecimal(t, "868500", snap.Account.Balance)
	assert.Equal(t, int64(15), snap.Holding.Quantity)
	requireDecimal(t, "8766.6667", snap.Holding.AverageCost)
	requireDecimal(t, "131500", snap.Holding.TotalCost)

	h.setPrice(t, "BBCA", 9000)
	_, err = h.exec.Execute(ctx, "acc", order("SELL", 8))
	require.NoError(t, err)
	snap = h.snapshot(t)
	requireDecimal(t, "940500", snap.Account.Balance)
	assert.Equal(t, int64(7), snap.Holding.Quantity)
	requireDecimal(t, "8766.6667", snap.Holding.AverageCost)
	requireDecimal(t, "61366.6666666666666667", snap.Holding.TotalCost)

	_, err = h.exec.Execute(ctx, "acc", order("SELL", 7))
	require.NoError(t, err)
	snap = h.snapshot(t)
	requireDecimal(t, "1003500", snap.Account.Balance)
	assert.Nil(t, snap.Holding)

	txs, err := h.store.Transactions(ctx, "acc", ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, types.TradeSideSell, txs[0].Side)
	assert.Equal(t, 4, h.notifications())
}

func TestExecutor_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient funds", func(t *testing.T) {
		h := newHarness(t, 50000)
		before := h.snapshot(t)

		_, err := h.exec.Execute(ctx, "acc", order("BUY", 10))
		require.Error(t, err)
		var te *Error
		require.True(t, errors.As(err, &te))
		assert.Equal(t, types.ErrorKindInsufficientFunds, te.Kind)
		assert.Equal(t, "87000", te.Details["required"])
		assert.Equal(t, "50000", te.Details["available"])
		assert.Equal(t, "37000", te.Details["shortfall"])
		assert.Equal(t, before, h.snapshot(t))
		assert.Zero(t, h.notifications())
	})

	t.Run("exact balance is enough", func(t *testing.T) {
		h := newHarness(t, 87000)
		_, err := h.exec.Execute(ctx, "acc", order("BUY", 10))
		require.NoError(t, err)
		assert.True(t, h.snapshot(t).Account.Balance.IsZero())
	})

	t.Run("insufficient shares", func(t *testing.T) {
		h := newHarness(t, 1000000)
		_, err := h.exec.Execute(ctx, "acc", order("BUY", 3))
		require.NoError(t, err)
		before := h.snapshot(t)

		_, err = h.exec.Execute(ctx, "acc", order("SELL", 4))
		assert.Equal(t, types.ErrorKindInsufficientShares, KindOf(err))
		assert.Equal(t, before, h.snapshot(t))
	})

	t.Run("sell without holding", func(t *testing.T) {
		h := newHarness(t, 1000000)
		_, err := h.exec.Execute(ctx, "acc", order("SELL", 1))
		assert.Equal(t, types.ErrorKindInsufficientShares, KindOf(err))
	})

	t.Run("invalid order never touches the store", func(t *testing.T) {
		h := newHarness(t, 1000000)
		_, err := h.exec.Execute(ctx, "acc", OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "2.5"})
		assert.Equal(t, types.ErrorKindInvalidQuantity, KindOf(err))
		txs, err := h.store.Transactions(ctx, "acc", ledger.TransactionFilter{})
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("unknown account", func(t *testing.T) {
		h := newHarness(t, 1000000)
		_, err := h.exec.Execute(ctx, "ghost", order("BUY", 1))
		assert.Equal(t, types.ErrorKindAccountNotFound, KindOf(err))
	})
}

type flakyPrices struct {
	inner    PriceSource
	failures int32
	calls    atomic.Int32
}

func (f *flakyPrices) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	if f.calls.Add(1) <= f.failures {
		return model.Quote{}, errors.Wrap(marketdata.ErrPriceUnavailable, "feed timeout")
	}
	return f.inner.GetPrice(ctx, symbol)
}

func TestExecutor_PriceUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("retried until a price arrives", func(t *testing.T) {
		h := newHarness(t, 1000000)
		prices := &flakyPrices{inner: h.catalog, failures: 2}
		exec := NewExecutor(NewValidator(h.catalog), prices, h.store, WithRetry(3, time.Millisecond))

		_, err := exec.Execute(ctx, "acc", order("BUY", 1))
		require.NoError(t, err)
		assert.Equal(t, int32(3), prices.calls.Load())
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		h := newHarness(t, 1000000)
		prices := &flakyPrices{inner: h.catalog, failures: 100}
		exec := NewExecutor(NewValidator(h.catalog), prices, h.store, WithRetry(3, time.Millisecond))
		before := h.snapshot(t)

		_, err := exec.Execute(ctx, "acc", order("BUY", 1))
		assert.Equal(t, types.ErrorKindPriceUnavailable, KindOf(err))
		assert.True(t, IsRetryable(err))
		assert.Equal(t, int32(3), prices.calls.Load())
		assert.Equal(t, before, h.snapshot(t))
	})

	t.Run("stale quote", func(t *testing.T) {
		store := ledger.NewMemoryStore()
		_, err := store.CreateAccount(ctx, "acc", decimal.NewFromInt(1000000))
		require.NoError(t, err)
		catalog := marketdata.NewCatalog([]model.Instrument{
			{ID: "ins-bbca", Symbol: "BBCA", CurrentPrice: decimal.NewFromInt(8700), UpdatedAt: time.Now().Add(-time.Hour)},
		}, time.Minute)
		exec := NewExecutor(NewValidator(catalog), catalog, store, WithRetry(1, time.Millisecond))

		_, err = exec.Execute(ctx, "acc", order("BUY", 1))
		assert.Equal(t, types.ErrorKindPriceUnavailable, KindOf(err))
	})
}

func TestExecutor_StorageFailure(t *testing.T) {
	h := newHarness(t, 1000000)
	h.store.SetBeforeCommit(func(string) error { return errors.New("connection reset") })
	before := h.snapshot(t)

	_, err := h.exec.Execute(context.Background(), "acc", order("BUY", 1))
	assert.Equal(t, types.ErrorKindStorageFailure, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, before, h.snapshot(t))
	assert.Zero(t, h.notifications())
}

type conflictingStore struct {
	ledger.Store
	conflicts int32
	calls     atomic.Int32
}

func (s *conflictingStore) ApplyTrade(ctx context.Context, key ledger.TradeKey, decide ledger.DecideFunc) (ledger.Result, error) {
	if s.calls.Add(1) <= s.conflicts {
		return ledger.Result{}, errors.WithMessage(ledger.ErrConflict, "could not serialize access")
	}
	return s.Store.ApplyTrade(ctx, key, decide)
}

func TestExecutor_ConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000000)

	store := &conflictingStore{Store: h.store, conflicts: 1}
	exec := NewExecutor(NewValidator(h.catalog), h.catalog, store, WithRetry(3, time.Millisecond))
	_, err := exec.Execute(ctx, "acc", order("BUY", 1))
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.calls.Load())

	store = &conflictingStore{Store: h.store, conflicts: 10}
	exec = NewExecutor(NewValidator(h.catalog), h.catalog, store, WithRetry(2, time.Millisecond))
	_, err = exec.Execute(ctx, "acc", order("BUY", 1))
	assert.Equal(t, types.ErrorKindConflict, KindOf(err))
}

func TestExecutor_ClientRefReplay(t *testing.T) {
	h := newHarness(t, 1000000)
	ctx := context.Background()
	req := order("BUY", 2)
	req.ClientRef = "order-42"

	first, err := h.exec.Execute(ctx, "acc", req)
	require.NoError(t, err)
	second, err := h.exec.Execute(ctx, "acc", req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	requireDecimal(t, "982600", h.snapshot(t).Account.Balance)
	assert.Equal(t, 1, h.notifications())
}

func TestExecutor_CancelledCallerWritesNothing(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := newHarness(t, 1000000, WithLogger(zap.New(core)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.exec.Execute(ctx, "acc", order("BUY", 1))
	assert.Equal(t, types.ErrorKindCancelled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsRetryable(err))
	requireDecimal(t, "1000000", h.snapshot(t).Account.Balance)

	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
	abandoned := logs.FilterMessage("order abandoned").All()
	require.Len(t, abandoned, 1)
	assert.Equal(t, true, abandoned[0].ContextMap()["cancelled"])
}

func TestExecutor_CancelledWhileBackingOff(t *testing.T) {
	h := newHarness(t, 1000000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	prices := &flakyPrices{inner: h.catalog, failures: 100}
	exec := NewExecutor(NewValidator(h.catalog), prices, h.store, WithRetry(5, time.Second))

	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err := exec.Execute(ctx, "acc", order("BUY", 1))
	assert.Equal(t, types.ErrorKindCancelled, KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), prices.calls.Load())
	requireDecimal(t, "1000000", h.snapshot(t).Account.Balance)
}

func TestExecutor_StampsTransactionsFromClockAndIDs(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	var seq atomic.Int32
	h := newHarness(t, 1000000,
		WithClock(func() time.Time { return at }),
		WithIDGenerator(func() string { return fmt.Sprintf("tx-%d", seq.Add(1)) }),
	)
	ctx := context.Background()

	first, err := h.exec.Execute(ctx, "acc", order("BUY", 2))
	require.NoError(t, err)
	second, err := h.exec.Execute(ctx, "acc", order("SELL", 1))
	require.NoError(t, err)

	assert.Equal(t, "tx-1", first.Transaction.ID)
	assert.Equal(t, "tx-2", second.Transaction.ID)
	assert.True(t, at.Equal(first.Transaction.CreatedAt))

	txs, err := h.store.Transactions(ctx, "acc", ledger.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.ElementsMatch(t, []string{"tx-1", "tx-2"}, []string{txs[0].ID, txs[1].ID})
	for _, tx := range txs {
		assert.True(t, at.Equal(tx.CreatedAt), tx.ID)
	}
}

func TestExecutor_SinkFailureDoesNotFailTrade(t *testing.T) {
	h := newHarness(t, 1000000, WithSink(events.SinkFunc(func(context.Context, model.Transaction) error {
		return errors.New("kafka down")
	})))

	_, err := h.exec.Execute(context.Background(), "acc", order("BUY", 1))
	require.NoError(t, err)
	requireDecimal(t, "991300", h.snapshot(t).Account.Balance)
}

func TestExecutor_ConcurrentSellsOfSameShares(t *testing.T) {
	h := newHarness(t, 1000000)
	ctx := context.Background()
	_, err := h.exec.Execute(ctx, "acc", order("BUY", 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.exec.Execute(ctx, "acc", order("SELL", 10))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, types.ErrorKindInsufficientShares, KindOf(err))
	}
	assert.Equal(t, 1, succeeded)
	snap := h.snapshot(t)
	assert.Nil(t, snap.Holding)
	requireDecimal(t, "1000000", snap.Account.Balance)
}

func TestExecutor_ConcurrentTradesReconcile(t *testing.T) {
	const initial = 500000
	h := newHarness(t, initial)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := "BUY"
			if i%3 == 0 {
				side = "SELL"
			}
			// rejections are expected; only the invariants matter here
			_, _ = h.exec.Execute(ctx, "acc", order(side, int64(i%5+1)))
		}(i)
	}
	wg.Wait()

	txs, err := h.store.Transactions(ctx, "acc", ledger.TransactionFilter{Limit: ledger.MaxTransactionLimit})
	require.NoError(t, err)
	balance := decimal.NewFromInt(initial)
	var qty int64
	for _, tx := range txs {
		balance = balance.Add(tx.SignedAmount())
		if tx.Side == types.TradeSideBuy {
			qty += tx.Quantity
		} else {
			qty -= tx.Quantity
		}
	}

	snap := h.snapshot(t)
	assert.False(t, snap.Account.Balance.IsNegative())
	requireDecimal(t, balance.String(), snap.Account.Balance)
	if qty == 0 {
		assert.Nil(t, snap.Holding)
	} else {
		require.NotNil(t, snap.Holding)
		assert.Equal(t, qty, snap.Holding.Quantity)
	}
}

func TestPlanTrade_WeightedAverage(t *testing.T) {
	order := ValidatedOrder{Instrument: model.Instrument{Symbol: "GOTO"}, Side: types.TradeSideBuy, Quantity: 3}
	snap := ledger.Snapshot{
		Account: model.Account{Balance: decimal.NewFromInt(10000)},
		Holding: &model.Holding{Quantity: 7, AverageCost: decimal.RequireFromString("101.5"), TotalCost: decimal.RequireFromString("710.5")},
	}

	m, err := planTrade(snap, order, decimal.NewFromInt(97), "tx", time.Unix(0, 0), 8)
	require.NoError(t, err)

	// (7*101.5 + 3*97) / 10
	requireDecimal(t, "100.15", m.Holding.AverageCost)
	requireDecimal(t, "1001.5", m.Holding.TotalCost)
	assert.Equal(t, int64(10), m.Holding.Quantity)
	requireDecimal(t, "-291", m.BalanceDelta)
	assert.True(t, m.Transaction.TotalAmount.Equal(m.Transaction.Price.Mul(decimal.NewFromInt(m.Transaction.Quantity))))
}

func TestPlanTrade_AverageDoesNotDriftOverManyBuys(t *testing.T) {
	prices := []int64{100, 101, 103, 107, 109, 113, 127}
	snap := ledger.Snapshot{Account: model.Account{Balance: decimal.NewFromInt(1000000000)}}
	spent := decimal.Zero
	var held int64

	for i := 0; i < 5000; i++ {
		qty := int64(i%7 + 1)
		order := ValidatedOrder{Instrument: model.Instrument{Symbol: "GOTO"}, Side: types.TradeSideBuy, Quantity: qty}
		price := decimal.NewFromInt(prices[i%len(prices)])
		m, err := planTrade(snap, order, price, fmt.Sprint(i), time.Unix(0, 0), 4)
		require.NoError(t, err)
		snap.Account.Balance = snap.Account.Balance.Add(m.BalanceDelta)
		snap.Holding = m.Holding
		spent = spent.Add(price.Mul(decimal.NewFromInt(qty)))
		held += qty
	}

	requireDecimal(t, spent.String(), snap.Holding.TotalCost)
	requireDecimal(t, spent.DivRound(decimal.NewFromInt(held), 4).String(), snap.Holding.AverageCost)
	requireDecimal(t, spent.String(), snap.Holding.CostBasis())
}

func TestPlanTrade_SellKeepsAverageAndShrinksCost(t *testing.T) {
	order := ValidatedOrder{Instrument: model.Instrument{Symbol: "BBCA"}, Side: types.TradeSideSell, Quantity: 1}
	snap := ledger.Snapshot{
		Account: model.Account{Balance: decimal.Zero},
		Holding: &model.Holding{Quantity: 3, AverageCost: decimal.RequireFromString("33.3333"), TotalCost: decimal.NewFromInt(100)},
	}

	m, err := planTrade(snap, order, decimal.NewFromInt(40), "tx", time.Unix(0, 0), 4)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Holding.Quantity)
	requireDecimal(t, "33.3333", m.Holding.AverageCost)
	requireDecimal(t, "66.6666666666666667", m.Holding.TotalCost)
	requireDecimal(t, "40", m.BalanceDelta)
}
