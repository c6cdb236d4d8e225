package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(i int) model.Transaction {
	return model.Transaction{
		ID:          fmt.Sprintf("tx-%d", i),
		AccountID:   "acc-1",
		Symbol:      "TLKM",
		Side:        types.TradeSideBuy,
		Quantity:    int64(i + 1),
		Price:       decimal.RequireFromString("3500.5"),
		TotalAmount: decimal.RequireFromString("3500.5").Mul(decimal.NewFromInt(int64(i + 1))),
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestJournal_WriteAndReplay(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, j.TradeExecuted(ctx, trade(i)))
	}
	require.NoError(t, j.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	var got []model.Transaction
	require.NoError(t, reopened.Replay(func(tx model.Transaction) error {
		got = append(got, tx)
		return nil
	}))
	require.Len(t, got, 3)
	for i, tx := range got {
		assert.Equal(t, fmt.Sprintf("tx-%d", i), tx.ID)
		assert.True(t, tx.TotalAmount.Equal(trade(i).TotalAmount))
	}
}

func TestJournal_ReplayStopsOnError(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.TradeExecuted(ctx, trade(0)))
	require.NoError(t, j.TradeExecuted(ctx, trade(1)))

	stop := errors.New("stop")
	calls := 0
	err = j.Replay(func(model.Transaction) error {
		calls++
		return stop
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 1, calls)
}
