package trading

import (
	"context"
	"strings"
	"testing"
	"time"

	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *marketdata.Catalog {
	return marketdata.NewCatalog([]model.Instrument{
		{ID: "ins-bbca", Symbol: "BBCA", Name: "Bank Central Asia", CurrentPrice: decimal.NewFromInt(8700), PreviousClose: decimal.NewFromInt(8600)},
		{ID: "ins-goto", Symbol: "GOTO", Name: "GoTo", CurrentPrice: decimal.NewFromInt(100)},
	}, 0)
}

func TestValidator_Validate(t *testing.T) {
	v := NewValidator(testCatalog())
	ctx := context.Background()

	t.Run("normalizes symbol and side", func(t *testing.T) {
		order, err := v.Validate(ctx, OrderRequest{Symbol: "  bbca ", Side: "buy", Quantity: "10", ClientRef: " ref "})
		require.NoError(t, err)
		assert.Equal(t, "BBCA", order.Instrument.Symbol)
		assert.Equal(t, "ins-bbca", order.Instrument.ID)
		assert.Equal(t, types.TradeSideBuy, order.Side)
		assert.Equal(t, int64(10), order.Quantity)
		assert.Equal(t, "ref", order.ClientRef)
	})

	tests := []struct {
		name string
		req  OrderRequest
		want types.ErrorKind
	}{
		{"empty symbol", OrderRequest{Symbol: " ", Side: "BUY", Quantity: "1"}, types.ErrorKindUnknownInstrument},
		{"unknown symbol wins over bad side", OrderRequest{Symbol: "XXXX", Side: "HOLD", Quantity: "0"}, types.ErrorKindUnknownInstrument},
		{"bad side wins over bad quantity", OrderRequest{Symbol: "BBCA", Side: "HOLD", Quantity: "0"}, types.ErrorKindInvalidSide},
		{"empty side", OrderRequest{Symbol: "BBCA", Quantity: "1"}, types.ErrorKindInvalidSide},
		{"zero", OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "0"}, types.ErrorKindInvalidQuantity},
		{"negative", OrderRequest{Symbol: "BBCA", Side: "SELL", Quantity: "-5"}, types.ErrorKindInvalidQuantity},
		{"fractional", OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "1.5"}, types.ErrorKindInvalidQuantity},
		{"not a number", OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "ten"}, types.ErrorKindInvalidQuantity},
		{"missing", OrderRequest{Symbol: "BBCA", Side: "BUY"}, types.ErrorKindInvalidQuantity},
		{"overflows int64", OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "9223372036854775808"}, types.ErrorKindInvalidQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestParseQuantity(t *testing.T) {
	for raw, want := range map[string]int64{"10": 10, " 7 ": 7, "10.0": 10, "1e2": 100} {
		got, err := ParseQuantity(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestParseQuantity_RejectsOversizedInput(t *testing.T) {
	inputs := []string{
		"1e20000000",
		"0e-20000000",
		"-1e20000000",
		"1e19",
		"1.0000000000000000000",
		strings.Repeat("9", 65),
		"1" + strings.Repeat("0", 100000),
	}
	for _, raw := range inputs {
		start := time.Now()
		_, err := ParseQuantity(raw)
		assert.Equal(t, types.ErrorKindInvalidQuantity, KindOf(err), raw[:min(len(raw), 16)])
		assert.Less(t, time.Since(start), 100*time.Millisecond, raw[:min(len(raw), 16)])
	}

	got, err := ParseQuantity("1e18")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000000000000000), got)
}

type catalogFunc func(ctx context.Context, symbol string) (model.Instrument, error)

func (f catalogFunc) InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error) {
	return f(ctx, symbol)
}

func TestValidator_LookupFailure(t *testing.T) {
	v := NewValidator(catalogFunc(func(ctx context.Context, symbol string) (model.Instrument, error) {
		if err := ctx.Err(); err != nil {
			return model.Instrument{}, err
		}
		return model.Instrument{}, errors.New("connection refused")
	}))
	req := OrderRequest{Symbol: "BBCA", Side: "BUY", Quantity: "1"}

	_, err := v.Validate(context.Background(), req)
	assert.Equal(t, types.ErrorKindStorageFailure, KindOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.Validate(ctx, req)
	assert.Equal(t, types.ErrorKindCancelled, KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}
