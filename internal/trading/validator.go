package trading

import (
	"context"
	"math"
	"strings"

	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OrderRequest is an order as it arrives from a client. Quantity stays raw
// text so that fractional or malformed values can be rejected precisely.
type OrderRequest struct {
	Symbol    string
	Side      string
	Quantity  string
	ClientRef string
}

type ValidatedOrder struct {
	Instrument model.Instrument
	Side       types.TradeSide
	Quantity   int64
	ClientRef  string
}

// InstrumentCatalog resolves a symbol to an instrument. It returns
// marketdata.ErrUnknownInstrument when the symbol is not listed.
type InstrumentCatalog interface {
	InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error)
}

type Validator struct {
	catalog InstrumentCatalog
}

func NewValidator(catalog InstrumentCatalog) *Validator {
	return &Validator{catalog: catalog}
}

var maxQuantity = decimal.NewFromInt(math.MaxInt64)

// Quantities are bounded before any arithmetic: decimal comparisons scale
// by 10^exponent, so "1e20000000" would otherwise cost seconds of CPU.
const (
	maxQuantityLen      = 64
	maxQuantityExponent = 18
)

// Validate checks symbol, then side, then quantity, and reports the first
// problem found. It has no side effects.
func (v *Validator) Validate(ctx context.Context, req OrderRequest) (ValidatedOrder, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return ValidatedOrder{}, UnknownInstrument(req.Symbol)
	}
	ins, err := v.catalog.InstrumentBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, marketdata.ErrUnknownInstrument) {
			return ValidatedOrder{}, UnknownInstrument(symbol)
		}
		if ctx.Err() != nil {
			return ValidatedOrder{}, Cancelled(ctx.Err())
		}
		return ValidatedOrder{}, StorageFailure(errors.Wrap(err, "lookup instrument"))
	}

	side, ok := types.ParseTradeSide(req.Side)
	if !ok {
		return ValidatedOrder{}, InvalidSide(req.Side)
	}

	qty, err := ParseQuantity(req.Quantity)
	if err != nil {
		return ValidatedOrder{}, err
	}

	return ValidatedOrder{
		Instrument: ins,
		Side:       side,
		Quantity:   qty,
		ClientRef:  strings.TrimSpace(req.ClientRef),
	}, nil
}

// ParseQuantity accepts a positive whole number of shares. "10", "10.0" and
// "1e1" are all ten; "10.5", "0", "-1" and "ten" are rejected.
func ParseQuantity(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > maxQuantityLen {
		return 0, InvalidQuantity(raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, InvalidQuantity(raw)
	}
	if exp := d.Exponent(); exp < -maxQuantityExponent || exp > maxQuantityExponent {
		return 0, InvalidQuantity(raw)
	}
	if !d.IsPositive() || !d.IsInteger() || d.GreaterThan(maxQuantity) {
		return 0, InvalidQuantity(raw)
	}
	return d.IntPart(), nil
}
