package marketdata

import (
	"context"
	"time"

	"papertrade/internal/model"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrPriceUnavailable  = errors.New("price unavailable")
)

// Source is the instrument catalog and price source the engine trades
// against. Store backs it with Postgres, Catalog with process memory.
type Source interface {
	InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error)
	GetPrice(ctx context.Context, symbol string) (model.Quote, error)
	List(ctx context.Context) ([]model.Instrument, error)
	UpdateQuote(ctx context.Context, u QuoteUpdate) (model.Instrument, error)
}

// QuoteUpdate is a price pushed by the external fetcher. A nil
// PreviousClose keeps the stored one.
type QuoteUpdate struct {
	Symbol        string           `json:"symbol"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	PreviousClose *decimal.Decimal `json:"previous_close,omitempty"`
}

func (u QuoteUpdate) validate() error {
	if u.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !u.CurrentPrice.IsPositive() {
		return errors.Errorf("current price for %s must be positive", u.Symbol)
	}
	if u.PreviousClose != nil && u.PreviousClose.IsNegative() {
		return errors.Errorf("previous close for %s must not be negative", u.Symbol)
	}
	return nil
}

// quoteOf turns a stored instrument into a tradable quote. A missing or
// non-positive price, or one older than maxAge when maxAge is set, is
// unavailable.
func quoteOf(ins model.Instrument, maxAge time.Duration, now time.Time) (model.Quote, error) {
	if !ins.CurrentPrice.IsPositive() {
		return model.Quote{}, errors.Wrapf(ErrPriceUnavailable, "%s has no price", ins.Symbol)
	}
	if maxAge > 0 && !ins.UpdatedAt.IsZero() && now.Sub(ins.UpdatedAt) > maxAge {
		return model.Quote{}, errors.Wrapf(ErrPriceUnavailable, "%s quote is stale since %s", ins.Symbol, ins.UpdatedAt.Format(time.RFC3339))
	}
	return ins.Quote(), nil
}
