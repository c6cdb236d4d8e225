package marketdata

import (
	"context"
	"time"

	"papertrade/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Store struct {
	pool   *pgxpool.Pool
	maxAge time.Duration
}

func NewStore(pool *pgxpool.Pool, maxQuoteAge time.Duration) *Store {
	return &Store{pool: pool, maxAge: maxQuoteAge}
}

const instrumentColumns = "id, symbol, company_name, sector, current_price, previous_close, updated_at"

func scanInstrument(row pgx.Row) (model.Instrument, error) {
	var ins model.Instrument
	var current, prev decimal.NullDecimal
	if err := row.Scan(&ins.ID, &ins.Symbol, &ins.Name, &ins.Sector, &current, &prev, &ins.UpdatedAt); err != nil {
		return model.Instrument{}, err
	}
	ins.CurrentPrice = current.Decimal
	ins.PreviousClose = prev.Decimal
	return ins, nil
}

func (s *Store) InstrumentBySymbol(ctx context.Context, symbol string) (model.Instrument, error) {
	ins, err := scanInstrument(s.pool.QueryRow(ctx, "select "+instrumentColumns+" from instruments where symbol = $1", symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, errors.Wrap(ErrUnknownInstrument, symbol)
	}
	if err != nil {
		return model.Instrument{}, errors.Wrap(err, "select instrument")
	}
	return ins, nil
}

func (s *Store) GetPrice(ctx context.Context, symbol string) (model.Quote, error) {
	ins, err := s.InstrumentBySymbol(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrUnknownInstrument) {
			return model.Quote{}, err
		}
		return model.Quote{}, errors.Wrap(ErrPriceUnavailable, err.Error())
	}
	return quoteOf(ins, s.maxAge, time.Now().UTC())
}

func (s *Store) List(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, "select "+instrumentColumns+" from instruments order by symbol")
	if err != nil {
		return nil, errors.Wrap(err, "select instruments")
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		ins, err := scanInstrument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan instrument")
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}

func (s *Store) UpdateQuote(ctx context.Context, u QuoteUpdate) (model.Instrument, error) {
	if err := u.validate(); err != nil {
		return model.Instrument{}, err
	}
	ins, err := scanInstrument(s.pool.QueryRow(ctx, "update instruments set current_price = $2, previous_close = coalesce($3, previous_close), updated_at = $4 where symbol = $1 returning "+instrumentColumns, u.Symbol, u.CurrentPrice, u.PreviousClose, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, errors.Wrap(ErrUnknownInstrument, u.Symbol)
	}
	if err != nil {
		return model.Instrument{}, errors.Wrap(err, "update quote")
	}
	return ins, nil
}

// Seed inserts catalog instruments that are not listed yet. Prices of
// existing rows are left alone.
func (s *Store) Seed(ctx context.Context, instruments []model.Instrument) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin seed")
	}
	defer tx.Rollback(ctx)
	now := time.Now().UTC()
	for _, ins := range instruments {
		if _, err := tx.Exec(ctx, "insert into instruments (symbol, company_name, sector, current_price, previous_close, updated_at) values ($1, $2, $3, $4, $5, $6) on conflict (symbol) do nothing", ins.Symbol, ins.Name, ins.Sector, ins.CurrentPrice, ins.PreviousClose, now); err != nil {
			return errors.Wrapf(err, "seed %s", ins.Symbol)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit seed")
}
