package portfolio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"papertrade/internal/ledger"
	"papertrade/internal/marketdata"
	"papertrade/internal/model"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Portfolio is an account's cash plus its valued holdings.
type Portfolio struct {
	AccountID      string          `json:"account_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	TotalEquity    decimal.Decimal `json:"total_equity"`
	Currency       string          `json:"currency"`
	Display        Display         `json:"display"`
	AsOf           time.Time       `json:"as_of"`
	Projection
}

type Display struct {
	CashBalance        string `json:"cash_balance"`
	TotalValue         string `json:"total_value"`
	TotalEquity        string `json:"total_equity"`
	TotalUnrealizedPnL string `json:"total_unrealized_pnl"`
}

type cached struct {
	gen uint64
	p   Portfolio
}

// Service builds portfolios and keeps them for a short TTL. A committed
// trade invalidates the account's entry, so the cache never serves a view
// older than the last trade.
type Service struct {
	store    ledger.Store
	source   marketdata.Source
	cache    *ristretto.Cache
	ttl      time.Duration
	currency string
	log      *zap.Logger
	gens     sync.Map
}

func NewService(store ledger.Store, source marketdata.Source, ttl time.Duration, currency string, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create portfolio cache")
	}
	return &Service{store: store, source: source, cache: c, ttl: ttl, currency: currency, log: log}, nil
}

func (s *Service) generation(accountID string) *atomic.Uint64 {
	g, _ := s.gens.LoadOrStore(accountID, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

func (s *Service) Portfolio(ctx context.Context, accountID string) (Portfolio, error) {
	gen := s.generation(accountID)
	current := gen.Load()
	if s.ttl > 0 {
		if v, ok := s.cache.Get(accountID); ok {
			if c, ok := v.(cached); ok && c.gen == current {
				return c.p, nil
			}
		}
	}

	acc, holdings, err := s.store.AccountHoldings(ctx, accountID)
	if err != nil {
		return Portfolio{}, err
	}

	quotes := make(map[string]model.Quote, len(holdings))
	meta := make(map[string]model.Instrument, len(holdings))
	for _, h := range holdings {
		if ins, err := s.source.InstrumentBySymbol(ctx, h.Symbol); err == nil {
			meta[h.Symbol] = ins
		}
		q, err := s.source.GetPrice(ctx, h.Symbol)
		if err != nil {
			s.log.Debug("holding left unpriced", zap.String("account_id", accountID), zap.String("symbol", h.Symbol), zap.Error(err))
			continue
		}
		quotes[h.Symbol] = q
	}

	proj := Project(holdings, quotes)
	for i := range proj.Positions {
		if ins, ok := meta[proj.Positions[i].Symbol]; ok {
			proj.Positions[i].CompanyName = ins.Name
			proj.Positions[i].Sector = ins.Sector
		}
	}
	equity := acc.Balance.Add(proj.Summary.TotalValue)
	p := Portfolio{
		AccountID:      accountID,
		CashBalance:    acc.Balance,
		InitialBalance: acc.InitialBalance,
		TotalEquity:    equity,
		Currency:       s.currency,
		AsOf:           time.Now().UTC(),
		Projection:     proj,
		Display: Display{
			CashBalance:        FormatMoney(acc.Balance, s.currency),
			TotalValue:         FormatMoney(proj.Summary.TotalValue, s.currency),
			TotalEquity:        FormatMoney(equity, s.currency),
			TotalUnrealizedPnL: FormatMoney(proj.Summary.TotalUnrealizedPnL, s.currency),
		},
	}
	if s.ttl > 0 {
		s.cache.SetWithTTL(accountID, cached{gen: current, p: p}, 1, s.ttl)
	}
	return p, nil
}

// Invalidate drops the cached portfolio of accountID. An entry computed
// before the call can no longer be served even if it lands later.
func (s *Service) Invalidate(accountID string) {
	s.generation(accountID).Add(1)
	s.cache.Del(accountID)
}

// TradeExecuted lets the service sit in the executor's sink chain.
func (s *Service) TradeExecuted(_ context.Context, tx model.Transaction) error {
	s.Invalidate(tx.AccountID)
	return nil
}

func (s *Service) Close() {
	s.cache.Close()
}
