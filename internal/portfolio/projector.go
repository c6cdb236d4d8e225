package portfolio

import (
	"papertrade/internal/model"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position is one holding valued at the current price.
type Position struct {
	Symbol               string          `json:"symbol"`
	CompanyName          string          `json:"company_name,omitempty"`
	Sector               string          `json:"sector,omitempty"`
	Quantity             int64           `json:"quantity"`
	AverageCost          decimal.Decimal `json:"average_price"`
	CurrentPrice         decimal.Decimal `json:"current_price"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	CostBasis            decimal.Decimal `json:"total_cost"`
	UnrealizedPnL        decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	PriceUnavailable     bool            `json:"price_unavailable,omitempty"`
}

// Summary aggregates the priced positions. Cost of positions without a
// price is reported apart in UnpricedCost so totals stay comparable.
type Summary struct {
	TotalValue                decimal.Decimal `json:"total_value"`
	TotalCost                 decimal.Decimal `json:"total_cost"`
	TotalUnrealizedPnL        decimal.Decimal `json:"total_unrealized_pnl"`
	TotalUnrealizedPnLPercent decimal.Decimal `json:"total_unrealized_pnl_percent"`
	UnpricedCost              decimal.Decimal `json:"unpriced_cost"`
	HoldingsCount             int             `json:"holdings_count"`
}

type Projection struct {
	Positions []Position `json:"holdings"`
	Summary   Summary    `json:"summary"`
}

// Project values holdings at quotes keyed by symbol. It is pure; a holding
// whose symbol has no quote is flagged and left out of value totals.
func Project(holdings []model.Holding, quotes map[string]model.Quote) Projection {
	p := Projection{Positions: make([]Position, 0, len(holdings))}
	s := &p.Summary
	s.TotalValue, s.TotalCost, s.UnpricedCost = decimal.Zero, decimal.Zero, decimal.Zero
	for _, h := range holdings {
		cost := h.CostBasis()
		pos := Position{
			Symbol:      h.Symbol,
			Quantity:    h.Quantity,
			AverageCost: h.AverageCost,
			CostBasis:   cost,
		}
		q, ok := quotes[h.Symbol]
		if !ok || !q.CurrentPrice.IsPositive() {
			pos.PriceUnavailable = true
			s.UnpricedCost = s.UnpricedCost.Add(cost)
			p.Positions = append(p.Positions, pos)
			continue
		}
		pos.CurrentPrice = q.CurrentPrice
		pos.CurrentValue = q.CurrentPrice.Mul(decimal.NewFromInt(h.Quantity))
		pos.UnrealizedPnL = pos.CurrentValue.Sub(cost)
		pos.UnrealizedPnLPercent = percentOf(pos.UnrealizedPnL, cost)
		s.TotalValue = s.TotalValue.Add(pos.CurrentValue)
		s.TotalCost = s.TotalCost.Add(cost)
		p.Positions = append(p.Positions, pos)
	}
	s.TotalUnrealizedPnL = s.TotalValue.Sub(s.TotalCost)
	s.TotalUnrealizedPnLPercent = percentOf(s.TotalUnrealizedPnL, s.TotalCost)
	s.HoldingsCount = len(p.Positions)
	return p
}

func percentOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
