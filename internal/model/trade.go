package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// Holding is a non-empty position of one account in one instrument.
// A holding with zero quantity is never stored.
//
// TotalCost is the exact carried cost of the units held and is what later
// trades build on. AverageCost is TotalCost / Quantity rounded for display.
type Holding struct {
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AverageCost  decimal.Decimal `json:"average_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (h Holding) CostBasis() decimal.Decimal {
	return h.TotalCost
}

// Transaction records one executed order. Once written it is never changed.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Symbol       string          `json:"symbol"`
	Side         types.TradeSide `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	ClientRef    string          `json:"client_ref,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SignedAmount is the cash effect of the transaction on the account balance.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Side == types.TradeSideBuy {
		return t.TotalAmount.Neg()
	}
	return t.TotalAmount
}
