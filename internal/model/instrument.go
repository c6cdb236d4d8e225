package model

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type Instrument struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"company_name"`
	Sector        string          `json:"sector"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Quote is what a price source hands out at trade time.
type Quote struct {
	Symbol        string          `json:"symbol"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
}

func (i Instrument) Quote() Quote {
	return Quote{Symbol: i.Symbol, CurrentPrice: i.CurrentPrice, PreviousClose: i.PreviousClose}
}

func (i Instrument) Change() decimal.Decimal {
	return i.CurrentPrice.Sub(i.PreviousClose)
}

// ChangePercent is zero when there is no previous close to compare with.
func (i Instrument) ChangePercent() decimal.Decimal {
	if !i.PreviousClose.IsPositive() {
		return decimal.Zero
	}
	return i.Change().Div(i.PreviousClose).Mul(hundred).Round(2)
}
