package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID             string          `json:"id"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
