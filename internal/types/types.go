package types

import "strings"

type TradeSide string

type ErrorKind string

type EventType string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

const (
	ErrorKindInvalidQuantity    ErrorKind = "InvalidQuantity"
	ErrorKindInvalidSide        ErrorKind = "InvalidSide"
	ErrorKindUnknownInstrument  ErrorKind = "UnknownInstrument"
	ErrorKindInsufficientFunds  ErrorKind = "InsufficientFunds"
	ErrorKindInsufficientShares ErrorKind = "InsufficientShares"
	ErrorKindPriceUnavailable   ErrorKind = "PriceUnavailable"
	ErrorKindConflict           ErrorKind = "Conflict"
	ErrorKindStorageFailure     ErrorKind = "StorageFailure"
	ErrorKindAccountNotFound    ErrorKind = "AccountNotFound"
	ErrorKindCancelled          ErrorKind = "Cancelled"
)

const (
	EventTypeTradeExecuted EventType = "trade_executed"
	EventTypeQuote         EventType = "quote"
)

// ParseTradeSide accepts BUY/SELL in any case. The second return is false
// for anything else.
func ParseTradeSide(raw string) (TradeSide, bool) {
	side := TradeSide(strings.ToUpper(strings.TrimSpace(raw)))
	return side, side.Valid()
}

func (s TradeSide) Valid() bool {
	return s == TradeSideBuy || s == TradeSideSell
}
