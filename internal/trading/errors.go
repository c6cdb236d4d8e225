package trading

import (
	"fmt"

	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Error is the error type every rejected or failed order surfaces as.
// Callers branch on Kind; Details carries the numbers behind a rejection.
type Error struct {
	Kind    types.ErrorKind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) ErrorKind() types.ErrorKind {
	return e.Kind
}

// PublicMessage is the text safe to show to a client; the wrapped cause
// is left out.
func (e *Error) PublicMessage() string {
	return e.Message
}

func (e *Error) Fields() map[string]string {
	return e.Details
}

// Retryable reports whether running the same order again may succeed
// without the caller changing anything.
func (e *Error) Retryable() bool {
	return e.Kind == types.ErrorKindPriceUnavailable || e.Kind == types.ErrorKindConflict
}

func newError(kind types.ErrorKind, msg string, details map[string]string) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

func InvalidQuantity(raw string) *Error {
	return newError(types.ErrorKindInvalidQuantity, "quantity must be a positive whole number", map[string]string{"quantity": raw})
}

func InvalidSide(raw string) *Error {
	return newError(types.ErrorKindInvalidSide, "side must be BUY or SELL", map[string]string{"side": raw})
}

func UnknownInstrument(symbol string) *Error {
	return newError(types.ErrorKindUnknownInstrument, "instrument not found", map[string]string{"symbol": symbol})
}

func InsufficientFunds(required, available decimal.Decimal) *Error {
	return newError(types.ErrorKindInsufficientFunds, "insufficient balance", map[string]string{
		"required":  required.String(),
		"available": available.String(),
		"shortfall": required.Sub(available).String(),
	})
}

func InsufficientShares(symbol string, requested, held int64) *Error {
	return newError(types.ErrorKindInsufficientShares, "insufficient shares", map[string]string{
		"symbol":    symbol,
		"requested": fmt.Sprint(requested),
		"held":      fmt.Sprint(held),
	})
}

func PriceUnavailable(symbol string, err error) *Error {
	e := newError(types.ErrorKindPriceUnavailable, "price unavailable", map[string]string{"symbol": symbol})
	e.Err = err
	return e
}

func Conflict(err error) *Error {
	e := newError(types.ErrorKindConflict, "concurrent update, retry the order", nil)
	e.Err = err
	return e
}

func StorageFailure(err error) *Error {
	e := newError(types.ErrorKindStorageFailure, "trade could not be recorded", nil)
	e.Err = err
	return e
}

// Cancelled reports that the caller gave up before the order was
// committed. Nothing was written.
func Cancelled(err error) *Error {
	e := newError(types.ErrorKindCancelled, "request cancelled before the order was recorded", nil)
	e.Err = err
	return e
}

func AccountNotFound(accountID string) *Error {
	return newError(types.ErrorKindAccountNotFound, "account not found", map[string]string{"account_id": accountID})
}

// KindOf returns the kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) types.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
