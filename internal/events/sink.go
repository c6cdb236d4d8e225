package events

import (
	"context"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sink is told about every trade after it has been committed. An error
// from a sink never undoes the trade.
type Sink interface {
	TradeExecuted(ctx context.Context, tx model.Transaction) error
}

type SinkFunc func(ctx context.Context, tx model.Transaction) error

func (f SinkFunc) TradeExecuted(ctx context.Context, tx model.Transaction) error {
	return f(ctx, tx)
}

// TradeEvent is the wire shape of an executed trade, shared by the
// websocket stream and the Kafka topic.
type TradeEvent struct {
	Type          types.EventType `json:"type"`
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          types.TradeSide `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

func NewTradeEvent(tx model.Transaction) TradeEvent {
	return TradeEvent{
		Type:          types.EventTypeTradeExecuted,
		TransactionID: tx.ID,
		AccountID:     tx.AccountID,
		Symbol:        tx.Symbol,
		Side:          tx.Side,
		Quantity:      tx.Quantity,
		Price:         tx.Price,
		TotalAmount:   tx.TotalAmount,
		Timestamp:     tx.CreatedAt,
	}
}

// Fanout delivers to every sink in order. A failing sink is logged and
// does not stop the ones after it.
type Fanout struct {
	sinks []Sink
	log   *zap.Logger
}

func NewFanout(log *zap.Logger, sinks ...Sink) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fanout{log: log}
	for _, s := range sinks {
		f.Add(s)
	}
	return f
}

func (f *Fanout) Add(s Sink) {
	if s != nil {
		f.sinks = append(f.sinks, s)
	}
}

func (f *Fanout) TradeExecuted(ctx context.Context, tx model.Transaction) error {
	var errs error
	for _, s := range f.sinks {
		if err := s.TradeExecuted(ctx, tx); err != nil {
			f.log.Warn("trade sink failed",
				zap.String("transaction_id", tx.ID),
				zap.String("account_id", tx.AccountID),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
