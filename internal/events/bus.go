package events

import (
	"context"

	"papertrade/internal/marketdata"
	"papertrade/internal/model"
	"papertrade/internal/types"
)

// BusSink forwards trades to the in-process bus feeding the websocket
// stream.
type BusSink struct {
	bus *marketdata.Bus
}

func NewBusSink(bus *marketdata.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) TradeExecuted(_ context.Context, tx model.Transaction) error {
	s.bus.Publish(marketdata.Event{
		Type:      types.EventTypeTradeExecuted,
		AccountID: tx.AccountID,
		Data:      NewTradeEvent(tx),
	})
	return nil
}
