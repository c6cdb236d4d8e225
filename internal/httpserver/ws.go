package httpserver

import (
	"net/http"
	"strings"
	"time"

	"papertrade/internal/auth"
	"papertrade/internal/marketdata"
	"papertrade/internal/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// WSHandler streams quote updates to everyone and trade_executed events to
// the account that owns them.
type WSHandler struct {
	bus      *marketdata.Bus
	tokens   *auth.Tokens
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *marketdata.Bus, tokens *auth.Tokens, origin string, log *zap.Logger) *WSHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSHandler{
		bus:    bus,
		tokens: tokens,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	return reqOrigin == "" || strings.EqualFold(reqOrigin, origin)
}

// deliver reports whether evt belongs on a connection opened by accountID.
func deliver(evt marketdata.Event, accountID string) bool {
	switch evt.Type {
	case types.EventTypeQuote:
		return true
	case types.EventTypeTradeExecuted:
		return evt.AccountID == accountID
	default:
		return false
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// browsers cannot set headers on a websocket handshake
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	accountID, err := h.tokens.Parse(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if !deliver(evt, accountID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
