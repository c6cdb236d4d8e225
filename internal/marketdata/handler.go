package marketdata

import (
	"net/http"
	"strings"
	"time"

	"papertrade/internal/httputil"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	source Source
	bus    *Bus
	log    *zap.Logger
}

func NewHandler(source Source, bus *Bus, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{source: source, bus: bus, log: log}
}

type instrumentView struct {
	model.Instrument
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
}

func viewOf(ins model.Instrument) instrumentView {
	return instrumentView{Instrument: ins, Change: ins.Change(), ChangePercent: ins.ChangePercent()}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.source.List(r.Context())
	if err != nil {
		h.log.Error("list instruments failed", zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to list instruments"})
		return
	}
	sector := strings.TrimSpace(r.URL.Query().Get("sector"))
	out := make([]instrumentView, 0, len(list))
	for _, ins := range list {
		if sector != "" && !strings.EqualFold(ins.Sector, sector) {
			continue
		}
		out = append(out, viewOf(ins))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"instruments": out, "count": len(out)})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	ins, err := h.source.InstrumentBySymbol(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, ErrUnknownInstrument) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "instrument not found", Kind: string(types.ErrorKindUnknownInstrument)})
			return
		}
		h.log.Error("get instrument failed", zap.String("symbol", symbol), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load instrument"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, viewOf(ins))
}

type quoteRequest struct {
	Symbol        string `json:"symbol"`
	CurrentPrice  string `json:"current_price"`
	PreviousClose string `json:"previous_close"`
}

type ingestRequest struct {
	Quotes []quoteRequest `json:"quotes"`
}

type ingestResult struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error,omitempty"`
}

// IngestQuotes takes prices pushed by the external fetcher. Each quote is
// applied on its own; one bad entry does not block the rest.
func (h *Handler) IngestQuotes(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	if len(req.Quotes) == 0 {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "quotes are required"})
		return
	}
	results := make([]ingestResult, 0, len(req.Quotes))
	updated := 0
	for _, q := range req.Quotes {
		u, err := parseQuote(q)
		if err == nil {
			var ins model.Instrument
			ins, err = h.source.UpdateQuote(r.Context(), u)
			if err == nil {
				updated++
				if h.bus != nil {
					h.bus.Publish(Event{Type: types.EventTypeQuote, Data: viewOf(ins)})
				}
			}
		}
		res := ingestResult{Symbol: u.Symbol}
		if err != nil {
			res.Error = err.Error()
			h.log.Warn("quote rejected", zap.String("symbol", q.Symbol), zap.Error(err))
		}
		results = append(results, res)
	}
	status := http.StatusOK
	if updated == 0 {
		status = http.StatusUnprocessableEntity
	}
	httputil.WriteJSON(w, status, map[string]any{
		"updated":     updated,
		"results":     results,
		"received_at": time.Now().UTC(),
	})
}

func parseQuote(q quoteRequest) (QuoteUpdate, error) {
	u := QuoteUpdate{Symbol: strings.ToUpper(strings.TrimSpace(q.Symbol))}
	price, err := decimal.NewFromString(strings.TrimSpace(q.CurrentPrice))
	if err != nil {
		return u, errors.Errorf("invalid current_price %q", q.CurrentPrice)
	}
	u.CurrentPrice = price
	if s := strings.TrimSpace(q.PreviousClose); s != "" {
		prev, err := decimal.NewFromString(s)
		if err != nil {
			return u, errors.Errorf("invalid previous_close %q", q.PreviousClose)
		}
		u.PreviousClose = &prev
	}
	return u, nil
}
