package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"papertrade/internal/httputil"
	"papertrade/internal/ledger"
	"papertrade/internal/model"
	"papertrade/internal/trading"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type executor interface {
	Execute(ctx context.Context, accountID string, req trading.OrderRequest) (ledger.Result, error)
}

type Handler struct {
	exec           executor
	store          ledger.Store
	defaultBalance decimal.Decimal
	log            *zap.Logger
}

func NewHandler(exec executor, store ledger.Store, defaultBalance decimal.Decimal, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{exec: exec, store: store, defaultBalance: defaultBalance, log: log}
}

// placeOrderRequest accepts "type" as an older spelling of "side".
type placeOrderRequest struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Quantity  json.RawMessage `json:"quantity"`
	ClientRef string          `json:"client_ref"`
}

type tradeResponse struct {
	TransactionID string          `json:"transaction_id"`
	Symbol        string          `json:"symbol"`
	Side          types.TradeSide `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Timestamp     time.Time       `json:"timestamp"`
	Replayed      bool            `json:"replayed,omitempty"`
}

// rawQuantity keeps the number exactly as sent. A quoted value is unquoted
// so "10" and 10 are treated alike.
func rawQuantity(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return string(raw)
		}
		return s
	}
	return string(raw)
}

func (h *Handler) Place(w http.ResponseWriter, r *http.Request, accountID string) {
	var req placeOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	side := req.Side
	if strings.TrimSpace(side) == "" {
		side = req.Type
	}
	clientRef := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if clientRef == "" {
		clientRef = req.ClientRef
	}
	res, err := h.exec.Execute(r.Context(), accountID, trading.OrderRequest{
		Symbol:    req.Symbol,
		Side:      side,
		Quantity:  rawQuantity(req.Quantity),
		ClientRef: clientRef,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tx := res.Transaction
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, tradeResponse{
		TransactionID: tx.ID,
		Symbol:        tx.Symbol,
		Side:          tx.Side,
		Quantity:      tx.Quantity,
		Price:         tx.Price,
		TotalAmount:   tx.TotalAmount,
		Timestamp:     tx.CreatedAt,
		Replayed:      res.Replayed,
	})
}

type pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request, accountID string) {
	q := r.URL.Query()
	filter := ledger.TransactionFilter{
		Limit:  ledger.DefaultTransactionLimit,
		Offset: 0,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid limit"})
			return
		}
		filter.Limit = min(n, ledger.MaxTransactionLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid offset"})
			return
		}
		filter.Offset = n
	}
	rawSide := q.Get("side")
	if rawSide == "" {
		rawSide = q.Get("type")
	}
	if rawSide != "" {
		side, ok := types.ParseTradeSide(rawSide)
		if !ok {
			httputil.WriteError(w, trading.InvalidSide(rawSide))
			return
		}
		filter.Side = side
	}
	txs, err := h.store.Transactions(r.Context(), accountID, filter)
	if err != nil {
		h.writeStoreError(w, err, accountID)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"transactions": txs,
		"pagination":   pagination{Limit: filter.Limit, Offset: filter.Offset, Count: len(txs)},
	})
}

func (h *Handler) Account(w http.ResponseWriter, r *http.Request, accountID string) {
	acc, err := h.store.Account(r.Context(), accountID)
	if err != nil {
		h.writeStoreError(w, err, accountID)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acc)
}

type createAccountRequest struct {
	AccountID      string `json:"account_id"`
	InitialBalance string `json:"initial_balance"`
}

// CreateAccount is called by the registration service when a user signs
// up. Calling it again for the same id returns the existing account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "account_id is required"})
		return
	}
	balance := h.defaultBalance
	if s := strings.TrimSpace(req.InitialBalance); s != "" {
		b, err := decimal.NewFromString(s)
		if err != nil || b.IsNegative() {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid initial_balance"})
			return
		}
		balance = b
	}
	acc, err := h.store.CreateAccount(r.Context(), accountID, balance)
	if errors.Is(err, ledger.ErrAccountExists) {
		httputil.WriteJSON(w, http.StatusOK, acc)
		return
	}
	if err != nil {
		h.log.Error("create account failed", zap.String("account_id", accountID), zap.Error(err))
		httputil.WriteError(w, trading.StorageFailure(err))
		return
	}
	h.log.Info("account created", zap.String("account_id", accountID), zap.String("balance", balance.String()))
	httputil.WriteJSON(w, http.StatusCreated, acc)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error, accountID string) {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		httputil.WriteError(w, trading.AccountNotFound(accountID))
		return
	}
	h.log.Error("ledger read failed", zap.String("account_id", accountID), zap.Error(err))
	httputil.WriteError(w, trading.StorageFailure(err))
}
