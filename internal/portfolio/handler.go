package portfolio

import (
	"net/http"

	"papertrade/internal/httputil"
	"papertrade/internal/ledger"
	"papertrade/internal/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Handler struct {
	svc *Service
	log *zap.Logger
}

func NewHandler(svc *Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request, accountID string) {
	p, err := h.svc.Portfolio(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "account not found", Kind: string(types.ErrorKindAccountNotFound)})
			return
		}
		h.log.Error("portfolio failed", zap.String("account_id", accountID), zap.Error(err))
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to load portfolio", Kind: string(types.ErrorKindStorageFailure)})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}
