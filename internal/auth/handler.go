package auth

import (
	"net/http"
	"strings"

	"papertrade/internal/httputil"
)

type Handler struct {
	tokens *Tokens
}

func NewHandler(tokens *Tokens) *Handler {
	return &Handler{tokens: tokens}
}

type issueRequest struct {
	AccountID string `json:"account_id"`
}

// Issue signs an access token for an account. It sits behind the internal
// token; end users get theirs from the registration service.
func (h *Handler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid request"})
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "account_id is required"})
		return
	}
	token, err := h.tokens.Sign(accountID)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "failed to sign token"})
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"account_id": accountID, "access_token": token})
}
