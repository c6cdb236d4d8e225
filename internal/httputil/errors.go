package httputil

import (
	"net/http"

	"papertrade/internal/types"

	"github.com/pkg/errors"
)

type kinded interface {
	ErrorKind() types.ErrorKind
}

type detailed interface {
	Fields() map[string]string
}

func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorKindInvalidQuantity, types.ErrorKindInvalidSide,
		types.ErrorKindInsufficientFunds, types.ErrorKindInsufficientShares:
		return http.StatusBadRequest
	case types.ErrorKindUnknownInstrument, types.ErrorKindAccountNotFound:
		return http.StatusNotFound
	case types.ErrorKindConflict:
		return http.StatusConflict
	case types.ErrorKindPriceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrorKindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError maps a typed error to its status and body. Errors without a
// kind become an opaque 500 so driver messages never leak to clients.
func WriteError(w http.ResponseWriter, err error) {
	var k kinded
	if !errors.As(err, &k) {
		WriteJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Kind: string(types.ErrorKindStorageFailure)})
		return
	}
	kind := k.ErrorKind()
	resp := ErrorResponse{Kind: string(kind), Error: messageOf(err, kind)}
	var d detailed
	if errors.As(err, &d) {
		resp.Details = d.Fields()
	}
	WriteJSON(w, StatusForKind(kind), resp)
}

type messaged interface {
	PublicMessage() string
}

func messageOf(err error, kind types.ErrorKind) string {
	var m messaged
	if errors.As(err, &m) {
		return m.PublicMessage()
	}
	return string(kind)
}
