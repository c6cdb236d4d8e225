package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"papertrade/internal/types"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindErr struct {
	kind types.ErrorKind
}

func (e kindErr) Error() string { return "driver exploded: password=secret" }
func (e kindErr) ErrorKind() types.ErrorKind { return e.kind }
func (e kindErr) Fields() map[string]string { return map[string]string{"symbol": "BBCA"} }
func (e kindErr) PublicMessage() string { return "public" }

func TestStatusForKind(t *testing.T) {
	tests := []struct {
		kind types.ErrorKind
		want int
	}{
		{types.ErrorKindInvalidQuantity, http.StatusBadRequest},
		{types.ErrorKindInvalidSide, http.StatusBadRequest},
		{types.ErrorKindInsufficientFunds, http.StatusBadRequest},
		{types.ErrorKindInsufficientShares, http.StatusBadRequest},
		{types.ErrorKindUnknownInstrument, http.StatusNotFound},
		{types.ErrorKindAccountNotFound, http.StatusNotFound},
		{types.ErrorKindConflict, http.StatusConflict},
		{types.ErrorKindPriceUnavailable, http.StatusServiceUnavailable},
		{types.ErrorKindStorageFailure, http.StatusInternalServerError},
		{types.ErrorKindCancelled, http.StatusRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForKind(tt.kind))
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Run("typed error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.Wrap(kindErr{kind: types.ErrorKindUnknownInstrument}, "validate"))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "public", body.Error)
		assert.Equal(t, "UnknownInstrument", body.Kind)
		assert.Equal(t, "BBCA", body.Details["symbol"])
	})

	t.Run("untyped error is opaque", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("pq: password=secret"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret")
	})
}
