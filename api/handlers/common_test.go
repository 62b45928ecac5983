package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/testutil"
	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 🧪 Common 函数测试
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrSettingsValidation, http.StatusBadRequest},
		{types.ErrIncompatibleSchema, http.StatusBadRequest},
		{types.ErrUnknownTask, http.StatusNotFound},
		{types.ErrCohortResolution, http.StatusUnprocessableEntity},
		{types.ErrInsufficientContributors, http.StatusUnprocessableEntity},
		{types.ErrDuplicateContribution, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrTransport, http.StatusBadGateway},
		{types.ErrOrganizationTimeout, http.StatusGatewayTimeout},
		{types.ErrCancelled, http.StatusServiceUnavailable},
		{types.ErrInternalError, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.code))
		})
	}
}

func TestWriteFailure_RoundTripsThroughCodec(t *testing.T) {
	w := httptest.NewRecorder()
	WriteFailure(w, types.NewError(types.ErrCohortResolution, "concept table missing"), zap.NewNop())

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	err := codec.DecodeFailure(w.Body.Bytes())
	testutil.AssertErrorCode(t, err, types.ErrCohortResolution)
	assert.ErrorContains(t, err, "concept table missing")
}

func TestWriteFailure_UnstructuredErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteFailure(w, errors.New("boom"), nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	testutil.AssertErrorCode(t, codec.DecodeFailure(w.Body.Bytes()), types.ErrInternalError)
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.JSONEq(t, `{"message":"hello"}`, w.Body.String())
}

func TestReadBody(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
		body, ok := ReadBody(w, r, 64, nil)
		require.True(t, ok)
		assert.Equal(t, `{"a":1}`, string(body))
	})

	t.Run("too large", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 100)))
		_, ok := ReadBody(w, r, 10, nil)
		assert.False(t, ok)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		testutil.AssertErrorCode(t, codec.DecodeFailure(w.Body.Bytes()), types.ErrInvalidRequest)
	})

	t.Run("empty", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		_, ok := ReadBody(w, r, 0, nil)
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestResponseWriter_CapturesStatusAndBytes(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	assert.Same(t, rw, NewResponseWriter(rw), "wrapping twice reuses the writer")

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusTeapot)
	_, _ = rw.Write([]byte("hello"))

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, int64(5), rw.BytesWritten)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
