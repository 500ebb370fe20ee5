package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:          http.StatusBadRequest,
		CodeUnauthorized:        http.StatusUnauthorized,
		CodeForbidden:           http.StatusForbidden,
		CodeNotFound:            http.StatusNotFound,
		CodeInsufficientBalance: http.StatusPaymentRequired,
		CodeConflict:            http.StatusConflict,
		CodeExpired:             http.StatusGone,
		CodeRateLimited:         http.StatusTooManyRequests,
		CodeUpstreamUnavailable: http.StatusServiceUnavailable,
		CodeInternal:            http.StatusInternalServerError,
		Code("SOMETHING_NEW"):   http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, HTTPStatus(code), "code %s", code)
	}
}

func TestWriteHTTPBodyShape(t *testing.T) {
	rec := httptest.NewRecorder()
	err := New(CodeInsufficientBalance, "wallet cannot cover escrow").
		WithDetails(map[string]interface{}{"required": "1.025", "available": "0.5"})
	WriteHTTP(rec, err)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got struct {
		Error   bool                   `json:"error"`
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Error)
	assert.Equal(t, "INSUFFICIENT_BALANCE", got.Code)
	assert.Equal(t, "wallet cannot cover escrow", got.Message)
	assert.Equal(t, "1.025", got.Details["required"])
}

func TestWriteHTTPMasksUnknownErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, errors.New("pq: connection reset"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Contains(t, rec.Body.String(), "INTERNAL")
}

func TestCodeOfUnwrapsThroughWrapping(t *testing.T) {
	base := New(CodeConflict, "escrow already closed")
	wrapped := fmt.Errorf("release failed: %w", base)

	assert.Equal(t, CodeConflict, CodeOf(wrapped))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(CodeUpstreamUnavailable, "oracle unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UPSTREAM_UNAVAILABLE")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestRetryable(t *testing.T) {
	assert.True(t, New(CodeRateLimited, "slow down").Retryable())
	assert.True(t, New(CodeUpstreamUnavailable, "oracle down").Retryable())
	assert.False(t, New(CodeConflict, "nope").Retryable())
	assert.False(t, New(CodeValidation, "bad input").Retryable())
}
