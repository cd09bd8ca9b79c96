package serviceerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usagipass/gateway/internal/serviceerr"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name        string
		err         *serviceerr.Error
		expectedMsg string
	}{
		{
			name:        "Error with description",
			err:         &serviceerr.Error{Err: serviceerr.CodeNotFound, Description: "resource not found"},
			expectedMsg: "not_found: resource not found",
		},
		{
			name:        "Error without description",
			err:         &serviceerr.Error{Err: serviceerr.CodeInvalidRequest},
			expectedMsg: "invalid_request",
		},
		{
			name:        "Predefined error - ErrUnknown",
			err:         serviceerr.ErrUnknown,
			expectedMsg: "unknown: unknown error",
		},
		{
			name:        "Predefined error - ErrUpstreamUnavailable",
			err:         serviceerr.ErrUpstreamUnavailable,
			expectedMsg: "upstream_unavailable: upstream unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedMsg, tt.err.Error())
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	tests := []struct {
		code               serviceerr.Code
		expectedHTTPStatus int
	}{
		{serviceerr.CodeInvalidRequest, http.StatusBadRequest},
		{serviceerr.CodeUnauthenticated, http.StatusUnauthorized},
		{serviceerr.CodeAccessDenied, http.StatusForbidden},
		{serviceerr.CodeFingerprintMismatch, http.StatusForbidden},
		{serviceerr.CodeNotFound, http.StatusNotFound},
		{serviceerr.CodeConflict, http.StatusConflict},
		{serviceerr.CodeTooManyRequests, http.StatusTooManyRequests},
		{serviceerr.CodeBadGateway, http.StatusBadGateway},
		{serviceerr.CodeUpstreamUnavailable, http.StatusBadGateway},
		{serviceerr.CodeGatewayTimeout, http.StatusGatewayTimeout},
		{serviceerr.CodeTemporarilyUnavailable, http.StatusServiceUnavailable},
		{serviceerr.CodeServerError, http.StatusInternalServerError},
		{serviceerr.CodeUnknown, http.StatusInternalServerError},
		{serviceerr.Code("unknown_code"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := serviceerr.Error{Err: tt.code}
			assert.Equal(t, tt.expectedHTTPStatus, err.HTTPStatus())
		})
	}
}

func TestFrom(t *testing.T) {
	wrapped := fmt.Errorf("refreshing: %w", serviceerr.ErrUnauthenticated)
	assert.Same(t, serviceerr.ErrUnauthenticated, serviceerr.From(wrapped))
	assert.True(t, errors.Is(wrapped, serviceerr.ErrUnauthenticated))

	assert.Same(t, serviceerr.ErrUnknown, serviceerr.From(errors.New("boom")))
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	serviceerr.WriteJSON(rec, fmt.Errorf("wrap: %w", serviceerr.ErrGatewayTimeout))

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"gateway_timeout","error_description":"upstream timed out"}`, rec.Body.String())
}
