package serviceerr

import (
	"encoding/json"
	"errors"
	"net/http"
)

type Code string

const (
	CodeInvalidRequest         Code = "invalid_request"
	CodeUnauthenticated        Code = "unauthenticated"
	CodeAccessDenied           Code = "access_denied"
	CodeNotFound               Code = "not_found"
	CodeConflict               Code = "conflict"
	CodeFingerprintMismatch    Code = "fingerprint_mismatch"
	CodeTooManyRequests        Code = "too_many_requests"
	CodeBadGateway             Code = "bad_gateway"
	CodeUpstreamUnavailable    Code = "upstream_unavailable"
	CodeGatewayTimeout         Code = "gateway_timeout"
	CodeTemporarilyUnavailable Code = "temporarily_unavailable"
	CodeServerError            Code = "server_error"
	CodeUnknown                Code = "unknown"
)

var (
	ErrInvalidRequest         = &Error{Err: CodeInvalidRequest}
	ErrUnauthenticated        = &Error{Err: CodeUnauthenticated, Description: "session expired, please log in again"}
	ErrAccessDenied           = &Error{Err: CodeAccessDenied}
	ErrNotFound               = &Error{Err: CodeNotFound, Description: "not found"}
	ErrConflict               = &Error{Err: CodeConflict, Description: "already exists"}
	ErrFingerprintMismatch    = &Error{Err: CodeFingerprintMismatch, Description: "fingerprint mismatch"}
	ErrTooManyRequests        = &Error{Err: CodeTooManyRequests}
	ErrBadGateway             = &Error{Err: CodeBadGateway, Description: "upstream returned an unexpected response"}
	ErrUpstreamUnavailable    = &Error{Err: CodeUpstreamUnavailable, Description: "upstream unreachable"}
	ErrGatewayTimeout         = &Error{Err: CodeGatewayTimeout, Description: "upstream timed out"}
	ErrTemporarilyUnavailable = &Error{Err: CodeTemporarilyUnavailable}
	ErrServerError            = &Error{Err: CodeServerError}
	ErrUnknown                = &Error{Err: CodeUnknown, Description: "unknown error"}
)

// Error is the error model returned to API clients.
type Error struct {
	Err         Code   `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Err)
	}

	return string(e.Err) + ": " + e.Description
}

func (e *Error) HTTPStatus() int {
	switch e.Err {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessDenied, CodeFingerprintMismatch:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeBadGateway, CodeUpstreamUnavailable:
		return http.StatusBadGateway
	case CodeGatewayTimeout:
		return http.StatusGatewayTimeout
	case CodeTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// From returns the *Error found in the chain of err, or ErrUnknown.
func From(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	return ErrUnknown
}

// WriteJSON writes err as a JSON body with the status code mapped from it.
func WriteJSON(w http.ResponseWriter, err error) {
	se := From(err)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(se.HTTPStatus())
	_ = json.NewEncoder(w).Encode(se)
}
