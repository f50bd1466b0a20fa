package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Kind enumerates the members of the [Error] union.
type Kind uint8

const (
	KindNone Kind = iota
	KindValidation
	KindRateLimited
	KindSessionInvalid
	KindDeviceVerificationRequired
	KindCSRFMismatch
	KindNetwork
	KindServer
	KindRequest
)

var kindNames = [...]string{
	KindNone:                       "none",
	KindValidation:                 "validation",
	KindRateLimited:                "rate_limited",
	KindSessionInvalid:             "session_invalid",
	KindDeviceVerificationRequired: "device_verification_required",
	KindCSRFMismatch:               "csrf_mismatch",
	KindNetwork:                    "network",
	KindServer:                     "server",
	KindRequest:                    "request",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is implemented only by the error types of this package.
type Error interface {
	error
	Kind() Kind
	Status() int
	apiError()
}

// KindOf returns the union member kind of err, or KindNone when err is nil or
// not an api error.
func KindOf(err error) Kind {
	var e Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindNone
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return 0
}

// ValidationError is a 422 response with field-scoped messages.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string { return "api: validation failed: " + e.Message }
func (e *ValidationError) Kind() Kind    { return KindValidation }
func (e *ValidationError) Status() int   { return http.StatusUnprocessableEntity }
func (*ValidationError) apiError()       {}

// Field returns the first message for field, or "".
func (e *ValidationError) Field(field string) string {
	if msgs := e.Fields[field]; len(msgs) > 0 {
		return msgs[0]
	}
	return ""
}

// FieldNames returns the fields with messages in sorted order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for name, msgs := range e.Fields {
		if len(msgs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// RateLimitedError is a 429 response. AvailableAt is the resolved epoch second
// at which the action may be retried; Source tells which hint produced it.
type RateLimitedError struct {
	Message     string
	AvailableAt int64
	Source      HintSource
}

func (e *RateLimitedError) Error() string { return "api: rate limited: " + e.Message }
func (e *RateLimitedError) Kind() Kind    { return KindRateLimited }
func (e *RateLimitedError) Status() int   { return http.StatusTooManyRequests }
func (*RateLimitedError) apiError()       {}

// Remaining returns the time left until AvailableAt, never negative.
func (e *RateLimitedError) Remaining(now time.Time) time.Duration {
	d := time.Unix(e.AvailableAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// SessionInvalidError is a 401 response.
type SessionInvalidError struct {
	Message string
}

func (e *SessionInvalidError) Error() string { return "api: session invalid: " + e.Message }
func (e *SessionInvalidError) Kind() Kind    { return KindSessionInvalid }
func (e *SessionInvalidError) Status() int   { return http.StatusUnauthorized }
func (*SessionInvalidError) apiError()       {}

// DeviceVerificationRequiredError is the distinguished 403 "new device" signal.
type DeviceVerificationRequiredError struct {
	Message           string
	Fingerprint       string
	UserID            ID
	ResendAvailableAt int64
}

func (e *DeviceVerificationRequiredError) Error() string {
	return "api: device verification required: " + e.Message
}
func (e *DeviceVerificationRequiredError) Kind() Kind  { return KindDeviceVerificationRequired }
func (e *DeviceVerificationRequiredError) Status() int { return http.StatusForbidden }
func (*DeviceVerificationRequiredError) apiError()     {}

// CSRFMismatchError is a 419 response. The next state-changing request
// performs a fresh handshake.
type CSRFMismatchError struct {
	Message string
}

func (e *CSRFMismatchError) Error() string { return "api: csrf token mismatch: " + e.Message }
func (e *CSRFMismatchError) Kind() Kind    { return KindCSRFMismatch }
func (e *CSRFMismatchError) Status() int   { return 419 }
func (*CSRFMismatchError) apiError()       {}

// NetworkError is a transport failure; no HTTP status was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "api: network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }
func (e *NetworkError) Kind() Kind    { return KindNetwork }
func (e *NetworkError) Status() int   { return 0 }
func (*NetworkError) apiError()       {}

// ServerError is a 5xx response, or a 2xx whose body could not be decoded.
type ServerError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("api: server error %d: %s", e.StatusCode, e.Message)
}
func (e *ServerError) Unwrap() error { return e.Err }
func (e *ServerError) Kind() Kind    { return KindServer }
func (e *ServerError) Status() int   { return e.StatusCode }
func (*ServerError) apiError()       {}

// RequestError is any other 4xx response.
type RequestError struct {
	StatusCode int
	Message    string
	Fields     map[string][]string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api: request failed %d: %s", e.StatusCode, e.Message)
}
func (e *RequestError) Kind() Kind  { return KindRequest }
func (e *RequestError) Status() int { return e.StatusCode }
func (*RequestError) apiError()     {}

// Message returns the user-facing message of an api error, or err.Error().
func Message(err error) string {
	switch e := err.(type) {
	case nil:
		return ""
	case *ValidationError:
		return e.Message
	case *RateLimitedError:
		return e.Message
	case *SessionInvalidError:
		return e.Message
	case *DeviceVerificationRequiredError:
		return e.Message
	case *CSRFMismatchError:
		return e.Message
	case *NetworkError:
		return "Network error. Please check your connection."
	case *ServerError:
		return "Server error. Please try again later."
	case *RequestError:
		return e.Message
	}
	var apiErr Error
	if errors.As(err, &apiErr) {
		return Message(apiErr)
	}
	return err.Error()
}
