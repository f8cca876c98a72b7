// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package fleet

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes a failure for retry and HTTP mapping decisions.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindNotFound          Kind = "NOT_FOUND"
	KindRateLimit         Kind = "RATE_LIMIT"
	KindTimeout           Kind = "TIMEOUT"
	KindCircuitOpen       Kind = "CIRCUIT_BREAKER_OPEN"
	KindUpstream4xx       Kind = "UPSTREAM_4XX"
	KindUpstream5xx       Kind = "UPSTREAM_5XX"
	KindNetwork           Kind = "NETWORK"
	KindAuth              Kind = "AUTH"
	KindConfiguration     Kind = "CONFIGURATION"
	KindSerialization     Kind = "SERIALIZATION"
	KindKVUnavailable     Kind = "KV_UNAVAILABLE"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindConflict          Kind = "CONFLICT"
	KindInternal          Kind = "INTERNAL"
)

// Error is the typed error crossing subsystem boundaries.
type Error struct {
	Kind    Kind
	Message string

	// RetryAfter carries an upstream-suggested backoff, when present.
	RetryAfter time.Duration

	// Status is the upstream HTTP status for UPSTREAM_* kinds.
	Status int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the failure category is transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindCircuitOpen, KindUpstream5xx, KindNetwork, KindKVUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps the category to the status the public surface returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindCircuitOpen, KindKVUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream4xx:
		if e.Status >= 400 && e.Status < 500 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindUpstream5xx, KindNetwork:
		return http.StatusBadGateway
	case KindAuth:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// NewError builds a typed error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a category to an underlying cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the category of err, or KindInternal for plain errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRetryable classifies an arbitrary error for the job worker's nack
// decision. Plain errors default to retryable so a transient bug never
// strands a job before its attempt budget is spent.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}

// IsNotFound reports whether err carries the NOT_FOUND category.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }
