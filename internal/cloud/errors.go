// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors. UpstreamError matches the status-specific ones via errors.Is.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("completion timed out")

	// ErrAuthFailed matches a 401 response.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrInsufficientCredits matches a 402 response.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrModelNotFound matches a 404 response.
	ErrModelNotFound = errors.New("model not found")

	// ErrRateLimited matches a 429 response.
	ErrRateLimited = errors.New("rate limited")
)

// UpstreamError is a non-200 response from the completion endpoint.
type UpstreamError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("upstream error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error (HTTP %d)", e.Status)
}

// Is maps well-known statuses onto the package sentinels.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized
	case ErrInsufficientCredits:
		return e.Status == http.StatusPaymentRequired
	case ErrModelNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// TimeoutError reports a call that did not finish within its budget.
type TimeoutError struct {
	After time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("completion timed out after %v", e.After)
}

// Is makes errors.Is(err, ErrTimeout) hold.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TransportError is a network-level failure before a response arrived.
type TransportError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

// Unwrap returns the underlying network error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a 200 response whose body does not match the expected schema.
type ProtocolError struct {
	Reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies a Complete error for callers that branch on it.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindUpstream
	KindTimeout
	KindTransport
	KindProtocol
	KindCanceled
	KindUnknown
)

// String returns the kind name used in logs.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Kind classifies err. A nil error is KindNone.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		upstream  *UpstreamError
		timeout   *TimeoutError
		transport *TransportError
		protocol  *ProtocolError
	)
	switch {
	case errors.As(err, &upstream):
		return KindUpstream
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &protocol):
		return KindProtocol
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.As(err, &transport):
		return KindTransport
	default:
		return KindUnknown
	}
}

// Status returns the HTTP status carried by an UpstreamError, or 0.
func Status(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status
	}
	return 0
}
