package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
)

// Class partitions failures for the dispatcher: transient failures get a
// retry record, permanent ones fail the channel immediately, malformed
// input is dropped after logging.
type Class int

const (
	Transient Class = iota
	Permanent
	Malformed
)

var (
	// ErrNoEligibleChannel: the effective channel set was empty. Permanent.
	ErrNoEligibleChannel = errors.New("no eligible channel")
	// ErrMissingCredentials: provider configuration is absent. Permanent.
	ErrMissingCredentials = errors.New("missing provider credentials")
	// ErrInvalidAddress: the recipient address is unusable. Permanent.
	ErrInvalidAddress = errors.New("invalid recipient address")
)

// Classify maps an error to its failure class. Unknown errors are treated
// as permanent: retrying something we cannot name tends to burn the ceiling
// without helping.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Malformed
	}

	switch {
	case errors.Is(err, ErrNoEligibleChannel),
		errors.Is(err, ErrMissingCredentials),
		errors.Is(err, ErrInvalidAddress):
		return Permanent
	case errors.Is(err, pgx.ErrNoRows):
		return Permanent
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	case errors.Is(err, context.Canceled):
		return Transient
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		// Breaker open means the provider was recently unhealthy; a later
		// attempt may find it recovered.
		return Transient
	}

	// SMTP-style reply codes: 4xx is retry-later by protocol, 5xx is final.
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return Permanent
		}
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Transient
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "timeout") {
		return Transient
	}
	// Provider 5xx responses are surfaced as "provider error" by the senders.
	if strings.Contains(errStr, "provider error") {
		return Transient
	}

	return Permanent
}

// Retryable is a convenience wrapper for the common question.
func Retryable(err error) bool {
	return Classify(err) == Transient
}
