package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/textproto"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	jsonErr := json.Unmarshal([]byte(`{`), &struct{}{})

	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Permanent},
		{"json syntax", jsonErr, Malformed},
		{"no eligible channel", ErrNoEligibleChannel, Permanent},
		{"missing credentials", fmt.Errorf("smtp: %w", ErrMissingCredentials), Permanent},
		{"invalid address", ErrInvalidAddress, Permanent},
		{"no rows", pgx.ErrNoRows, Permanent},
		{"deadline", context.DeadlineExceeded, Transient},
		{"canceled", context.Canceled, Transient},
		{"breaker open", gobreaker.ErrOpenState, Transient},
		{"smtp 4xx reply", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 450, Msg: "mailbox busy"}), Transient},
		{"smtp 5xx reply", fmt.Errorf("rcpt: %w", &textproto.Error{Code: 550, Msg: "no such user"}), Permanent},
		{"connection refused text", errors.New("dial tcp: connection refused"), Transient},
		{"timeout text", errors.New("read timeout on smtp socket"), Transient},
		{"provider 5xx", errors.New("sms provider error: status 503"), Transient},
		{"unknown", errors.New("unexpected condition"), Permanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(ErrInvalidAddress))
	assert.False(t, Retryable(nil))
}
