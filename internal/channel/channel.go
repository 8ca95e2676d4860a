package channel

import (
	"context"

	"mednotify/internal/model"
)

// SendRequest carries the rendered content and the resolved provider-level
// address for one channel attempt.
type SendRequest struct {
	Notification *model.Notification
	Subject      string
	Body         string
	Address      string
}

// SendResult is the uniform outcome contract. Ordinary provider failures
// never surface as panics or raw errors past the sender boundary; they come
// back as Err with Success=false, and the dispatcher classifies them as
// transient or permanent. Deferred is the web channel's "no live connection"
// case: neither a success nor a failure, and it never consumes a retry.
type SendResult struct {
	Success           bool
	Deferred          bool
	ProviderMessageID string
	ProviderResponse  string
	Err               error
}

// Sender wraps one external transport.
type Sender interface {
	Channel() model.Channel
	Provider() string
	Send(ctx context.Context, req SendRequest) SendResult
}

// AddressResolver maps a recipient user id to provider-level addresses; the
// identity/profile service implements it.
type AddressResolver interface {
	Email(ctx context.Context, userID string) (string, error)
	Phone(ctx context.Context, userID string) (string, error)
}
