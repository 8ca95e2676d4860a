package channel

import (
	"context"

	"go.uber.org/zap"

	"mednotify/internal/model"
)

// Broadcaster is the live-connection fan-out the web channel hands off to.
type Broadcaster interface {
	IsConnected(userID string) bool
	Broadcast(userID string, payload any) int
}

// WebSender is the degenerate sender: "success" means handed to the
// broadcaster, not received by a client. A user with zero open connections
// gets a deferred result, never a failure, so no retry attempt is consumed;
// the hub's reconnect flush (or the REST read model) picks the
// notification up later.
type WebSender struct {
	hub    Broadcaster
	logger *zap.Logger
}

func NewWebSender(hub Broadcaster, logger *zap.Logger) *WebSender {
	return &WebSender{hub: hub, logger: logger}
}

func (s *WebSender) Channel() model.Channel { return model.ChannelWeb }
func (s *WebSender) Provider() string       { return "websocket" }

func (s *WebSender) Send(ctx context.Context, req SendRequest) SendResult {
	userID := req.Notification.RecipientUserID

	if !s.hub.IsConnected(userID) {
		s.logger.Info("User not connected, deferring web delivery",
			zap.String("notification_id", req.Notification.ID),
			zap.String("user_id", userID),
		)
		return SendResult{Deferred: true}
	}

	n := s.hub.Broadcast(userID, req.Notification)
	s.logger.Info("Web notification broadcast",
		zap.String("notification_id", req.Notification.ID),
		zap.String("user_id", userID),
		zap.Int("connections", n),
	)
	return SendResult{Success: true}
}
