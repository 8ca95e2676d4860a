package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mednotify/internal/config"
	"mednotify/internal/errclass"
	"mednotify/internal/model"
)

// EmailSender delivers over SMTP. Provider unavailability trips the breaker
// so a flapping relay fails fast instead of tying up dispatch workers.
type EmailSender struct {
	cfg     config.SMTPConfig
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewEmailSender(cfg config.SMTPConfig, timeout time.Duration, logger *zap.Logger) *EmailSender {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "smtp",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Email breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &EmailSender{cfg: cfg, timeout: timeout, breaker: breaker, logger: logger}
}

func (s *EmailSender) Channel() model.Channel { return model.ChannelEmail }
func (s *EmailSender) Provider() string       { return "smtp" }

func (s *EmailSender) Send(ctx context.Context, req SendRequest) SendResult {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return SendResult{Err: fmt.Errorf("smtp: %w", errclass.ErrMissingCredentials)}
	}
	if !strings.Contains(req.Address, "@") {
		return SendResult{Err: fmt.Errorf("smtp recipient %q: %w", req.Address, errclass.ErrInvalidAddress)}
	}

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.deliver(ctx, req)
	})
	if err != nil {
		return SendResult{Err: err}
	}

	s.logger.Info("Email sent",
		zap.String("notification_id", req.Notification.ID),
		zap.String("to", req.Address),
	)
	return SendResult{
		Success:          true,
		ProviderResponse: fmt.Sprintf("accepted by %s", s.cfg.Host),
	}
}

func (s *EmailSender) deliver(ctx context.Context, req SendRequest) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialer := net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	// Bound the whole exchange, not just the dial.
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth: %w: %v", errclass.ErrMissingCredentials, err)
			}
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(req.Address); err != nil {
		return rcptError(req.Address, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n",
		s.cfg.From, req.Address, req.Subject, req.Body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}

// rcptError maps an RCPT rejection by reply code: 4xx (greylisting, mailbox
// busy) is retry-later per the protocol, 5xx means the address itself is bad.
func rcptError(address string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code < 500 {
		return fmt.Errorf("smtp rcpt %q deferred: %w", address, err)
	}
	return fmt.Errorf("smtp rcpt %q: %w", address, errclass.ErrInvalidAddress)
}
