package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mednotify/internal/config"
	"mednotify/internal/errclass"
	"mednotify/internal/model"
)

// SMSSender posts to a Twilio-style Messages API.
type SMSSender struct {
	cfg     config.SMSConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewSMSSender(cfg config.SMSConfig, timeout time.Duration, logger *zap.Logger) *SMSSender {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sms",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("SMS breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &SMSSender{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

func (s *SMSSender) Channel() model.Channel { return model.ChannelSMS }
func (s *SMSSender) Provider() string       { return "twilio" }

type smsAPIResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *SMSSender) Send(ctx context.Context, req SendRequest) SendResult {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" || s.cfg.FromNumber == "" {
		return SendResult{Err: fmt.Errorf("sms: %w", errclass.ErrMissingCredentials)}
	}
	if !strings.HasPrefix(req.Address, "+") {
		return SendResult{Err: fmt.Errorf("sms recipient %q: %w", req.Address, errclass.ErrInvalidAddress)}
	}

	out, err := s.breaker.Execute(func() (any, error) {
		return s.post(ctx, req)
	})
	if err != nil {
		return SendResult{Err: err}
	}

	resp := out.(*smsAPIResponse)
	s.logger.Info("SMS sent",
		zap.String("notification_id", req.Notification.ID),
		zap.String("to", req.Address),
		zap.String("provider_sid", resp.SID),
	)
	return SendResult{
		Success:           true,
		ProviderMessageID: resp.SID,
		ProviderResponse:  resp.Status,
	}
}

func (s *SMSSender) post(ctx context.Context, req SendRequest) (*smsAPIResponse, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.cfg.APIBaseURL, "/"), s.cfg.AccountSID)

	form := url.Values{}
	form.Set("To", req.Address)
	form.Set("From", s.cfg.FromNumber)
	form.Set("Body", req.Body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("sms request: %w", err)
	}
	httpReq.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sms call failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("sms read response: %w", err)
	}

	var apiResp smsAPIResponse
	_ = json.Unmarshal(body, &apiResp)

	switch {
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("sms provider error: status %d", httpResp.StatusCode)
	case httpResp.StatusCode == http.StatusUnauthorized, httpResp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("sms auth rejected (status %d): %w", httpResp.StatusCode, errclass.ErrMissingCredentials)
	case httpResp.StatusCode >= 400:
		return nil, fmt.Errorf("sms rejected (%s): %w", apiResp.Message, errclass.ErrInvalidAddress)
	}
	return &apiResp, nil
}
