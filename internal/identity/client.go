package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured: no identity service URL was provided. Address lookups
// then fail permanently rather than guessing a recipient.
var ErrNotConfigured = errors.New("identity service not configured")

// Client talks to the external identity/profile service. It resolves
// provider-level addresses for recipients and validates bearer credentials
// presented at websocket registration.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type profileResponse struct {
	Success bool `json:"success"`
	Data    struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Phone string `json:"phone"`
	} `json:"data"`
	Message string `json:"message"`
}

func (c *Client) Email(ctx context.Context, userID string) (string, error) {
	p, err := c.profile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Data.Email, nil
}

func (c *Client) Phone(ctx context.Context, userID string) (string, error) {
	p, err := c.profile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Data.Phone, nil
}

func (c *Client) profile(ctx context.Context, userID string) (*profileResponse, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/internal/profiles/%s", c.baseURL, userID), nil)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider error: status %d", resp.StatusCode)
	}

	var p profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("identity decode: %w", err)
	}
	if !p.Success {
		return nil, fmt.Errorf("identity lookup rejected: %s", p.Message)
	}
	return &p, nil
}

// ValidateToken checks a bearer credential against the identity service and
// returns the authenticated user id. Any failure, including service
// unavailability, is an authentication failure; the caller must never
// attribute the connection to a guessed user.
func (c *Client) ValidateToken(ctx context.Context, token string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/profile", nil)
	if err != nil {
		return "", fmt.Errorf("identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Identity service unreachable, rejecting credential", zap.Error(err))
		return "", fmt.Errorf("identity unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("credential rejected: status %d", resp.StatusCode)
	}

	var p profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("identity decode: %w", err)
	}
	if !p.Success || p.Data.ID == "" {
		return "", errors.New("credential rejected")
	}
	return p.Data.ID, nil
}
