package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mednotify/internal/dispatcher"
	"mednotify/internal/model"
	"mednotify/internal/ws"
)

type fakeRetryAdmin struct {
	stats   []model.RetryStats
	deleted int64
}

func (f *fakeRetryAdmin) Stats(_ context.Context, _ time.Time) ([]model.RetryStats, error) {
	return f.stats, nil
}

func (f *fakeRetryAdmin) Cleanup(_ context.Context, _ time.Time, _ bool) (int64, error) {
	return f.deleted, nil
}

type fakeProcessor struct {
	claimed int
	err     error
}

func (f *fakeProcessor) RunCycle(_ context.Context) (int, error) {
	return f.claimed, f.err
}

type fakeCreator struct {
	got dispatcher.DirectCreateInput
}

func (f *fakeCreator) HandleDirectCreate(_ context.Context, in dispatcher.DirectCreateInput) (*model.Notification, error) {
	f.got = in
	return &model.Notification{ID: "n-1", Status: model.StatusSent}, nil
}

type fakeValidator struct{}

func (fakeValidator) Validate(_ context.Context, token string) (string, error) {
	if token != "good" {
		return "", errors.New("invalid token")
	}
	return "admin-1", nil
}

type okPinger struct{ err error }

func (p okPinger) Ping(_ context.Context) error { return p.err }

func newTestServer(t *testing.T) (*Server, *fakeRetryAdmin, *fakeProcessor, *fakeCreator) {
	t.Helper()
	hub := ws.NewHub(zap.NewNop())
	t.Cleanup(hub.Close)

	retries := &fakeRetryAdmin{}
	processor := &fakeProcessor{}
	creator := &fakeCreator{}
	srv := NewServer(ServerDeps{
		Creator:   creator,
		Retries:   retries,
		Processor: processor,
		Hub:       hub,
		WSHandler: ws.NewHandler(hub, fakeValidator{}, zap.NewNop()),
		Validator: fakeValidator{},
		DB:        okPinger{},
		Redis:     okPinger{},
		Logger:    zap.NewNop(),
	})
	return srv, retries, processor, creator
}

func do(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)
}

func TestReadyReportsDatabaseOutage(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	srv.db = okPinger{err: errors.New("down")}

	w := do(t, srv, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/admin/retry-stats", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, srv, http.MethodGet, "/admin/retry-stats", "bad", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRetryStats(t *testing.T) {
	srv, retries, _, _ := newTestServer(t)
	retries.stats = []model.RetryStats{
		{Channel: model.ChannelEmail, Status: model.RetryScheduled, Count: 4, AverageRetries: 1.5},
	}

	w := do(t, srv, http.MethodGet, "/admin/retry-stats?hours=6", "good", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			WindowHours int                `json:"window_hours"`
			Stats       []model.RetryStats `json:"stats"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 6, resp.Data.WindowHours)
	require.Len(t, resp.Data.Stats, 1)
	assert.Equal(t, int64(4), resp.Data.Stats[0].Count)
}

func TestRetryStatsRejectsBadWindow(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodGet, "/admin/retry-stats?hours=-1", "good", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTestNotification(t *testing.T) {
	srv, _, _, creator := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/admin/test-notification", "good",
		`{"recipient_user_id":"user-1","title":"Check","message":"Wiring test","channels":["web","email"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "user-1", creator.got.RecipientUserID)
	assert.Equal(t, model.TypeSystem, creator.got.Type, "type defaults to system")
	assert.Equal(t, []model.Channel{model.ChannelWeb, model.ChannelEmail}, creator.got.Channels)
}

func TestTestNotificationRejectsMissingFields(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/admin/test-notification", "good",
		`{"title":"no recipient"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessRetries(t *testing.T) {
	srv, _, processor, _ := newTestServer(t)
	processor.claimed = 7

	w := do(t, srv, http.MethodPost, "/admin/process-retries", "good", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"processed":7`)
}

func TestCleanupRetries(t *testing.T) {
	srv, retries, _, _ := newTestServer(t)
	retries.deleted = 12

	w := do(t, srv, http.MethodPost, "/admin/cleanup-retries", "good",
		`{"older_than_days":7,"include_failed_permanently":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"deleted":12`)
}

func TestCleanupRetriesRejectsNegativeDays(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	w := do(t, srv, http.MethodPost, "/admin/cleanup-retries", "good",
		`{"older_than_days":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
