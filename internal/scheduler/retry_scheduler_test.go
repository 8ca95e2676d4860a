package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mednotify/internal/config"
	"mednotify/internal/dispatcher"
	"mednotify/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.RetryRecord
}

func newFakeStore(recs ...*model.RetryRecord) *fakeStore {
	s := &fakeStore{records: map[string]*model.RetryRecord{}}
	for _, r := range recs {
		s.records[r.ID] = r
	}
	return s
}

func (s *fakeStore) Due(_ context.Context, now time.Time, limit int) ([]model.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []model.RetryRecord
	for _, r := range s.records {
		if r.Status == model.RetryScheduled && !r.NextRetryAt.After(now) {
			due = append(due, *r)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

// Claim mirrors the conditional UPDATE: only a scheduled record can move to
// in_progress, and only one caller wins.
func (s *fakeStore) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != model.RetryScheduled {
		return false, nil
	}
	r.Status = model.RetryInProgress
	return true, nil
}

func (s *fakeStore) MarkSucceeded(_ context.Context, id string) error {
	return s.setStatus(id, model.RetrySucceeded, "")
}

func (s *fakeStore) MarkFailedPermanently(_ context.Context, id, lastError string) error {
	return s.setStatus(id, model.RetryFailedPermanently, lastError)
}

func (s *fakeStore) setStatus(id string, status model.RetryStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	r.Status = status
	if lastError != "" {
		r.LastError = lastError
	}
	return nil
}

func (s *fakeStore) Reschedule(_ context.Context, id string, attempt int, nextAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return errors.New("not found")
	}
	r.Status = model.RetryScheduled
	r.AttemptNumber = attempt
	r.NextRetryAt = nextAt
	r.LastError = lastError
	return nil
}

func (s *fakeStore) get(id string) model.RetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

type fakeResender struct {
	mu            sync.Mutex
	notifications map[string]*model.Notification
	result        dispatcher.AttemptResult
	attempts      int
	finalized     []bool
}

func (r *fakeResender) Attempt(_ context.Context, _ *model.Notification, _ model.Channel, _ int) dispatcher.AttemptResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return r.result
}

func (r *fakeResender) Notification(_ context.Context, id string) (*model.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.notifications[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return n, nil
}

func (r *fakeResender) FinalizeAfterRetry(_ context.Context, _ string, succeeded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = append(r.finalized, succeeded)
	return nil
}

func (r *fakeResender) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

var testCfg = config.RetryConfig{
	MaxAttempts:  3,
	BaseDelay:    30 * time.Second,
	MaxDelay:     time.Hour,
	PollInterval: 30 * time.Second,
	BatchSize:    50,
}

func dueRecord(id string) *model.RetryRecord {
	return &model.RetryRecord{
		ID:             id,
		NotificationID: "n-1",
		Channel:        model.ChannelEmail,
		AttemptNumber:  1,
		NextRetryAt:    time.Now().Add(-time.Minute),
		Status:         model.RetryScheduled,
	}
}

func liveNotification() map[string]*model.Notification {
	return map[string]*model.Notification{
		"n-1": {ID: "n-1", RecipientUserID: "user-1", Status: model.StatusPending},
	}
}

func TestRunCycleSuccess(t *testing.T) {
	store := newFakeStore(dueRecord("r-1"))
	resender := &fakeResender{
		notifications: liveNotification(),
		result:        dispatcher.AttemptResult{Success: true},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	claimed, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, model.RetrySucceeded, store.get("r-1").Status)
	assert.Equal(t, []bool{true}, resender.finalized)
}

func TestRunCycleTransientFailureReschedules(t *testing.T) {
	store := newFakeStore(dueRecord("r-1"))
	resender := &fakeResender{
		notifications: liveNotification(),
		result:        dispatcher.AttemptResult{RetryScheduled: true, Err: errors.New("connection refused")},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	rec := store.get("r-1")
	assert.Equal(t, model.RetryScheduled, rec.Status)
	assert.Equal(t, 2, rec.AttemptNumber)
	assert.True(t, rec.NextRetryAt.After(time.Now()), "backed off into the future")
	assert.Empty(t, resender.finalized, "no rollup while the retry is still live")
}

func TestRunCyclePermanentFailureIsTerminal(t *testing.T) {
	store := newFakeStore(dueRecord("r-1"))
	resender := &fakeResender{
		notifications: liveNotification(),
		result:        dispatcher.AttemptResult{Permanent: true, Err: errors.New("invalid recipient address")},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RetryFailedPermanently, store.get("r-1").Status)
	assert.Equal(t, []bool{false}, resender.finalized)

	// A terminal record never comes due again.
	claimed, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)
}

func TestRunCycleExpiredNotification(t *testing.T) {
	store := newFakeStore(dueRecord("r-1"))
	past := time.Now().Add(-time.Hour)
	resender := &fakeResender{
		notifications: map[string]*model.Notification{
			"n-1": {ID: "n-1", Status: model.StatusPending, ExpiresAt: &past},
		},
		result: dispatcher.AttemptResult{Success: true},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	rec := store.get("r-1")
	assert.Equal(t, model.RetryFailedPermanently, rec.Status)
	assert.Equal(t, "notification expired", rec.LastError)
	assert.Zero(t, resender.attemptCount(), "expired work is never re-sent")
}

func TestRunCycleDeferredRetriesWithoutConsumingAttempt(t *testing.T) {
	store := newFakeStore(dueRecord("r-1"))
	resender := &fakeResender{
		notifications: liveNotification(),
		result:        dispatcher.AttemptResult{Deferred: true},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	rec := store.get("r-1")
	assert.Equal(t, model.RetryScheduled, rec.Status)
	assert.Equal(t, 1, rec.AttemptNumber, "deferral does not advance the attempt")
}

func TestConcurrentCyclesProcessEachRecordOnce(t *testing.T) {
	recs := []*model.RetryRecord{}
	notifs := map[string]*model.Notification{}
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		recs = append(recs, &model.RetryRecord{
			ID:             "r-" + id,
			NotificationID: "n-" + id,
			Channel:        model.ChannelEmail,
			AttemptNumber:  1,
			NextRetryAt:    time.Now().Add(-time.Minute),
			Status:         model.RetryScheduled,
		})
		notifs["n-"+id] = &model.Notification{ID: "n-" + id, Status: model.StatusPending}
	}
	store := newFakeStore(recs...)
	resender := &fakeResender{
		notifications: notifs,
		result:        dispatcher.AttemptResult{Success: true},
	}
	s := New(store, resender, testCfg, zap.NewNop())

	var wg sync.WaitGroup
	totals := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.RunCycle(context.Background())
			assert.NoError(t, err)
			totals[i] = claimed
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range totals {
		sum += n
	}
	assert.Equal(t, len(recs), sum, "every record claimed exactly once across cycles")
	assert.Equal(t, len(recs), resender.attemptCount())
}
