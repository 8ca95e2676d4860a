package preference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mednotify/internal/model"
	"mednotify/internal/repository"
)

type stubStore struct {
	prefs map[string]*model.Preference
	err   error
}

func (s *stubStore) Get(_ context.Context, userID string) (*model.Preference, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.prefs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func TestResolveDefaultsWithoutStoredRecord(t *testing.T) {
	f := NewFilter(&stubStore{}, zap.NewNop())

	allowed, err := f.Resolve(context.Background(), "user-1", model.TypeAppointment)
	require.NoError(t, err)
	assert.True(t, allowed[model.ChannelWeb])
	assert.True(t, allowed[model.ChannelEmail])
	assert.True(t, allowed[model.ChannelSMS])
	assert.True(t, allowed[model.ChannelPush])
}

func TestResolveSystemDefaultsSkipEmailAndSMS(t *testing.T) {
	f := NewFilter(&stubStore{}, zap.NewNop())

	allowed, err := f.Resolve(context.Background(), "user-1", model.TypeSystem)
	require.NoError(t, err)
	assert.True(t, allowed[model.ChannelWeb])
	assert.False(t, allowed[model.ChannelEmail])
	assert.False(t, allowed[model.ChannelSMS])
	assert.True(t, allowed[model.ChannelPush])
}

func TestResolveHonorsStoredPreferences(t *testing.T) {
	store := &stubStore{prefs: map[string]*model.Preference{
		"user-1": {
			UserID: "user-1",
			ByType: map[model.NotificationType]model.ChannelPrefs{
				model.TypePrescription: {Web: true, Email: false, SMS: true, Push: false},
			},
		},
	}}
	f := NewFilter(store, zap.NewNop())

	allowed, err := f.Resolve(context.Background(), "user-1", model.TypePrescription)
	require.NoError(t, err)
	assert.True(t, allowed[model.ChannelWeb])
	assert.False(t, allowed[model.ChannelEmail])
	assert.True(t, allowed[model.ChannelSMS])
	assert.False(t, allowed[model.ChannelPush])
}

func TestResolveFallsBackToDefaultsForUnlistedType(t *testing.T) {
	store := &stubStore{prefs: map[string]*model.Preference{
		"user-1": {
			UserID: "user-1",
			ByType: map[model.NotificationType]model.ChannelPrefs{
				model.TypeSystem: {Web: true},
			},
		},
	}}
	f := NewFilter(store, zap.NewNop())

	allowed, err := f.Resolve(context.Background(), "user-1", model.TypeEmergency)
	require.NoError(t, err)
	assert.True(t, allowed[model.ChannelEmail], "emergency falls back to all-on defaults")
}

func TestResolvePropagatesStoreErrors(t *testing.T) {
	f := NewFilter(&stubStore{err: errors.New("connection refused")}, zap.NewNop())

	_, err := f.Resolve(context.Background(), "user-1", model.TypeSystem)
	assert.Error(t, err)
}
