package preference

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mednotify/internal/model"
	"mednotify/internal/repository"
)

// Store reads stored preference records.
type Store interface {
	Get(ctx context.Context, userID string) (*model.Preference, error)
}

// Filter resolves which channels a recipient allows for a notification
// type. A user without a stored record gets the documented defaults rather
// than an error.
type Filter struct {
	store  Store
	logger *zap.Logger
}

func NewFilter(store Store, logger *zap.Logger) *Filter {
	return &Filter{store: store, logger: logger}
}

// Defaults mirrors the seeded preference profile: everything on except
// email/sms for routine system notices; emergencies always reach every
// channel.
func Defaults(t model.NotificationType) model.ChannelPrefs {
	switch t {
	case model.TypeSystem:
		return model.ChannelPrefs{Web: true, Email: false, SMS: false, Push: true}
	case model.TypeReminder, model.TypeAppointment:
		return model.ChannelPrefs{Web: true, Email: true, SMS: true, Push: true, AdvanceHours: 24}
	default:
		return model.ChannelPrefs{Web: true, Email: true, SMS: true, Push: true}
	}
}

// Resolve returns the set of channels enabled for (userID, type).
func (f *Filter) Resolve(ctx context.Context, userID string, t model.NotificationType) (map[model.Channel]bool, error) {
	prefs := Defaults(t)

	stored, err := f.store.Get(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// documented default: all channels per type profile
	case err != nil:
		return nil, fmt.Errorf("failed to resolve preferences: %w", err)
	default:
		if p, ok := stored.ByType[t]; ok {
			prefs = p
		} else {
			f.logger.Debug("No stored preference for type, using defaults",
				zap.String("user_id", userID),
				zap.String("type", string(t)),
			)
		}
	}

	allowed := map[model.Channel]bool{}
	if prefs.Web {
		allowed[model.ChannelWeb] = true
	}
	if prefs.Email {
		allowed[model.ChannelEmail] = true
	}
	if prefs.SMS {
		allowed[model.ChannelSMS] = true
	}
	if prefs.Push {
		allowed[model.ChannelPush] = true
	}
	return allowed, nil
}
