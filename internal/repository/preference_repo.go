package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mednotify/internal/model"
)

// PreferenceRepository reads the per-user channel preferences written by the
// external settings endpoint.
type PreferenceRepository struct {
	db *pgxpool.Pool
}

func NewPreferenceRepository(db *pgxpool.Pool) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

// Get returns ErrNotFound for users with no stored preference record; the
// preference filter substitutes the documented defaults.
func (r *PreferenceRepository) Get(ctx context.Context, userID string) (*model.Preference, error) {
	var p model.Preference
	var raw []byte
	err := r.db.QueryRow(ctx, `
		SELECT user_id, preferences, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &raw, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get preferences for %s: %w", userID, err)
	}

	if err := json.Unmarshal(raw, &p.ByType); err != nil {
		return nil, fmt.Errorf("failed to unmarshal preferences for %s: %w", userID, err)
	}
	return &p, nil
}
