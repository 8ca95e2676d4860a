package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mednotify/internal/model"
)

// TemplateRepository is read-only from the engine's perspective; templates
// are administered by an external process.
type TemplateRepository struct {
	db *pgxpool.Pool
}

func NewTemplateRepository(db *pgxpool.Pool) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// GetActive resolves the (name, channel) pair to its active template.
// Returns ErrNotFound when no active template matches.
func (r *TemplateRepository) GetActive(ctx context.Context, name string, channel model.Channel) (*model.Template, error) {
	var t model.Template
	err := r.db.QueryRow(ctx, `
		SELECT template_name, template_type, subject, body, variables, is_active, updated_at
		FROM notification_templates
		WHERE template_name = $1 AND template_type = $2 AND is_active = TRUE
	`, name, channel).Scan(&t.Name, &t.Type, &t.Subject, &t.Body, &t.Variables, &t.IsActive, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get template %s/%s: %w", name, channel, err)
	}
	return &t, nil
}
