package template

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mednotify/internal/model"
	"mednotify/internal/repository"
)

// ErrTemplateNotFound: no active template matches the (name, channel) pair.
// Both renderer errors are permanent failures for the channel; the
// dispatcher never schedules a retry for them.
var ErrTemplateNotFound = errors.New("template not found")

// MissingVariableError: the template declares a variable absent from the
// supplied set.
type MissingVariableError struct {
	Template string
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %s: missing variable %q", e.Template, e.Variable)
}

// Store resolves active templates.
type Store interface {
	GetActive(ctx context.Context, name string, channel model.Channel) (*model.Template, error)
}

// Rendered is the channel-ready subject/body pair.
type Rendered struct {
	Subject string
	Body    string
}

type Renderer struct {
	store Store
}

func NewRenderer(store Store) *Renderer {
	return &Renderer{store: store}
}

// Render resolves the (name, channel) template and substitutes every
// {{variable}} placeholder.
func (r *Renderer) Render(ctx context.Context, name string, channel model.Channel, vars map[string]string) (*Rendered, error) {
	tmpl, err := r.store.GetActive(ctx, name, channel)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, name, channel)
		}
		return nil, fmt.Errorf("failed to load template %s/%s: %w", name, channel, err)
	}

	for _, required := range tmpl.Variables {
		if _, ok := vars[required]; !ok {
			return nil, &MissingVariableError{Template: name, Variable: required}
		}
	}

	return &Rendered{
		Subject: substitute(tmpl.Subject, vars),
		Body:    substitute(tmpl.Body, vars),
	}, nil
}

func substitute(s string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
