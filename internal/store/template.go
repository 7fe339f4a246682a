package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiliza/disparo/internal/models"
)

type TemplateStore struct {
	db *sql.DB
}

func NewTemplateStore(db *sql.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

// GetByKey returns a template by key, or nil if it does not exist.
func (s *TemplateStore) GetByKey(ctx context.Context, key string) (*models.Template, error) {
	tmpl := &models.Template{}
	var body, variables sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT key, name, body, variables, created_at, updated_at
		FROM templates WHERE key = ?`, key,
	).Scan(&tmpl.Key, &tmpl.Name, &body, &variables, &tmpl.CreatedAt, &tmpl.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tmpl.Body = body.String
	tmpl.Variables = variables.String
	return tmpl, nil
}

// List returns all templates ordered by name.
func (s *TemplateStore) List(ctx context.Context) ([]models.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, name, body, variables, created_at, updated_at
		FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	templates := []models.Template{}
	for rows.Next() {
		var tmpl models.Template
		var body, variables sql.NullString
		if err := rows.Scan(&tmpl.Key, &tmpl.Name, &body, &variables, &tmpl.CreatedAt, &tmpl.UpdatedAt); err != nil {
			return nil, err
		}
		tmpl.Body = body.String
		tmpl.Variables = variables.String
		templates = append(templates, tmpl)
	}
	return templates, rows.Err()
}

// Upsert creates or replaces a template under its key.
func (s *TemplateStore) Upsert(ctx context.Context, tmpl *models.Template) error {
	now := time.Now()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (key, name, body, variables, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			body = excluded.body,
			variables = excluded.variables,
			updated_at = excluded.updated_at`,
		tmpl.Key, tmpl.Name, tmpl.Body, tmpl.Variables, tmpl.CreatedAt, tmpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}
