package store

import (
	"context"
	"database/sql"

	"github.com/mobiliza/disparo/internal/models"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// GetByID returns an event by ID, or nil if it does not exist.
func (s *EventStore) GetByID(ctx context.Context, id string) (*models.Event, error) {
	event := &models.Event{}
	var startsAt sql.NullTime
	var location sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, starts_at, location, status
		FROM events WHERE id = ?`, id,
	).Scan(&event.ID, &event.Name, &startsAt, &location, &event.Status)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if startsAt.Valid {
		event.StartsAt = startsAt.Time
	}
	event.Location = location.String
	return event, nil
}
