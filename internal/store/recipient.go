package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mobiliza/disparo/internal/models"
)

type RecipientStore struct {
	db *sql.DB
}

func NewRecipientStore(db *sql.DB) *RecipientStore {
	return &RecipientStore{db: db}
}

const recipientColumns = "id, name, email, phone, verification_code, verified_at, notified_at, affiliate_token"

func kindTable(kind models.RecipientKind) (string, error) {
	switch kind {
	case models.KindContact:
		return "contacts", nil
	case models.KindLeader:
		return "leaders", nil
	}
	return "", fmt.Errorf("unknown recipient kind %q", kind)
}

func scanRecipient(rows *sql.Rows, kind models.RecipientKind) (*models.Recipient, error) {
	var (
		rec                       models.Recipient
		email, phone, code, token sql.NullString
		verifiedAt, notifiedAt    sql.NullTime
	)
	if err := rows.Scan(&rec.ID, &rec.Name, &email, &phone, &code, &verifiedAt, &notifiedAt, &token); err != nil {
		return nil, err
	}
	rec.Kind = kind
	// Prefer phone; messages go out over a phone-first channel.
	rec.Address = phone.String
	if rec.Address == "" {
		rec.Address = email.String
	}
	rec.Email = email.String
	rec.VerificationCode = code.String
	rec.AffiliateToken = token.String
	rec.Verified = verifiedAt.Valid
	rec.Notified = notifiedAt.Valid
	return &rec, nil
}

func (s *RecipientStore) listQuery(ctx context.Context, kind models.RecipientKind, query string, args ...any) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipients := []models.Recipient{}
	for rows.Next() {
		rec, err := scanRecipient(rows, kind)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *rec)
	}
	return recipients, rows.Err()
}

// ListActive returns every active record of the given kind.
func (s *RecipientStore) ListActive(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error) {
	table, err := kindTable(kind)
	if err != nil {
		return nil, err
	}
	return s.listQuery(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s WHERE status = 'active'
		ORDER BY created_at`, recipientColumns, table))
}

// GetByID returns a single record, or nil if the id is unknown.
func (s *RecipientStore) GetByID(ctx context.Context, kind models.RecipientKind, id string) (*models.Recipient, error) {
	table, err := kindTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = ?`, recipientColumns, table), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecipient(rows, kind)
}

// ListByEvent returns all contacts registered for the given event.
func (s *RecipientStore) ListByEvent(ctx context.Context, eventID string) ([]models.Recipient, error) {
	return s.listQuery(ctx, models.KindContact, fmt.Sprintf(`
		SELECT %s FROM contacts
		WHERE id IN (SELECT contact_id FROM event_registrations WHERE event_id = ?)
		ORDER BY created_at`, recipientColumns), eventID)
}

// ListNotYetNotified returns active records that have never been sent
// the verification flow.
func (s *RecipientStore) ListNotYetNotified(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error) {
	table, err := kindTable(kind)
	if err != nil {
		return nil, err
	}
	return s.listQuery(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'active' AND notified_at IS NULL
		ORDER BY created_at`, recipientColumns, table))
}

// ListAwaitingConfirmation returns active records that were sent the
// verification flow but have not confirmed.
func (s *RecipientStore) ListAwaitingConfirmation(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error) {
	table, err := kindTable(kind)
	if err != nil {
		return nil, err
	}
	return s.listQuery(ctx, kind, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = 'active' AND notified_at IS NOT NULL AND verified_at IS NULL
		ORDER BY created_at`, recipientColumns, table))
}

// ListSubordinateTree returns the unverified contacts transitively
// reachable from the coordinator through the referral edge.
func (s *RecipientStore) ListSubordinateTree(ctx context.Context, coordinatorID string) ([]models.Recipient, error) {
	return s.listQuery(ctx, models.KindContact, fmt.Sprintf(`
		WITH RECURSIVE tree(id) AS (
			SELECT id FROM contacts WHERE referred_by = ?
			UNION
			SELECT c.id FROM contacts c JOIN tree t ON c.referred_by = t.id
		)
		SELECT %s FROM contacts
		WHERE id IN (SELECT id FROM tree) AND verified_at IS NULL
		ORDER BY created_at`, recipientColumns), coordinatorID)
}

// SaveVerificationCode persists a freshly minted code and returns the
// code now stored on the record. The guarded UPDATE means a concurrent
// writer that got there first wins; the caller gets the winning code
// back instead of clobbering it.
func (s *RecipientStore) SaveVerificationCode(ctx context.Context, kind models.RecipientKind, id, code string) (string, error) {
	table, err := kindTable(kind)
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET verification_code = ?
		WHERE id = ? AND (verification_code IS NULL OR verification_code = '')`, table),
		code, id,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save verification code: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected > 0 {
		return code, nil
	}

	var existing sql.NullString
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT verification_code FROM %s WHERE id = ?`, table), id,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("recipient %s not found", id)
	}
	if err != nil {
		return "", err
	}
	return existing.String, nil
}

// MarkNotified stamps the record as having been sent the verification
// flow. Called only after a successful send.
func (s *RecipientStore) MarkNotified(ctx context.Context, kind models.RecipientKind, id string) error {
	table, err := kindTable(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET notified_at = ? WHERE id = ?`, table), time.Now(), id)
	return err
}

// SearchLeaders returns leaders whose name matches the query, for the
// coordinator pick list. Callers must enforce the minimum query
// length before calling.
func (s *RecipientStore) SearchLeaders(ctx context.Context, query string, limit int) ([]models.Recipient, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.listQuery(ctx, models.KindLeader, fmt.Sprintf(`
		SELECT %s FROM leaders
		WHERE status = 'active' AND name LIKE ?
		ORDER BY name LIMIT ?`, recipientColumns), "%"+query+"%", limit)
}
