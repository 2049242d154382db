package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alexjbarnes/authd/internal/models"
)

// SaveSession stores a new session record.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, created_at, expires_at, revoked) VALUES ($1, $2, $3, $4, $5)`,
		sess.ID, sess.UserID, sess.CreatedAt, sess.ExpiresAt, sess.Revoked)

	return err
}

// GetSession returns a session by ID, or nil if not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session

	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, expires_at, revoked FROM sessions WHERE id = $1`, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt, &sess.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// RevokeSession marks a session revoked. Unknown sessions are ignored.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = true WHERE id = $1`, sessionID)
	return err
}

// AppendAuditEvent appends an event to the audit log.
func (s *Store) AppendAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	var details []byte

	if len(ev.Details) > 0 {
		var err error

		details, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, type, user_id, client_id, reason, ip_address, details, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Type, ev.UserID, ev.ClientID, ev.Reason, ev.IPAddress, details, ev.Timestamp)

	return err
}

// AuditEvents returns audit events in append order.
func (s *Store) AuditEvents(ctx context.Context) ([]models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, user_id, client_id, reason, ip_address, details, occurred_at
		 FROM audit_events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.AuditEvent

	for rows.Next() {
		var (
			ev      models.AuditEvent
			details []byte
		)

		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &ev.ClientID, &ev.Reason, &ev.IPAddress, &details, &ev.Timestamp); err != nil {
			return nil, err
		}

		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}

		events = append(events, ev)
	}

	return events, rows.Err()
}
