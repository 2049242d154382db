package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/authd/internal/models"
	bolt "go.etcd.io/bbolt"
)

// SaveSession stores a new session record.
func (s *State) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(sessionsBucket), []byte(sess.ID), sess)
	})
}

// GetSession returns a session by ID, or nil if not found.
func (s *State) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess *models.Session

	err := s.view(ctx, func(tx *bolt.Tx) error {
		var found models.Session

		ok, err := getJSON(tx.Bucket(sessionsBucket), []byte(sessionID), &found)
		if ok {
			sess = &found
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// RevokeSession marks a session revoked. Unknown sessions are ignored.
func (s *State) RevokeSession(ctx context.Context, sessionID string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)

		var sess models.Session

		ok, err := getJSON(b, []byte(sessionID), &sess)
		if !ok || err != nil {
			return err
		}

		sess.Revoked = true

		return putJSON(b, []byte(sessionID), sess)
	})
}

// AppendAuditEvent appends an event to the audit log. Keys come from the
// bucket sequence, so iteration order is append order.
func (s *State) AppendAuditEvent(ctx context.Context, ev models.AuditEvent) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return putJSON(b, key, ev)
	})
}

// AuditEvents returns audit events in append order.
func (s *State) AuditEvents(ctx context.Context) ([]models.AuditEvent, error) {
	var events []models.AuditEvent

	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(auditBucket).ForEach(func(_, v []byte) error {
			var ev models.AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}

			events = append(events, ev)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return events, nil
}
