package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

// UpsertSession registers session id under namespace and marks it active.
// A session already owned by a different namespace is left untouched and
// domain.ErrNamespaceConflict returned.
func (s *Store) UpsertSession(ctx context.Context, namespace, id, machineID string) (domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var owner string
	err = tx.QueryRowContext(ctx, `SELECT namespace FROM sessions WHERE id = ?`, id).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx, `
INSERT INTO sessions(id, namespace, machine_id, active, created_at, last_seen_at)
VALUES(?, ?, ?, 1, ?, ?)`, id, namespace, nullableString(machineID), now, now); err != nil {
			return domain.Session{}, err
		}
	case err != nil:
		return domain.Session{}, err
	case owner != namespace:
		return domain.Session{}, &domain.RelayError{ID: id, Op: "upsert session", Err: domain.ErrNamespaceConflict}
	default:
		if _, err = tx.ExecContext(ctx, `
UPDATE sessions
SET active = 1, last_seen_at = ?, machine_id = COALESCE(?, machine_id)
WHERE id = ?`, now, nullableString(machineID), id); err != nil {
			return domain.Session{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, id)
}

// GetSession returns the session with the given id, or
// domain.ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	var machineID sql.NullString
	var active int
	var lastSeen sql.NullTime
	err := s.getSessionStmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.Namespace, &machineID, &active, &sess.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	sess.MachineID = machineID.String
	sess.Active = active == 1
	if lastSeen.Valid {
		t := lastSeen.Time
		sess.LastSeenAt = &t
	}
	return sess, nil
}

func (s *Store) SetSessionInactive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0, last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// ResetSessionsInactive marks every session inactive at hub startup.
func (s *Store) ResetSessionsInactive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = 0 WHERE active = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TouchSession records a heartbeat, throttled per session.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	return s.touch(ctx, "s:"+id, `UPDATE sessions SET last_seen_at = ? WHERE id = ?`, id)
}
