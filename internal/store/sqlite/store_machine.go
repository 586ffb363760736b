package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

// UpsertMachine registers machine id under namespace and marks it online.
// Empty info fields keep what was stored before. A machine already owned
// by a different namespace is left untouched and
// domain.ErrNamespaceConflict returned.
func (s *Store) UpsertMachine(ctx context.Context, namespace, id string, info domain.MachineInfo) (domain.Machine, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var owner string
	err = tx.QueryRowContext(ctx, `SELECT namespace FROM machines WHERE id = ?`, id).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = tx.ExecContext(ctx, `
INSERT INTO machines(id, namespace, hostname, platform, display_name, home_dir, version, online, created_at, last_seen_at)
VALUES(?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`, id, namespace,
			nullableString(info.Hostname), nullableString(info.Platform), nullableString(info.DisplayName),
			nullableString(info.HomeDir), nullableString(info.Version), now, now); err != nil {
			return domain.Machine{}, err
		}
	case err != nil:
		return domain.Machine{}, err
	case owner != namespace:
		return domain.Machine{}, &domain.RelayError{ID: id, Op: "upsert machine", Err: domain.ErrNamespaceConflict}
	default:
		if _, err = tx.ExecContext(ctx, `
UPDATE machines
SET online = 1, last_seen_at = ?,
	hostname = COALESCE(?, hostname),
	platform = COALESCE(?, platform),
	display_name = COALESCE(?, display_name),
	home_dir = COALESCE(?, home_dir),
	version = COALESCE(?, version)
WHERE id = ?`, now,
			nullableString(info.Hostname), nullableString(info.Platform), nullableString(info.DisplayName),
			nullableString(info.HomeDir), nullableString(info.Version), id); err != nil {
			return domain.Machine{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	return s.GetMachine(ctx, id)
}

// GetMachine returns the machine with the given id, or
// domain.ErrMachineNotFound.
func (s *Store) GetMachine(ctx context.Context, id string) (domain.Machine, error) {
	m, err := scanMachine(s.getMachineStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Machine{}, domain.ErrMachineNotFound
	}
	return m, err
}

// ListMachines returns every machine of a namespace ordered by id.
func (s *Store) ListMachines(ctx context.Context, namespace string) ([]domain.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, namespace, hostname, platform, display_name, home_dir, version, online, created_at, last_seen_at
FROM machines
WHERE namespace = ?
ORDER BY id`, namespace)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetMachineOffline(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET online = 0, last_seen_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// ResetMachinesOffline marks every machine offline. The hub calls it at
// startup since no runner can be connected yet.
func (s *Store) ResetMachinesOffline(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE machines SET online = 0 WHERE online = 1`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TouchMachine records a heartbeat, throttled per machine.
func (s *Store) TouchMachine(ctx context.Context, id string) error {
	return s.touch(ctx, "m:"+id, `UPDATE machines SET last_seen_at = ? WHERE id = ?`, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (domain.Machine, error) {
	var m domain.Machine
	var hostname, platform, displayName, homeDir, version sql.NullString
	var online int
	var lastSeen sql.NullTime
	if err := row.Scan(&m.ID, &m.Namespace, &hostname, &platform, &displayName, &homeDir, &version,
		&online, &m.CreatedAt, &lastSeen); err != nil {
		return domain.Machine{}, err
	}
	m.MachineInfo = domain.MachineInfo{
		Hostname:    hostname.String,
		Platform:    platform.String,
		DisplayName: displayName.String,
		HomeDir:     homeDir.String,
		Version:     version.String,
	}
	m.Online = online == 1
	if lastSeen.Valid {
		t := lastSeen.Time
		m.LastSeenAt = &t
	}
	return m, nil
}
