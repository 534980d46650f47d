// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package postgres implements the registry and command stores on PostgreSQL.
// The ordering invariant (no update with a timestamp older than the stored
// one) and the first-terminal-wins rule for commands are both enforced with
// guarded UPDATE statements, so they hold across gateway instances.
package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orbitfleet/gateway/registry"
	"github.com/orbitfleet/gateway/router"
)

// Store implements registry.Store and router.CommandStore on PostgreSQL
type Store struct {
	db *sql.DB
}

// Open connects to the database and creates the schema if it does not exist
func Open(dataSource string, poolSize int) (*Store, error) {
	db, err := sql.Open("postgres", dataSource)
	if err != nil {
		return nil, storageErr(err)
	}
	if poolSize > 0 {
		db.SetMaxOpenConns(poolSize)
	}
	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close the database
func (s *Store) Close() error {
	return s.db.Close()
}

// storageErr wraps database failures so callers can match them with
// errors.Is(err, registry.ErrStorageUnavailable)
func storageErr(err error) error {
	return fmt.Errorf("%w: %v", registry.ErrStorageUnavailable, err)
}

func (s *Store) createTables() error {
	// poor man's database migrations
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS accounts (
	account_id uuid PRIMARY KEY,
	subject varchar NOT NULL UNIQUE,
	email varchar NOT NULL,
	name varchar NOT NULL,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	deleted_at timestamptz
);
CREATE TABLE IF NOT EXISTS devices (
	device_id uuid PRIMARY KEY,
	account_id uuid NOT NULL REFERENCES accounts(account_id),
	label varchar NOT NULL,
	registered_at timestamptz NOT NULL,
	connectivity varchar NOT NULL,
	last_seen timestamptz,
	telemetry json,
	telemetry_at timestamptz
);
CREATE TABLE IF NOT EXISTS commands (
	command_id uuid PRIMARY KEY,
	device_id uuid NOT NULL,
	account_id uuid NOT NULL,
	payload json NOT NULL,
	issued_at timestamptz NOT NULL,
	status varchar NOT NULL,
	updated_at timestamptz NOT NULL
);`)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// UpsertAccount implements registry.Store
func (s *Store) UpsertAccount(subject, email, name string) (*registry.Account, error) {
	account := &registry.Account{Subject: subject, Email: email, Name: name}
	err := s.db.QueryRow(`
INSERT INTO accounts (account_id, subject, email, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (subject) DO UPDATE
	SET email      = EXCLUDED.email,
	    name       = EXCLUDED.name,
	    updated_at = now()
RETURNING account_id, created_at, updated_at;`,
		uuid.New(), subject, email, name,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, storageErr(err)
	}
	return account, nil
}

// GetAccount implements registry.Store
func (s *Store) GetAccount(id uuid.UUID) (*registry.Account, error) {
	account := &registry.Account{}
	var deletedAt sql.NullTime
	err := s.db.QueryRow(`
SELECT account_id, subject, email, name, created_at, updated_at, deleted_at
FROM accounts WHERE account_id = $1;`, id,
	).Scan(&account.ID, &account.Subject, &account.Email, &account.Name,
		&account.CreatedAt, &account.UpdatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, registry.ErrAccountNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if deletedAt.Valid {
		account.DeletedAt = &deletedAt.Time
	}
	return account, nil
}

// CreateDevice implements registry.Store
func (s *Store) CreateDevice(device *registry.Device) error {
	_, err := s.db.Exec(`
INSERT INTO devices (device_id, account_id, label, registered_at, connectivity)
VALUES ($1, $2, $3, $4, $5);`,
		device.ID, device.Owner, device.Label, device.RegisteredAt, device.Connectivity)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func scanDevice(scan func(...interface{}) error) (*registry.Device, error) {
	device := &registry.Device{}
	var lastSeen, telemetryAt sql.NullTime
	var telemetry []byte
	err := scan(&device.ID, &device.Owner, &device.Label, &device.RegisteredAt,
		&device.Connectivity, &lastSeen, &telemetry, &telemetryAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Time
	}
	if telemetry != nil && telemetryAt.Valid {
		device.Telemetry = &registry.Telemetry{Payload: telemetry, Time: telemetryAt.Time}
	}
	return device, nil
}

const deviceColumns = `device_id, account_id, label, registered_at, connectivity, last_seen, telemetry, telemetry_at`

// GetDevice implements registry.Store
func (s *Store) GetDevice(id uuid.UUID) (*registry.Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE device_id = $1;`, id)
	device, err := scanDevice(row.Scan)
	if err == sql.ErrNoRows {
		return nil, registry.ErrDeviceNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return device, nil
}

// ListDevices implements registry.Store
func (s *Store) ListDevices(owner uuid.UUID) ([]*registry.Device, error) {
	rows, err := s.db.Query(`SELECT `+deviceColumns+` FROM devices WHERE account_id = $1 ORDER BY registered_at;`, owner)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	devices := []*registry.Device{}
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, storageErr(err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return devices, nil
}

// AllDevices implements registry.Store
func (s *Store) AllDevices() ([]*registry.Device, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY registered_at;`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	devices := []*registry.Device{}
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, storageErr(err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return devices, nil
}

// RenameDevice implements registry.Store
func (s *Store) RenameDevice(id uuid.UUID, label string) error {
	res, err := s.db.Exec(`UPDATE devices SET label = $2 WHERE device_id = $1;`, id, label)
	if err != nil {
		return storageErr(err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return registry.ErrDeviceNotFound
	}
	return nil
}

// DeleteDevice implements registry.Store
func (s *Store) DeleteDevice(id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM devices WHERE device_id = $1;`, id)
	if err != nil {
		return storageErr(err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return registry.ErrDeviceNotFound
	}
	return nil
}

// SetConnectivity implements registry.Store. The WHERE clause rejects stale
// updates atomically.
func (s *Store) SetConnectivity(id uuid.UUID, state registry.ConnectivityState, seen time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE devices SET connectivity = $2, last_seen = $3
WHERE device_id = $1 AND (last_seen IS NULL OR last_seen <= $3);`,
		id, state, seen)
	if err != nil {
		return false, storageErr(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return count > 0, nil
}

// SetTelemetry implements registry.Store, with the same staleness guard as
// SetConnectivity
func (s *Store) SetTelemetry(id uuid.UUID, payload json.RawMessage, seen time.Time) (bool, error) {
	res, err := s.db.Exec(`
UPDATE devices SET telemetry = $2, telemetry_at = $3, last_seen = $3
WHERE device_id = $1 AND (last_seen IS NULL OR last_seen <= $3);`,
		id, string(payload), seen)
	if err != nil {
		return false, storageErr(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return count > 0, nil
}

// CreateCommand implements router.CommandStore
func (s *Store) CreateCommand(command *router.Command) error {
	_, err := s.db.Exec(`
INSERT INTO commands (command_id, device_id, account_id, payload, issued_at, status, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		command.ID, command.DeviceID, command.AccountID, string(command.Payload),
		command.IssuedAt, command.Status, command.UpdatedAt)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// GetCommand implements router.CommandStore
func (s *Store) GetCommand(id uuid.UUID) (*router.Command, error) {
	command := &router.Command{}
	var payload []byte
	err := s.db.QueryRow(`
SELECT command_id, device_id, account_id, payload, issued_at, status, updated_at
FROM commands WHERE command_id = $1;`, id,
	).Scan(&command.ID, &command.DeviceID, &command.AccountID, &payload,
		&command.IssuedAt, &command.Status, &command.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, router.ErrCommandNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	command.Payload = payload
	return command, nil
}

// fromStatuses returns the statuses a command may be in for a transition to
// the given status to apply. Mirrors router.CanTransition.
func fromStatuses(to router.Status) []string {
	switch to {
	case router.Sent:
		return []string{string(router.Pending)}
	case router.Acknowledged:
		return []string{string(router.Sent)}
	case router.Failed, router.Expired:
		return []string{string(router.Pending), string(router.Sent)}
	}
	return nil
}

// Transition implements router.CommandStore. The status guard in the WHERE
// clause makes the first terminal transition win atomically.
func (s *Store) Transition(id uuid.UUID, to router.Status) (bool, error) {
	from := fromStatuses(to)
	if from == nil {
		return false, nil
	}
	res, err := s.db.Exec(`
UPDATE commands SET status = $2, updated_at = now()
WHERE command_id = $1 AND status = ANY($3);`,
		id, to, pq.Array(from))
	if err != nil {
		return false, storageErr(err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return count > 0, nil
}

var _ registry.Store = (*Store)(nil)
var _ router.CommandStore = (*Store)(nil)
