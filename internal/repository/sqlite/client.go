package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type clientRepository struct {
	s *Storage
}

// Clients returns the client registry backed by this storage.
func (s *Storage) Clients() repository.ClientRepository {
	return &clientRepository{s: s}
}

const clientColumns = `client_id, business_id, user_id, device_name, device_type, device_os,
	app_version, push_token, last_sync_at, last_acked_seq, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClient(row rowScanner) (*domain.Client, error) {
	var (
		c                             domain.Client
		lastSync, registered, updated int64
	)
	err := row.Scan(
		&c.ClientID, &c.BusinessID, &c.UserID,
		&c.Device.Name, &c.Device.Type, &c.Device.OS, &c.Device.AppVersion,
		&c.PushToken, &lastSync, &c.LastAckedSeq, &registered, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.LastSyncAt = fromNanos(lastSync)
	c.RegisteredAt = fromNanos(registered)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

func findClient(ctx context.Context, q querier, businessID, clientID string) (*domain.Client, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ? AND business_id = ?`,
		clientID, businessID)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find client: %w", err)
	}
	return c, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *clientRepository) Upsert(ctx context.Context, client *domain.Client) (*domain.Client, error) {
	var stored *domain.Client
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx,
			`SELECT business_id FROM clients WHERE client_id = ?`, client.ClientID).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
				client.ClientID, client.BusinessID, client.UserID,
				client.Device.Name, client.Device.Type, client.Device.OS, client.Device.AppVersion,
				client.PushToken, toNanos(client.RegisteredAt), toNanos(client.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert client: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up client: %w", err)
		case owner != client.BusinessID:
			return repository.ErrBusinessMismatch
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE clients SET user_id = ?, device_name = ?, device_type = ?, device_os = ?,
					app_version = ?, push_token = ?, updated_at = ?
				 WHERE client_id = ?`,
				client.UserID, client.Device.Name, client.Device.Type, client.Device.OS,
				client.Device.AppVersion, client.PushToken, toNanos(client.UpdatedAt), client.ClientID)
			if err != nil {
				return fmt.Errorf("failed to update client: %w", err)
			}
		}

		stored, err = findClient(ctx, tx, client.BusinessID, client.ClientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *clientRepository) FindByID(ctx context.Context, businessID, clientID string) (*domain.Client, error) {
	return findClient(ctx, r.s.db, businessID, clientID)
}

func (r *clientRepository) List(ctx context.Context, businessID string) ([]*domain.Client, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE business_id = ? ORDER BY registered_at, client_id`,
		businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*domain.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *clientRepository) Delete(ctx context.Context, businessID, clientID string) error {
	return r.s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM clients WHERE client_id = ? AND business_id = ?`, clientID, businessID)
		if err != nil {
			return fmt.Errorf("failed to delete client: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return repository.ErrNotFound
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM client_entity_versions WHERE business_id = ? AND client_id = ?`,
			businessID, clientID)
		if err != nil {
			return fmt.Errorf("failed to delete client entity versions: %w", err)
		}
		return nil
	})
}

func (r *clientRepository) UpdateCheckpoint(ctx context.Context, businessID, clientID string, at time.Time) (*domain.Client, error) {
	var c *domain.Client
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE clients SET last_sync_at = ?, updated_at = ?
			 WHERE client_id = ? AND business_id = ? AND last_sync_at < ?`,
			toNanos(at), toNanos(at), clientID, businessID, toNanos(at))
		if err != nil {
			return fmt.Errorf("failed to update checkpoint: %w", err)
		}
		c, err = findClient(ctx, tx, businessID, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *clientRepository) AdvanceAckedSeq(ctx context.Context, businessID, clientID string, seq int64) (*domain.Client, error) {
	var c *domain.Client
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE clients SET last_acked_seq = ?
			 WHERE client_id = ? AND business_id = ? AND last_acked_seq < ?`,
			seq, clientID, businessID, seq)
		if err != nil {
			return fmt.Errorf("failed to advance acked seq: %w", err)
		}
		c, err = findClient(ctx, tx, businessID, clientID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *clientRepository) SetEntityVersion(ctx context.Context, businessID, clientID string, key domain.EntityKey, version int64) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO client_entity_versions (business_id, client_id, entity_type, entity_id, server_version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (business_id, client_id, entity_type, entity_id)
		 DO UPDATE SET server_version = excluded.server_version
		 WHERE excluded.server_version > client_entity_versions.server_version`,
		businessID, clientID, key.EntityType, key.EntityID, version)
	if err != nil {
		return fmt.Errorf("failed to set entity version: %w", err)
	}
	return nil
}

func (r *clientRepository) EntityVersions(ctx context.Context, businessID, clientID string) (map[domain.EntityKey]int64, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, server_version FROM client_entity_versions
		 WHERE business_id = ? AND client_id = ?`, businessID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity versions: %w", err)
	}
	defer rows.Close()

	versions := make(map[domain.EntityKey]int64)
	for rows.Next() {
		var (
			key     domain.EntityKey
			version int64
		)
		if err := rows.Scan(&key.EntityType, &key.EntityID, &version); err != nil {
			return nil, fmt.Errorf("failed to scan entity version: %w", err)
		}
		versions[key] = version
	}
	return versions, rows.Err()
}
