package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type entityRepository struct {
	s *Storage
}

// Entities returns the versioned entity store and change log backed by this storage.
func (s *Storage) Entities() repository.EntityRepository {
	return &entityRepository{s: s}
}

const changeColumns = `seq, business_id, entity_type, entity_id, operation, payload, server_version,
	changed_fields, mutation_id, origin_client_id, committed_at`

func scanChange(row rowScanner) (*domain.ServerChange, error) {
	var (
		c           domain.ServerChange
		operation   string
		payload     sql.NullString
		changed     string
		committedAt int64
	)
	err := row.Scan(
		&c.Seq, &c.BusinessID, &c.EntityType, &c.EntityID, &operation, &payload, &c.ServerVersion,
		&changed, &c.MutationID, &c.OriginClientID, &committedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Operation = domain.Operation(operation)
	c.CommittedAt = fromNanos(committedAt)
	if c.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changed), &c.ChangedFields); err != nil {
		return nil, fmt.Errorf("failed to decode changed fields: %w", err)
	}
	return &c, nil
}

func queryChanges(ctx context.Context, q querier, query string, args ...interface{}) ([]*domain.ServerChange, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []*domain.ServerChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func findEntity(ctx context.Context, q querier, businessID string, key domain.EntityKey) (*domain.EntityState, error) {
	var (
		e         domain.EntityState
		payload   sql.NullString
		deleted   int
		updatedAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT business_id, entity_type, entity_id, version, payload, deleted, seq, updated_at
		 FROM entities WHERE business_id = ? AND entity_type = ? AND entity_id = ?`,
		businessID, key.EntityType, key.EntityID,
	).Scan(&e.BusinessID, &e.EntityType, &e.EntityID, &e.Version, &payload, &deleted, &e.Seq, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find entity: %w", err)
	}
	e.Deleted = intToBool(deleted)
	e.UpdatedAt = fromNanos(updatedAt)
	if e.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *entityRepository) Current(ctx context.Context, businessID string, key domain.EntityKey) (*domain.EntityState, error) {
	return findEntity(ctx, r.s.db, businessID, key)
}

func (r *entityRepository) Apply(ctx context.Context, req *domain.ApplyRequest) (*domain.ServerChange, error) {
	payload, err := req.Payload.Normalize()
	if err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	key := domain.EntityKey{EntityType: req.EntityType, EntityID: req.EntityID}

	var change *domain.ServerChange
	err = r.s.inTx(ctx, func(tx *sql.Tx) error {
		if req.MutationID != "" {
			row := tx.QueryRowContext(ctx,
				`SELECT `+changeColumns+` FROM change_log WHERE business_id = ? AND mutation_id = ?`,
				req.BusinessID, req.MutationID)
			existing, err := scanChange(row)
			if err == nil {
				change = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to look up applied mutation: %w", err)
			}
		}

		current, err := findEntity(ctx, tx, req.BusinessID, key)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		var (
			version int64
			before  domain.Payload
			live    bool
		)
		if current != nil {
			version = current.Version
			live = !current.Deleted
			if live {
				before = current.Payload
			}
		}
		if version != req.ExpectedVersion {
			return fmt.Errorf("%w: %s at %d, expected %d", repository.ErrVersionMismatch, key, version, req.ExpectedVersion)
		}

		var after domain.Payload
		switch req.Operation {
		case domain.OperationCreate:
			after = payload
			if after == nil {
				after = domain.Payload{}
			}
		case domain.OperationUpdate:
			if !live {
				return fmt.Errorf("%w: %s", repository.ErrEntityNotFound, key)
			}
			after = before.Patch(payload)
		case domain.OperationDelete:
			if !live {
				return fmt.Errorf("%w: %s", repository.ErrEntityNotFound, key)
			}
		default:
			return fmt.Errorf("unsupported operation %q", req.Operation)
		}

		changed := domain.ChangedFields(before, after)
		if changed == nil {
			changed = []string{}
		}
		changedJSON, err := json.Marshal(changed)
		if err != nil {
			return fmt.Errorf("failed to encode changed fields: %w", err)
		}
		encoded, err := encodePayload(after)
		if err != nil {
			return err
		}

		next := version + 1
		res, err := tx.ExecContext(ctx,
			`INSERT INTO change_log (business_id, entity_type, entity_id, operation, payload,
				server_version, changed_fields, mutation_id, origin_client_id, committed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.BusinessID, req.EntityType, req.EntityID, string(req.Operation), encoded,
			next, string(changedJSON), req.MutationID, req.OriginClientID, toNanos(req.At))
		if err != nil {
			return fmt.Errorf("failed to append change: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read change seq: %w", err)
		}

		stored := encoded
		if req.Operation == domain.OperationDelete {
			// tombstones keep the last live payload
			if stored, err = encodePayload(before); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (business_id, entity_type, entity_id, version, payload, deleted, seq, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (business_id, entity_type, entity_id) DO UPDATE SET
				version = excluded.version, payload = excluded.payload, deleted = excluded.deleted,
				seq = excluded.seq, updated_at = excluded.updated_at`,
			req.BusinessID, req.EntityType, req.EntityID, next, stored,
			boolToInt(req.Operation == domain.OperationDelete), seq, toNanos(req.At))
		if err != nil {
			return fmt.Errorf("failed to write entity: %w", err)
		}

		change = &domain.ServerChange{
			Seq:            seq,
			BusinessID:     req.BusinessID,
			EntityType:     req.EntityType,
			EntityID:       req.EntityID,
			Operation:      req.Operation,
			Payload:        after,
			ServerVersion:  next,
			ChangedFields:  changed,
			MutationID:     req.MutationID,
			OriginClientID: req.OriginClientID,
			CommittedAt:    fromNanos(toNanos(req.At)),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return change, nil
}

func (r *entityRepository) ChangeByMutation(ctx context.Context, businessID, mutationID string) (*domain.ServerChange, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM change_log WHERE business_id = ? AND mutation_id = ?`,
		businessID, mutationID)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find change by mutation: %w", err)
	}
	return c, nil
}

func (r *entityRepository) ChangedFieldsSince(ctx context.Context, businessID string, key domain.EntityKey, version int64) ([]string, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT changed_fields FROM change_log
		 WHERE business_id = ? AND entity_type = ? AND entity_id = ? AND server_version > ?`,
		businessID, key.EntityType, key.EntityID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed fields: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan changed fields: %w", err)
		}
		var fields []string
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("failed to decode changed fields: %w", err)
		}
		for _, f := range fields {
			seen[f] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields, nil
}

func (r *entityRepository) PayloadAt(ctx context.Context, businessID string, key domain.EntityKey, version int64) (domain.Payload, error) {
	var payload sql.NullString
	err := r.s.db.QueryRowContext(ctx,
		`SELECT payload FROM change_log
		 WHERE business_id = ? AND entity_type = ? AND entity_id = ? AND server_version = ?`,
		businessID, key.EntityType, key.EntityID, version).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload at version: %w", err)
	}
	return decodePayload(payload)
}

func (r *entityRepository) CurrentSeq(ctx context.Context, businessID string) (int64, error) {
	var seq int64
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM change_log WHERE business_id = ?`, businessID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read current seq: %w", err)
	}
	return seq, nil
}

func (r *entityRepository) ChangesBetween(ctx context.Context, businessID string, since, upTo int64, entityTypes []string, limit int) ([]*domain.ServerChange, error) {
	query := `SELECT ` + changeColumns + ` FROM change_log
		 WHERE business_id = ? AND seq > ? AND seq <= ?`
	args := []interface{}{businessID, since, upTo}
	if len(entityTypes) > 0 {
		query += ` AND entity_type IN ` + inClause(len(entityTypes))
		args = append(args, stringArgs(entityTypes)...)
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return queryChanges(ctx, r.s.db, query, args...)
}

// Snapshot rebuilds the live entity set as of upTo from the latest change of
// each entity at or below that sequence.
func (r *entityRepository) Snapshot(ctx context.Context, businessID string, upTo int64, entityTypes []string) ([]*domain.EntityState, error) {
	inner := `SELECT MAX(seq) FROM change_log WHERE business_id = ? AND seq <= ?`
	args := []interface{}{businessID, upTo}
	if len(entityTypes) > 0 {
		inner += ` AND entity_type IN ` + inClause(len(entityTypes))
		args = append(args, stringArgs(entityTypes)...)
	}
	inner += ` GROUP BY entity_type, entity_id`

	changes, err := queryChanges(ctx, r.s.db,
		`SELECT `+changeColumns+` FROM change_log
		 WHERE seq IN (`+inner+`) AND operation != ?
		 ORDER BY entity_type, entity_id`,
		append(args, string(domain.OperationDelete))...)
	if err != nil {
		return nil, err
	}

	states := make([]*domain.EntityState, 0, len(changes))
	for _, c := range changes {
		states = append(states, &domain.EntityState{
			BusinessID: c.BusinessID,
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Version:    c.ServerVersion,
			Payload:    c.Payload,
			Seq:        c.Seq,
			UpdatedAt:  c.CommittedAt,
		})
	}
	return states, nil
}
