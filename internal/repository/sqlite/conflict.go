package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type conflictRepository struct {
	s *Storage
}

// Conflicts returns the conflict record store backed by this storage.
func (s *Storage) Conflicts() repository.ConflictRepository {
	return &conflictRepository{s: s}
}

const conflictColumns = `id, mutation_id, business_id, client_id, entity_type, entity_id, operation,
	client_version, server_version, client_payload, server_payload, server_deleted, strategy,
	resolution, resolved_payload, resolved_version, resolved_by, resolved_at, reason, detected_at`

func scanConflict(row rowScanner) (*domain.ConflictRecord, error) {
	var (
		c                            domain.ConflictRecord
		operation, resolution        string
		clientPayload, serverPayload sql.NullString
		resolvedPayload              sql.NullString
		serverDeleted                int
		resolvedVersion, resolvedAt  sql.NullInt64
		detectedAt                   int64
	)
	err := row.Scan(
		&c.ID, &c.MutationID, &c.BusinessID, &c.ClientID, &c.EntityType, &c.EntityID, &operation,
		&c.ClientVersion, &c.ServerVersion, &clientPayload, &serverPayload, &serverDeleted, &c.Strategy,
		&resolution, &resolvedPayload, &resolvedVersion, &c.ResolvedBy, &resolvedAt, &c.Reason, &detectedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Operation = domain.Operation(operation)
	c.Resolution = domain.Resolution(resolution)
	c.ServerDeleted = intToBool(serverDeleted)
	c.ResolvedVersion = int64Ptr(resolvedVersion)
	c.ResolvedAt = timePtr(resolvedAt)
	c.DetectedAt = fromNanos(detectedAt)

	if c.ClientPayload, err = decodePayload(clientPayload); err != nil {
		return nil, err
	}
	if c.ServerPayload, err = decodePayload(serverPayload); err != nil {
		return nil, err
	}
	if c.ResolvedPayload, err = decodePayload(resolvedPayload); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conflictRepository) Save(ctx context.Context, conflict *domain.ConflictRecord) (*domain.ConflictRecord, error) {
	clientPayload, err := encodePayload(conflict.ClientPayload)
	if err != nil {
		return nil, err
	}
	serverPayload, err := encodePayload(conflict.ServerPayload)
	if err != nil {
		return nil, err
	}

	var stored *domain.ConflictRecord
	err = r.s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+conflictColumns+` FROM conflicts WHERE mutation_id = ?`, conflict.MutationID)
		existing, err := scanConflict(row)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO conflicts (id, mutation_id, business_id, client_id, entity_type, entity_id,
					operation, client_version, server_version, client_payload, server_payload,
					server_deleted, strategy, reason, detected_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				conflict.ID, conflict.MutationID, conflict.BusinessID, conflict.ClientID,
				conflict.EntityType, conflict.EntityID, string(conflict.Operation),
				conflict.ClientVersion, conflict.ServerVersion, clientPayload, serverPayload,
				boolToInt(conflict.ServerDeleted), conflict.Strategy, conflict.Reason,
				toNanos(conflict.DetectedAt))
			if err != nil {
				return fmt.Errorf("failed to insert conflict: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up conflict: %w", err)
		case existing.Resolved():
			stored = existing
			return nil
		default:
			_, err = tx.ExecContext(ctx,
				`UPDATE conflicts SET server_version = ?, server_payload = ?, server_deleted = ?,
					strategy = ?, reason = ?
				 WHERE id = ?`,
				conflict.ServerVersion, serverPayload, boolToInt(conflict.ServerDeleted),
				conflict.Strategy, conflict.Reason, existing.ID)
			if err != nil {
				return fmt.Errorf("failed to refresh conflict: %w", err)
			}
		}

		row = tx.QueryRowContext(ctx,
			`SELECT `+conflictColumns+` FROM conflicts WHERE mutation_id = ?`, conflict.MutationID)
		stored, err = scanConflict(row)
		if err != nil {
			return fmt.Errorf("failed to read conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *conflictRepository) FindByMutation(ctx context.Context, businessID, clientID, mutationID string) (*domain.ConflictRecord, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE mutation_id = ? AND business_id = ? AND client_id = ?`,
		mutationID, businessID, clientID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find conflict: %w", err)
	}
	return c, nil
}

func (r *conflictRepository) ListPending(ctx context.Context, businessID, clientID string) ([]*domain.ConflictRecord, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE business_id = ? AND client_id = ? AND resolved_at IS NULL
		 ORDER BY detected_at, id`, businessID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*domain.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (r *conflictRepository) MarkResolved(ctx context.Context, conflict *domain.ConflictRecord) error {
	resolvedPayload, err := encodePayload(conflict.ResolvedPayload)
	if err != nil {
		return err
	}

	return r.s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conflicts SET resolution = ?, resolved_payload = ?, resolved_version = ?,
				resolved_by = ?, resolved_at = ?, strategy = ?, reason = ?
			 WHERE id = ? AND business_id = ? AND resolved_at IS NULL`,
			string(conflict.Resolution), resolvedPayload, nullableInt64(conflict.ResolvedVersion),
			conflict.ResolvedBy, nullableNanos(conflict.ResolvedAt), conflict.Strategy, conflict.Reason,
			conflict.ID, conflict.BusinessID)
		if err != nil {
			return fmt.Errorf("failed to resolve conflict: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM conflicts WHERE id = ? AND business_id = ?`,
			conflict.ID, conflict.BusinessID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check conflict: %w", err)
		}
		if exists == 0 {
			return repository.ErrNotFound
		}
		return repository.ErrAlreadyResolved
	})
}

func (r *conflictRepository) Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.ConflictStats, error) {
	upper := int64(math.MaxInt64)
	if !to.IsZero() {
		upper = to.UnixNano()
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT strategy, resolved_at IS NOT NULL, COUNT(*) FROM conflicts
		 WHERE business_id = ? AND detected_at >= ? AND detected_at < ?
		 GROUP BY strategy, resolved_at IS NOT NULL`, businessID, toNanos(from), upper)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict statistics: %w", err)
	}
	defer rows.Close()

	stats := &domain.ConflictStats{ByStrategy: make(map[string]int)}
	for rows.Next() {
		var (
			strategy string
			resolved int
			n        int
		)
		if err := rows.Scan(&strategy, &resolved, &n); err != nil {
			return nil, fmt.Errorf("failed to scan conflict statistics: %w", err)
		}
		stats.Total += n
		stats.ByStrategy[strategy] += n
		if intToBool(resolved) {
			stats.Resolved += n
		} else {
			stats.Pending += n
		}
	}
	return stats, rows.Err()
}

func (r *conflictRepository) PurgeResolved(ctx context.Context, resolvedBefore time.Time) (int, error) {
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM conflicts WHERE resolved_at IS NOT NULL AND resolved_at < ?`, toNanos(resolvedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge conflicts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
