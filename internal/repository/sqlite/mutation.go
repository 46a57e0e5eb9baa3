package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type mutationRepository struct {
	s *Storage
}

// Mutations returns the durable mutation queue backed by this storage.
func (s *Storage) Mutations() repository.MutationRepository {
	return &mutationRepository{s: s}
}

const mutationColumns = `seq, id, queue_id, client_ref, business_id, client_id, entity_type, entity_id,
	operation, payload, local_version, status, server_version, retry_count, error_code, error_message,
	submitted_at, updated_at, processed_at, archived_at`

func scanMutation(row rowScanner) (*domain.MutationRecord, error) {
	var (
		m                  domain.MutationRecord
		clientRef, payload sql.NullString
		operation, status  string
		serverVersion      sql.NullInt64
		submitted, updated int64
		processed, archive sql.NullInt64
	)
	err := row.Scan(
		&m.Seq, &m.ID, &m.QueueID, &clientRef, &m.BusinessID, &m.ClientID, &m.EntityType, &m.EntityID,
		&operation, &payload, &m.LocalVersion, &status, &serverVersion, &m.RetryCount,
		&m.ErrorCode, &m.ErrorMessage, &submitted, &updated, &processed, &archive,
	)
	if err != nil {
		return nil, err
	}
	m.ClientRef = clientRef.String
	m.Operation = domain.Operation(operation)
	m.Status = domain.MutationStatus(status)
	m.ServerVersion = int64Ptr(serverVersion)
	m.SubmittedAt = fromNanos(submitted)
	m.UpdatedAt = fromNanos(updated)
	m.ProcessedAt = timePtr(processed)
	m.ArchivedAt = timePtr(archive)
	if m.Payload, err = decodePayload(payload); err != nil {
		return nil, err
	}
	return &m, nil
}

func queryMutations(ctx context.Context, q querier, query string, args ...interface{}) ([]*domain.MutationRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutations: %w", err)
	}
	defer rows.Close()

	var records []*domain.MutationRecord
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		records = append(records, m)
	}
	return records, rows.Err()
}

func (r *mutationRepository) Insert(ctx context.Context, records []*domain.MutationRecord) ([]*domain.MutationRecord, error) {
	stored := make([]*domain.MutationRecord, 0, len(records))
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		for _, m := range records {
			if m.ClientRef != "" {
				row := tx.QueryRowContext(ctx,
					`SELECT `+mutationColumns+` FROM mutations
					 WHERE business_id = ? AND client_id = ? AND client_ref = ?`,
					m.BusinessID, m.ClientID, m.ClientRef)
				existing, err := scanMutation(row)
				if err == nil {
					stored = append(stored, existing)
					continue
				}
				if !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("failed to look up client ref: %w", err)
				}
			}

			payload, err := encodePayload(m.Payload)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO mutations (id, queue_id, client_ref, business_id, client_id, entity_type,
					entity_id, operation, payload, local_version, status, retry_count,
					submitted_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.QueueID, nullableString(m.ClientRef), m.BusinessID, m.ClientID, m.EntityType,
				m.EntityID, string(m.Operation), payload, m.LocalVersion, string(m.Status), m.RetryCount,
				toNanos(m.SubmittedAt), toNanos(m.UpdatedAt))
			if err != nil {
				return fmt.Errorf("failed to insert mutation: %w", err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to read mutation seq: %w", err)
			}
			m.Seq = seq
			stored = append(stored, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *mutationRepository) ClaimBatch(ctx context.Context, businessID, clientID string, limit int, at time.Time) ([]*domain.MutationRecord, error) {
	var claimed []*domain.MutationRecord
	err := r.s.inTx(ctx, func(tx *sql.Tx) error {
		records, err := queryMutations(ctx, tx,
			`SELECT `+mutationColumns+` FROM mutations
			 WHERE business_id = ? AND client_id = ? AND status = ?
			 ORDER BY seq LIMIT ?`,
			businessID, clientID, string(domain.StatusPending), limit)
		if err != nil {
			return err
		}
		for _, m := range records {
			_, err := tx.ExecContext(ctx,
				`UPDATE mutations SET status = ?, updated_at = ? WHERE seq = ?`,
				string(domain.StatusProcessing), toNanos(at), m.Seq)
			if err != nil {
				return fmt.Errorf("failed to claim mutation: %w", err)
			}
			m.Status = domain.StatusProcessing
			m.UpdatedAt = at
		}
		claimed = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *mutationRepository) ResetProcessing(ctx context.Context, businessID, clientID string) (int, error) {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE mutations SET status = ? WHERE business_id = ? AND client_id = ? AND status = ?`,
		string(domain.StatusPending), businessID, clientID, string(domain.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *mutationRepository) FindByID(ctx context.Context, businessID, clientID, id string) (*domain.MutationRecord, error) {
	row := r.s.db.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM mutations WHERE id = ? AND business_id = ? AND client_id = ?`,
		id, businessID, clientID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mutation: %w", err)
	}
	return m, nil
}

func (r *mutationRepository) UpdateStatus(ctx context.Context, update *domain.StatusUpdate) error {
	return r.s.inTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM mutations WHERE id = ? AND business_id = ? AND client_id = ?`,
			update.MutationID, update.BusinessID, update.ClientID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read mutation status: %w", err)
		}

		from := domain.MutationStatus(current)
		if !statusIn(from, update.From) || !from.CanTransition(update.To) {
			return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, from, update.To)
		}

		var processedAt sql.NullInt64
		if update.To != domain.StatusPending && update.To != domain.StatusProcessing {
			processedAt = sql.NullInt64{Int64: toNanos(update.At), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE mutations SET status = ?, server_version = ?, error_code = ?, error_message = ?,
				updated_at = ?, processed_at = ?
			 WHERE id = ?`,
			string(update.To), nullableInt64(update.ServerVersion), update.ErrorCode, update.ErrorMessage,
			toNanos(update.At), processedAt, update.MutationID)
		if err != nil {
			return fmt.Errorf("failed to update mutation status: %w", err)
		}
		return nil
	})
}

func statusIn(s domain.MutationStatus, allowed []domain.MutationStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}

func (r *mutationRepository) Delete(ctx context.Context, businessID, clientID string, statuses []domain.MutationStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := append([]interface{}{businessID, clientID}, statusArgs(statuses)...)
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE business_id = ? AND client_id = ? AND status IN `+inClause(len(statuses)),
		args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *mutationRepository) RequeueFailed(ctx context.Context, businessID, clientID string, ids []string, at time.Time) (int, error) {
	query := `UPDATE mutations SET status = ?, retry_count = retry_count + 1, server_version = NULL,
			error_code = '', error_message = '', processed_at = NULL, updated_at = ?
		 WHERE business_id = ? AND client_id = ? AND status = ? AND archived_at IS NULL`
	args := []interface{}{string(domain.StatusPending), toNanos(at), businessID, clientID, string(domain.StatusFailed)}
	if len(ids) > 0 {
		query += ` AND id IN ` + inClause(len(ids))
		args = append(args, stringArgs(ids)...)
	}

	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *mutationRepository) CountByStatus(ctx context.Context, businessID, clientID string) (map[domain.MutationStatus]int, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations
		 WHERE business_id = ? AND client_id = ? AND archived_at IS NULL
		 GROUP BY status`, businessID, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	counts := map[domain.MutationStatus]int{
		domain.StatusPending:    0,
		domain.StatusProcessing: 0,
		domain.StatusSuccess:    0,
		domain.StatusFailed:     0,
		domain.StatusConflict:   0,
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[domain.MutationStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *mutationRepository) Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.MutationStats, error) {
	upper := int64(math.MaxInt64)
	if !to.IsZero() {
		upper = to.UnixNano()
	}
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END) FROM mutations
		 WHERE business_id = ? AND submitted_at >= ? AND submitted_at < ?
		 GROUP BY status`, businessID, toNanos(from), upper)
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation statistics: %w", err)
	}
	defer rows.Close()

	stats := &domain.MutationStats{ByStatus: make(map[domain.MutationStatus]int)}
	for rows.Next() {
		var (
			status     string
			n, retried int
		)
		if err := rows.Scan(&status, &n, &retried); err != nil {
			return nil, fmt.Errorf("failed to scan mutation statistics: %w", err)
		}
		stats.ByStatus[domain.MutationStatus(status)] = n
		stats.Total += n
		stats.Retried += retried
	}
	return stats, rows.Err()
}

func (r *mutationRepository) Archive(ctx context.Context, businessID, clientID string, statuses []domain.MutationStatus, processedBefore, at time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	var (
		where = []string{"archived_at IS NULL", "processed_at IS NOT NULL", "processed_at < ?"}
		args  = []interface{}{toNanos(at), toNanos(processedBefore)}
	)
	if businessID != "" {
		where = append(where, "business_id = ?")
		args = append(args, businessID)
	}
	if clientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, clientID)
	}
	where = append(where, "status IN "+inClause(len(statuses)))
	args = append(args, statusArgs(statuses)...)

	res, err := r.s.db.ExecContext(ctx,
		`UPDATE mutations SET archived_at = ? WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to archive mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *mutationRepository) PurgeArchived(ctx context.Context, archivedBefore time.Time) (int, error) {
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE archived_at IS NOT NULL AND archived_at < ?`, toNanos(archivedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge archived mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
