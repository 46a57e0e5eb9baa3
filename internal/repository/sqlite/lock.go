package sqlite

import (
	"context"
	"fmt"
	"time"

	"pos-sync-server/internal/repository"
)

type lockRepository struct {
	s   *Storage
	now func() time.Time
}

// Locks returns leased advisory locks stored in the sync_locks table.
func (s *Storage) Locks() repository.LockRepository {
	return &lockRepository{s: s, now: time.Now}
}

// Acquire takes the lock when it is free, expired, or already held by owner.
func (r *lockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now()
	res, err := r.s.db.ExecContext(ctx,
		`INSERT INTO sync_locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE sync_locks.expires_at <= ? OR sync_locks.owner = excluded.owner`,
		key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return n > 0, nil
}

func (r *lockRepository) Release(ctx context.Context, key, owner string) error {
	_, err := r.s.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE lock_key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (r *lockRepository) Held(ctx context.Context, key string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_locks WHERE lock_key = ? AND expires_at > ?`,
		key, r.now().UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return n > 0, nil
}
