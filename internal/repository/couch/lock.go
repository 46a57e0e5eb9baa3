package couch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pos-sync-server/internal/repository"
)

type lockDoc struct {
	DocID     string `json:"_id"`
	Rev       string `json:"_rev,omitempty"`
	DocType   string `json:"doc_type"`
	Owner     string `json:"owner"`
	ExpiresAt int64  `json:"expires_at"`
}

func lockDocID(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

// lockRepository leases locks through document revisions: two servers racing
// for the same lock both read one revision and only one Put succeeds.
type lockRepository struct {
	store *Store
	now   func() time.Time
}

func newLockRepository(s *Store) *lockRepository {
	return &lockRepository{store: s, now: time.Now}
}

func (r *lockRepository) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := r.now()

	var doc lockDoc
	err := r.store.getDoc(ctx, lockDocID(key), &doc)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		doc = lockDoc{DocID: lockDocID(key), DocType: docTypeLock}
	case err != nil:
		return false, err
	case doc.Owner != owner && doc.ExpiresAt > now.UnixNano():
		return false, nil
	}

	doc.Owner = owner
	doc.ExpiresAt = now.Add(ttl).UnixNano()
	if _, err := r.store.db.Put(ctx, doc.DocID, doc); err != nil {
		if isConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil
}

func (r *lockRepository) Release(ctx context.Context, key, owner string) error {
	var doc lockDoc
	err := r.store.getDoc(ctx, lockDocID(key), &doc)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Owner != owner {
		return nil
	}
	if _, err := r.store.db.Delete(ctx, doc.DocID, doc.Rev); err != nil && !isConflict(err) && !isNotFound(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (r *lockRepository) Held(ctx context.Context, key string) (bool, error) {
	var doc lockDoc
	err := r.store.getDoc(ctx, lockDocID(key), &doc)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.ExpiresAt > r.now().UnixNano(), nil
}
