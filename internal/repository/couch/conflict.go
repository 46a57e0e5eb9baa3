package couch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-kivik/kivik/v4"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

// Conflict documents are keyed by mutation so a mutation has at most one record.
type conflictDoc struct {
	DocID   string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.ConflictRecord
}

func conflictDocID(mutationID string) string {
	return fmt.Sprintf("conflict:%s", mutationID)
}

type conflictRepository struct {
	store *Store
}

func (r *conflictRepository) Save(ctx context.Context, conflict *domain.ConflictRecord) (*domain.ConflictRecord, error) {
	var result *domain.ConflictRecord
	err := retryOnConflict(func() error {
		var doc conflictDoc
		err := r.store.getDoc(ctx, conflictDocID(conflict.MutationID), &doc)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			doc = conflictDoc{
				DocID:          conflictDocID(conflict.MutationID),
				DocType:        docTypeConflict,
				ConflictRecord: *conflict,
			}
		case err != nil:
			return err
		case doc.Resolved():
			c := doc.ConflictRecord
			result = &c
			return nil
		default:
			doc.ServerVersion = conflict.ServerVersion
			doc.ServerPayload = conflict.ServerPayload
			doc.ServerDeleted = conflict.ServerDeleted
			doc.Strategy = conflict.Strategy
			doc.Reason = conflict.Reason
		}

		if _, err := r.store.db.Put(ctx, doc.DocID, doc); err != nil {
			return err
		}
		c := doc.ConflictRecord
		result = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}
	return result, nil
}

func (r *conflictRepository) FindByMutation(ctx context.Context, businessID, clientID, mutationID string) (*domain.ConflictRecord, error) {
	var doc conflictDoc
	if err := r.store.getDoc(ctx, conflictDocID(mutationID), &doc); err != nil {
		return nil, err
	}
	if doc.BusinessID != businessID || doc.ClientID != clientID {
		return nil, repository.ErrNotFound
	}
	return &doc.ConflictRecord, nil
}

func (r *conflictRepository) list(ctx context.Context, selector map[string]interface{}) ([]*domain.ConflictRecord, []string, error) {
	selector["doc_type"] = docTypeConflict

	var (
		conflicts []*domain.ConflictRecord
		revs      []string
	)
	err := r.store.find(ctx, selector, func(rows *kivik.ResultSet) error {
		var doc conflictDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil // Skip malformed docs
		}
		c := doc.ConflictRecord
		conflicts = append(conflicts, &c)
		revs = append(revs, doc.Rev)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, revs, nil
}

func (r *conflictRepository) ListPending(ctx context.Context, businessID, clientID string) ([]*domain.ConflictRecord, error) {
	conflicts, _, err := r.list(ctx, map[string]interface{}{
		"business_id": businessID,
		"client_id":   clientID,
		"resolved_at": map[string]interface{}{"$exists": false},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

func (r *conflictRepository) MarkResolved(ctx context.Context, conflict *domain.ConflictRecord) error {
	return retryOnConflict(func() error {
		var doc conflictDoc
		if err := r.store.getDoc(ctx, conflictDocID(conflict.MutationID), &doc); err != nil {
			return err
		}
		if doc.BusinessID != conflict.BusinessID || doc.ID != conflict.ID {
			return repository.ErrNotFound
		}
		if doc.Resolved() {
			return repository.ErrAlreadyResolved
		}

		doc.Resolution = conflict.Resolution
		doc.ResolvedPayload = conflict.ResolvedPayload
		doc.ResolvedVersion = conflict.ResolvedVersion
		doc.ResolvedBy = conflict.ResolvedBy
		doc.ResolvedAt = conflict.ResolvedAt
		doc.Strategy = conflict.Strategy
		doc.Reason = conflict.Reason

		_, err := r.store.db.Put(ctx, doc.DocID, doc)
		return err
	})
}

func (r *conflictRepository) Statistics(ctx context.Context, businessID string, from, to time.Time) (*domain.ConflictStats, error) {
	conflicts, _, err := r.list(ctx, map[string]interface{}{"business_id": businessID})
	if err != nil {
		return nil, err
	}

	stats := &domain.ConflictStats{ByStrategy: make(map[string]int)}
	for _, c := range conflicts {
		if c.DetectedAt.Before(from) || (!to.IsZero() && !c.DetectedAt.Before(to)) {
			continue
		}
		stats.Total++
		stats.ByStrategy[c.Strategy]++
		if c.Resolved() {
			stats.Resolved++
		} else {
			stats.Pending++
		}
	}
	return stats, nil
}

func (r *conflictRepository) PurgeResolved(ctx context.Context, resolvedBefore time.Time) (int, error) {
	conflicts, revs, err := r.list(ctx, map[string]interface{}{
		"resolved_at": map[string]interface{}{"$exists": true},
	})
	if err != nil {
		return 0, err
	}

	purged := 0
	for i, c := range conflicts {
		if c.ResolvedAt == nil || !c.ResolvedAt.Before(resolvedBefore) {
			continue
		}
		if _, err := r.store.db.Delete(ctx, conflictDocID(c.MutationID), revs[i]); err != nil {
			if isConflict(err) || isNotFound(err) {
				continue
			}
			return purged, fmt.Errorf("failed to purge conflict: %w", err)
		}
		purged++
	}
	return purged, nil
}
