package couch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-kivik/kivik/v4"

	"pos-sync-server/internal/domain"
	"pos-sync-server/internal/repository"
)

type clientDoc struct {
	DocID   string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	DocType string `json:"doc_type"`
	domain.Client
	EntityVersions map[string]int64 `json:"entity_versions,omitempty"`
}

func clientDocID(clientID string) string {
	return fmt.Sprintf("client:%s", clientID)
}

func entityVersionKey(key domain.EntityKey) string {
	return key.String()
}

func parseEntityVersionKey(s string) (domain.EntityKey, bool) {
	entityType, entityID, ok := strings.Cut(s, "/")
	if !ok {
		return domain.EntityKey{}, false
	}
	return domain.EntityKey{EntityType: entityType, EntityID: entityID}, true
}

type clientRepository struct {
	store *Store
}

func (r *clientRepository) load(ctx context.Context, businessID, clientID string) (*clientDoc, error) {
	var doc clientDoc
	if err := r.store.getDoc(ctx, clientDocID(clientID), &doc); err != nil {
		return nil, err
	}
	if doc.BusinessID != businessID {
		return nil, repository.ErrNotFound
	}
	return &doc, nil
}

// modify applies fn to the stored document and writes it back, retrying on revision conflicts.
func (r *clientRepository) modify(ctx context.Context, businessID, clientID string, fn func(doc *clientDoc) bool) (*domain.Client, error) {
	var result *domain.Client
	err := retryOnConflict(func() error {
		doc, err := r.load(ctx, businessID, clientID)
		if err != nil {
			return err
		}
		if fn(doc) {
			rev, err := r.store.db.Put(ctx, doc.DocID, doc)
			if err != nil {
				return err
			}
			doc.Rev = rev
		}
		c := doc.Client
		result = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *clientRepository) Upsert(ctx context.Context, client *domain.Client) (*domain.Client, error) {
	var result *domain.Client
	err := retryOnConflict(func() error {
		var doc clientDoc
		err := r.store.getDoc(ctx, clientDocID(client.ClientID), &doc)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			doc = clientDoc{
				DocID:   clientDocID(client.ClientID),
				DocType: docTypeClient,
				Client:  *client,
			}
			doc.LastSyncAt = time.Time{}
			doc.LastAckedSeq = 0
		case err != nil:
			return err
		case doc.BusinessID != client.BusinessID:
			return repository.ErrBusinessMismatch
		default:
			doc.UserID = client.UserID
			doc.Device = client.Device
			doc.PushToken = client.PushToken
			doc.UpdatedAt = client.UpdatedAt
		}

		if _, err := r.store.db.Put(ctx, doc.DocID, doc); err != nil {
			return err
		}
		c := doc.Client
		result = &c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}
	return result, nil
}

func (r *clientRepository) FindByID(ctx context.Context, businessID, clientID string) (*domain.Client, error) {
	doc, err := r.load(ctx, businessID, clientID)
	if err != nil {
		return nil, err
	}
	return &doc.Client, nil
}

func (r *clientRepository) List(ctx context.Context, businessID string) ([]*domain.Client, error) {
	selector := map[string]interface{}{
		"doc_type":    docTypeClient,
		"business_id": businessID,
	}

	var clients []*domain.Client
	err := r.store.find(ctx, selector, func(rows *kivik.ResultSet) error {
		var doc clientDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil // Skip malformed docs
		}
		c := doc.Client
		clients = append(clients, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].RegisteredAt.Before(clients[j].RegisteredAt)
	})
	return clients, nil
}

func (r *clientRepository) Delete(ctx context.Context, businessID, clientID string) error {
	return retryOnConflict(func() error {
		doc, err := r.load(ctx, businessID, clientID)
		if err != nil {
			return err
		}
		_, err = r.store.db.Delete(ctx, doc.DocID, doc.Rev)
		return err
	})
}

func (r *clientRepository) UpdateCheckpoint(ctx context.Context, businessID, clientID string, at time.Time) (*domain.Client, error) {
	return r.modify(ctx, businessID, clientID, func(doc *clientDoc) bool {
		if !at.After(doc.LastSyncAt) {
			return false
		}
		doc.LastSyncAt = at
		doc.UpdatedAt = at
		return true
	})
}

func (r *clientRepository) AdvanceAckedSeq(ctx context.Context, businessID, clientID string, seq int64) (*domain.Client, error) {
	return r.modify(ctx, businessID, clientID, func(doc *clientDoc) bool {
		if seq <= doc.LastAckedSeq {
			return false
		}
		doc.LastAckedSeq = seq
		return true
	})
}

func (r *clientRepository) SetEntityVersion(ctx context.Context, businessID, clientID string, key domain.EntityKey, version int64) error {
	_, err := r.modify(ctx, businessID, clientID, func(doc *clientDoc) bool {
		k := entityVersionKey(key)
		if doc.EntityVersions[k] >= version {
			return false
		}
		if doc.EntityVersions == nil {
			doc.EntityVersions = make(map[string]int64)
		}
		doc.EntityVersions[k] = version
		return true
	})
	return err
}

func (r *clientRepository) EntityVersions(ctx context.Context, businessID, clientID string) (map[domain.EntityKey]int64, error) {
	doc, err := r.load(ctx, businessID, clientID)
	if err != nil {
		return nil, err
	}
	versions := make(map[domain.EntityKey]int64, len(doc.EntityVersions))
	for k, v := range doc.EntityVersions {
		if key, ok := parseEntityVersionKey(k); ok {
			versions[key] = v
		}
	}
	return versions, nil
}
