// Package couch stores the client registry, conflict records and advisory
// locks in CouchDB. The mutation queue and the entity change log need
// multi-row transactions and stay on SQLite.
package couch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver

	"pos-sync-server/internal/repository"
)

const (
	docTypeClient   = "client"
	docTypeConflict = "conflict"
	docTypeLock     = "lock"

	// CouchDB's _find returns 25 documents unless told otherwise.
	findLimit = 10000

	maxUpdateAttempts = 5
)

// Store is a CouchDB database holding the documents of this package.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
}

func newStore(client *kivik.Client, dbName string) *Store {
	return &Store{client: client, db: client.DB(dbName)}
}

// Connect opens the CouchDB server at url and creates dbName when missing.
func Connect(ctx context.Context, url, dbName string) (*Store, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	return newStore(client, dbName), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Clients() repository.ClientRepository {
	return &clientRepository{store: s}
}

func (s *Store) Conflicts() repository.ConflictRepository {
	return &conflictRepository{store: s}
}

func (s *Store) Locks() repository.LockRepository {
	return newLockRepository(s)
}

func isNotFound(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusNotFound
}

func isConflict(err error) bool {
	return kivik.HTTPStatus(err) == http.StatusConflict
}

// getDoc reads docID into dest, mapping a missing document to repository.ErrNotFound.
func (s *Store) getDoc(ctx context.Context, docID string, dest interface{}) error {
	if err := s.db.Get(ctx, docID).ScanDoc(dest); err != nil {
		if isNotFound(err) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to get %s: %w", docID, err)
	}
	return nil
}

// find runs a Mango query and decodes every returned document with scan.
func (s *Store) find(ctx context.Context, selector map[string]interface{}, scan func(rows *kivik.ResultSet) error) error {
	query := map[string]interface{}{
		"selector": selector,
		"limit":    findLimit,
	}

	rows := s.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

var errRetry = errors.New("document update conflict")

// retryOnConflict reruns fn while CouchDB rejects the write with 409.
func retryOnConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err = fn()
		if err == nil || !(isConflict(err) || errors.Is(err, errRetry)) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxUpdateAttempts, err)
}
