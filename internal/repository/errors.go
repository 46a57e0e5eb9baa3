package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist in the business scope.
	ErrNotFound = errors.New("record not found")

	// ErrVersionMismatch indicates the entity moved past the expected version.
	ErrVersionMismatch = errors.New("entity version mismatch")

	// ErrEntityNotFound indicates an update or delete against an entity that does not exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrAlreadyResolved indicates the conflict was resolved by an earlier call.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrBusinessMismatch indicates the client id is registered under another business.
	ErrBusinessMismatch = errors.New("client registered under another business")

	// ErrInvalidTransition indicates the record is not in one of the expected statuses.
	ErrInvalidTransition = errors.New("invalid status transition")
)
