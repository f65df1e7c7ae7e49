package store

import "errors"

var (
	// ErrInvalidID indicates an id that does not match the item pattern.
	ErrInvalidID = errors.New("invalid item id")

	// ErrNotFound indicates the item has no row in the database.
	ErrNotFound = errors.New("item not found")

	// ErrRootMismatch indicates the database was created for another root.
	ErrRootMismatch = errors.New("database root mismatch")

	// ErrSchemaTooNew indicates the database was written by a newer major
	// schema version than this binary understands.
	ErrSchemaTooNew = errors.New("database schema is newer than supported")

	// ErrReadOnly indicates a write was attempted through a read-only store.
	ErrReadOnly = errors.New("store opened read-only")
)
