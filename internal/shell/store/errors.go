// Package store provides persistence for pipeline executions and capacity
// access keys.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateID      = errors.New("id already exists")
	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	// ErrInvalidData marks rows whose JSON columns cannot be encoded or decoded.
	ErrInvalidData = errors.New("invalid stored data")
)

// StoreError records the store operation and row an error belongs to.
type StoreError struct {
	Op      string // e.g. "CreateExecution"
	Entity  string // "execution" or "access_key"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	subject := e.Op
	if e.Entity != "" {
		subject += " " + e.Entity
	}
	if e.ID != "" {
		subject += " " + e.ID
	}
	return fmt.Sprintf("%s: %s", subject, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError wrapping err.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}
