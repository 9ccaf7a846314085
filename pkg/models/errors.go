package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a help request or knowledge entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when a transition targets a request that already
	// left the pending state.
	ErrAlreadyResolved = errors.New("help request already resolved")
)

// StoreError wraps a failure of the underlying record store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err, leaving nil, ErrNotFound and existing store errors untouched.
func NewStoreError(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
