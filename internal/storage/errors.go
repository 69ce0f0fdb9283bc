package storage

import (
	"errors"
	"fmt"
)

// NotFoundError signals missing records.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " " + e.Key + " not found"
}

// ConflictError signals duplicate creation attempts.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return e.Resource + " " + e.Key + " conflicts with existing state"
}

// ValidationError represents invalid input supplied by clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// AuthError is returned when a mutation has no valid user behind it.
// Nothing is written when it is returned.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "not authenticated"
	}
	return "not authenticated: " + e.Message
}

// PersistenceError wraps a backend failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// SetupIncompleteError marks a document whose default branch or initial
// commit is missing. Such a document must not be presented as usable.
type SetupIncompleteError struct {
	DocumentID string
	Stage      string
	Err        error
}

func (e *SetupIncompleteError) Error() string {
	msg := fmt.Sprintf("document %s setup incomplete at %s", e.DocumentID, e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SetupIncompleteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// persistence wraps raw backend errors while letting the typed taxonomy through.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		nf    *NotFoundError
		cf    *ConflictError
		val   *ValidationError
		auth  *AuthError
		pe    *PersistenceError
		setup *SetupIncompleteError
	)
	switch {
	case errors.As(err, &nf), errors.As(err, &cf), errors.As(err, &val),
		errors.As(err, &auth), errors.As(err, &pe), errors.As(err, &setup):
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
