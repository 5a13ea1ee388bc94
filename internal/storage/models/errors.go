package models

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DuplicateIdentityError surfaces a registration collision on the document
// hash; the existing record is never silently overwritten.
type DuplicateIdentityError struct {
	DocumentHash string
	ExistingDID  string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("identity already registered for document hash %s (did %s)", e.DocumentHash, e.ExistingDID)
}

func IsDuplicateIdentity(err error) bool {
	var de *DuplicateIdentityError
	return errors.As(err, &de)
}

// AuthorizationError rejects a decrypt request whose scope does not cover the
// requested fields. Logged for audit at the vault boundary.
type AuthorizationError struct {
	DID   string
	Scope string
	Field string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("scope %q not authorized for field %s of %s", e.Scope, e.Field, e.DID)
}

func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// InvalidTransitionError rejects an illegal status change; state is unchanged.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// AnchorTimeoutError marks a ledger submission that exhausted its retry
// budget; the request stays queued and never blocks the originating write.
type AnchorTimeoutError struct {
	ContentHash string
	Attempts    int
	Err         error
}

func (e *AnchorTimeoutError) Error() string {
	return fmt.Sprintf("anchor submission for %s failed after %d attempts: %v", e.ContentHash, e.Attempts, e.Err)
}

func (e *AnchorTimeoutError) Unwrap() error {
	return e.Err
}

var ErrNotFound = errors.New("record not found")
