// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError is returned when an input is malformed. Nothing has been
// written when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a duplicate join. ReferralCode is the code of the
// participant that already exists so the caller can recover their link.
type ConflictError struct {
	CampaignID   string
	ReferralCode string
}

func (e *ConflictError) Error() string {
	if e.CampaignID == "" {
		return "phone number already registered"
	}
	return fmt.Sprintf("phone number already registered for campaign %s", e.CampaignID)
}

func NewConflict(campaignID, referralCode string) error {
	return &ConflictError{CampaignID: campaignID, ReferralCode: referralCode}
}

// NotFoundError is returned for unknown campaigns, participants and referral codes.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Kind, e.ID)
}

func NewCampaignNotFound(id string) error {
	return &NotFoundError{Kind: "campaign", ID: id}
}

func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func NewStorage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// NotificationError describes a skipped or failed delivery. It is logged,
// never returned to join callers.
type NotificationError struct {
	Event  string
	Reason string
	Err    error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("notification %s: %s", e.Event, e.Reason)
}

func (e *NotificationError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// AsConflict returns the conflict carried by err, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}

// HTTPStatus maps err to the response status the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	}
	if _, ok := AsConflict(err); ok {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
