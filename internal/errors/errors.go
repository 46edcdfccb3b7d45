// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// OwnerMissingMessage is recorded on a campaign whose tenant no longer exists.
const OwnerMissingMessage = "owner missing"

var (
	// ErrEmptyAudience is returned by enqueue when the audience selection resolves to nobody.
	ErrEmptyAudience = &ValidationError{Field: "audience", Reason: "audience is empty"}

	// ErrDispatchSecretMissing rejects a tick before any campaign is touched.
	ErrDispatchSecretMissing = errors.New("dispatch secret is not configured")

	// ErrUnauthorized is returned when the trigger bearer token does not match.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTickInProgress is returned when a tick is already running in this process.
	ErrTickInProgress = errors.New("dispatch tick already in progress")
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

type ErrTenantNotFound struct {
	TenantID int
}

func (e *ErrTenantNotFound) Error() string {
	return fmt.Sprintf("tenant with ID %d not found", e.TenantID)
}

func NewTenantNotFound(id int) error {
	return &ErrTenantNotFound{TenantID: id}
}

// ValidationError reports bad caller input.
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

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var t *ErrTenantNotFound
	return errors.As(err, &c) || errors.As(err, &t)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// StatusCode maps an error to the HTTP status handlers respond with.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTickInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
