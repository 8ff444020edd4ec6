// Package apperr defines the error taxonomy shared by the token manager, the
// mail client and the sync engine.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeIneligible         = "CONNECTION_INELIGIBLE"
	CodeStoreError         = "STORE_ERROR"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeNotFound           = "NOT_FOUND"
	CodeSyncInProgress     = "SYNC_IN_PROGRESS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidOAuthState  = "INVALID_OAUTH_STATE"
	CodeInvalidRequestBody = "BAD_REQUEST"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrSyncInProgress is returned when a sync pass for the same connection is already running.
	ErrSyncInProgress = errors.New("sync already running for connection")
)

// AuthError means the provider rejected an authorization code or refresh
// token. It is never retried; a human has to run the authorization flow again.
type AuthError struct {
	Op     string // "exchange" or "refresh"
	Status int
	Code   string // OAuth error code, e.g. invalid_grant
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth %s failed", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError is any failed mailbox operation: a non-success HTTP response,
// a transport failure or a timeout. Status is 0 when no response was received.
type ProviderError struct {
	Op     string
	Status int
	Code   string
	Body   string
	Err    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s failed", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Body != "" {
		msg += ": " + e.Body
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IneligibleConnectionError short-circuits a sync on an inactive or
// sync-disabled connection.
type IneligibleConnectionError struct {
	ConnectionID string
	Identity     string
	IsActive     bool
	SyncEnabled  bool
}

func (e *IneligibleConnectionError) Error() string {
	return fmt.Sprintf("connection %s (%s) is not eligible for sync: active=%t sync_enabled=%t",
		e.ConnectionID, e.Identity, e.IsActive, e.SyncEnabled)
}

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ValidationError reports invalid caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store wraps err as a StoreError unless it already is one.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsAuth reports whether err carries an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsProvider reports whether err carries a ProviderError.
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// HTTPStatus maps an error from this package to an HTTP status code.
func HTTPStatus(err error) int {
	var (
		ae *AuthError
		pe *ProviderError
		ie *IneligibleConnectionError
		se *StoreError
		ve *ValidationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSyncInProgress):
		return http.StatusConflict
	case errors.As(err, &ie):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ae):
		return http.StatusUnauthorized
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.As(err, &se):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code for err.
func Code(err error) string {
	var (
		ae *AuthError
		pe *ProviderError
		ie *IneligibleConnectionError
		se *StoreError
		ve *ValidationError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSyncInProgress):
		return CodeSyncInProgress
	case errors.As(err, &ie):
		return CodeIneligible
	case errors.As(err, &ve):
		return CodeValidationFailed
	case errors.As(err, &ae):
		return CodeAuthFailed
	case errors.As(err, &pe):
		return CodeProviderError
	case errors.As(err, &se):
		return CodeStoreError
	default:
		return CodeInternalError
	}
}
