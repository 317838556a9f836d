// Package apperror defines the machine-readable error taxonomy shared by the
// orchestrator and the HTTP surface.
package apperror

import (
	"errors"
	"net/http"
)

// Error is a structured application error carrying everything the HTTP layer
// needs to shape a response without re-deriving it from a bare Go error.
type Error struct {
	Code       string         `json:"code"`
	HTTPStatus int            `json:"-"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Retryable  bool           `json:"retryable"`
	Details    any            `json:"details,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error for server-side logging, without
// exposing it to the client.
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

func newErr(code string, status int, message, suggestion string, retryable bool) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message, Suggestion: suggestion, Retryable: retryable}
}

// Not found (404).
func StoreNotFound(id string) *Error {
	return newErr("STORE_NOT_FOUND", http.StatusNotFound,
		"store not found", "check the store id and try again", false)
}

func UserNotFound() *Error {
	return newErr("USER_NOT_FOUND", http.StatusNotFound,
		"user not found", "", false)
}

// Conflict (409).
func Conflict(message string) *Error {
	return newErr("CONFLICT", http.StatusConflict, message,
		"reload the resource and retry", false)
}

func InvalidStateTransition(from, to string) *Error {
	return newErr("INVALID_STATE_TRANSITION", http.StatusConflict,
		"cannot transition from "+from+" to "+to, "reload the store status", false)
}

func UserExists() *Error {
	return newErr("USER_EXISTS", http.StatusConflict,
		"a user with that email or username already exists", "sign in instead", false)
}

// Validation (400).
func Validation(message string) *Error {
	return newErr("VALIDATION_ERROR", http.StatusBadRequest, message,
		"correct the indicated fields and resubmit", false)
}

func UnsupportedEngine(engine string) *Error {
	return newErr("UNSUPPORTED_ENGINE", http.StatusBadRequest,
		"unsupported engine: "+engine, "use one of: woocommerce, medusa", false)
}

// Auth (401/403).
func Unauthorized(message string) *Error {
	if message == "" {
		message = "authentication required"
	}
	return newErr("UNAUTHORIZED", http.StatusUnauthorized, message,
		"sign in and retry with a valid bearer token", false)
}

func Forbidden(message string) *Error {
	if message == "" {
		message = "insufficient permissions"
	}
	return newErr("FORBIDDEN", http.StatusForbidden, message, "", false)
}

func InvalidCredentials() *Error {
	return newErr("INVALID_CREDENTIALS", http.StatusUnauthorized,
		"invalid email or password", "", false)
}

// Limiting (429/423).
func RateLimitExceeded(retryAfterSeconds int) *Error {
	e := newErr("RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests,
		"too many requests", "slow down and retry later", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

func StoreLimitExceeded(max int) *Error {
	return newErr("STORE_LIMIT_EXCEEDED", http.StatusTooManyRequests,
		"store limit reached", "delete an existing store before creating another", false)
}

func CreationCooldown(retryAfterSeconds int) *Error {
	e := newErr("CREATION_COOLDOWN", http.StatusTooManyRequests,
		"another store was just created; please wait before creating another",
		"retry after the cooldown window elapses", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

func LoginRateLimited(retryAfterSeconds int) *Error {
	e := newErr("LOGIN_RATE_LIMITED", http.StatusTooManyRequests,
		"too many login attempts", "wait and try again", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

func RegistrationRateLimited(retryAfterSeconds int) *Error {
	e := newErr("REGISTRATION_RATE_LIMITED", http.StatusTooManyRequests,
		"too many registration attempts from this address", "wait and try again", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

func AccountLocked(retryAfterSeconds int) *Error {
	e := newErr("ACCOUNT_LOCKED", http.StatusLocked,
		"account temporarily locked after repeated failed logins",
		"wait for the lockout window to expire", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

// Backend-transient (503).
func ProvisioningQueueFull() *Error {
	return newErr("PROVISIONING_QUEUE_FULL", http.StatusServiceUnavailable,
		"provisioning queue is full", "retry shortly", true)
}

func ProvisioningQueueTimeout() *Error {
	return newErr("PROVISIONING_QUEUE_TIMEOUT", http.StatusServiceUnavailable,
		"timed out waiting for a provisioning slot", "retry shortly", true)
}

func CircuitOpen(retryAfterSeconds int) *Error {
	e := newErr("CIRCUIT_OPEN", http.StatusServiceUnavailable,
		"upstream cluster calls are temporarily suspended", "retry after the breaker resets", true)
	e.Metadata = map[string]any{"retryAfterSeconds": retryAfterSeconds}
	return e
}

func ServiceUnavailable(message string) *Error {
	return newErr("SERVICE_UNAVAILABLE", http.StatusServiceUnavailable, message, "retry shortly", true)
}

// Upstream (500).
func HelmError(message string, retryable bool) *Error {
	return newErr("HELM_ERROR", http.StatusInternalServerError, message, "", retryable)
}

func KubernetesError(message string, retryable bool) *Error {
	return newErr("KUBERNETES_ERROR", http.StatusInternalServerError, message, "", retryable)
}

func ProvisioningError(message string, retryable bool) *Error {
	return newErr("PROVISIONING_ERROR", http.StatusInternalServerError, message, "", retryable)
}

// Timeout (408).
func RequestTimeout() *Error {
	return newErr("REQUEST_TIMEOUT", http.StatusRequestTimeout, "request timed out", "retry", true)
}

// Catch-all (500).
func Internal(message string) *Error {
	if message == "" {
		message = "an unexpected error occurred"
	}
	return newErr("INTERNAL_ERROR", http.StatusInternalServerError, message, "", false)
}

// As extracts an *Error from err, or wraps it as INTERNAL_ERROR if it isn't one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal("an unexpected error occurred").WithCause(err)
}
