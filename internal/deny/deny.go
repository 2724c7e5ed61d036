// Package deny holds the failure taxonomy shared by every pipeline stage.
package deny

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthenticated
	KindPermissionDenied
	KindContextMissing
	KindContextConflict
	KindNotFound
	KindLocked
	KindExpired
	KindInsufficientScope
	KindConfigError
	KindInvalidCredential
	KindTenantInactive
	KindRateLimited
)

var kindNames = map[Kind]string{
	KindUnknown:           "internal",
	KindUnauthenticated:   "unauthenticated",
	KindPermissionDenied:  "permission_denied",
	KindContextMissing:    "context_missing",
	KindContextConflict:   "context_conflict",
	KindNotFound:          "not_found",
	KindLocked:            "locked",
	KindExpired:           "expired",
	KindInsufficientScope: "insufficient_scope",
	KindConfigError:       "config_error",
	KindInvalidCredential: "invalid_credential",
	KindTenantInactive:    "tenant_inactive",
	KindRateLimited:       "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "internal"
}

// Status maps the kind to its HTTP-equivalent status code.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated, KindInvalidCredential, KindExpired:
		return http.StatusUnauthorized
	case KindPermissionDenied, KindInsufficientScope, KindTenantInactive:
		return http.StatusForbidden
	case KindContextMissing, KindConfigError:
		return http.StatusUnprocessableEntity
	case KindContextConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindLocked:
		return http.StatusLocked
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a terminal per-request failure. Meta is echoed to API callers, so
// it must only carry values that are safe to show (required terms, the two
// conflicting branch ids, the missing ability).
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Is matches sentinels of the same kind. Sentinels carry no message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Meta == nil
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrPermissionDenied  = &Error{Kind: KindPermissionDenied}
	ErrContextMissing    = &Error{Kind: KindContextMissing}
	ErrContextConflict   = &Error{Kind: KindContextConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrLocked            = &Error{Kind: KindLocked}
	ErrExpired           = &Error{Kind: KindExpired}
	ErrInsufficientScope = &Error{Kind: KindInsufficientScope}
	ErrConfig            = &Error{Kind: KindConfigError}
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
	ErrTenantInactive    = &Error{Kind: KindTenantInactive}
)

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithMeta returns a copy of e with key set in Meta.
func (e *Error) WithMeta(key string, value any) *Error {
	cp := *e
	cp.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		cp.Meta[k] = v
	}
	cp.Meta[key] = value
	return &cp
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// KindOf classifies err; non-deny errors are KindUnknown.
func KindOf(err error) Kind {
	if de, ok := As(err); ok {
		return de.Kind
	}
	return KindUnknown
}

// Payload is the API-mode deny body.
type Payload struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// PayloadFor renders err for API callers. Errors outside the taxonomy get a
// generic message so internals never leak.
func PayloadFor(err error) (int, Payload) {
	de, ok := As(err)
	if !ok {
		return http.StatusInternalServerError, Payload{Message: "internal error"}
	}
	msg := de.Message
	if msg == "" {
		msg = de.Kind.String()
	}
	return de.Kind.Status(), Payload{Message: msg, Meta: de.Meta}
}
