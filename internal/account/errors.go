package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an Error for the transport boundary.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindExternalProvider
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindExternalProvider:
		return "external_provider"
	default:
		return "internal"
	}
}

// Error is the error type returned by every Manager operation.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Fields maps a request field to the constraint it violated. Only set for
	// KindValidation.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code, so a wrapped or re-created error still matches
// its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

var (
	ErrInvalidCredentials = &Error{Kind: KindAuthentication, Code: "INVALID_CREDENTIALS", Message: "invalid credentials"}
	ErrPendingApproval    = &Error{Kind: KindAuthorization, Code: "PENDING_APPROVAL", Message: "account pending approval"}
	// ErrCurrentPasswordMismatch is a self-service verification failure, not
	// an anonymous sign-in attempt.
	ErrCurrentPasswordMismatch = &Error{Kind: KindAuthentication, Code: "CURRENT_PASSWORD_MISMATCH", Message: "current password is incorrect"}
	ErrInvalidToken            = &Error{Kind: KindAuthentication, Code: "INVALID_TOKEN", Message: "invalid or revoked token"}
	ErrForbidden               = &Error{Kind: KindAuthorization, Code: "FORBIDDEN", Message: "operation not permitted"}
	ErrNotFound                = &Error{Kind: KindNotFound, Code: "NOT_FOUND", Message: "account not found"}
	ErrProvider                = &Error{Kind: KindExternalProvider, Code: "PROVIDER_ERROR", Message: "identity provider failure"}
)

// ValidationError builds a KindValidation error for the given fields.
func ValidationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Code: "VALIDATION_FAILED", Message: "the given data was invalid", Fields: fields}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: msg, Err: err}
}

func providerFailure(err error) *Error {
	return &Error{Kind: KindExternalProvider, Code: ErrProvider.Code, Message: ErrProvider.Message, Err: err}
}

// KindOf reports the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DuplicateError is returned by a Store when a write violates the
// uniqueness of Field (name, email or phone).
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return "duplicate value for " + e.Field
}
