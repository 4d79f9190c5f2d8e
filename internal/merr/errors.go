// ABOUTME: Closed-enum error taxonomy shared across store, mcp, and coordinator packages.
// ABOUTME: Provides Kind, Error (with cause chain), and constructors; classification happens at creation, never by substring match.
package merr

import "fmt"

// Kind discriminates the category of an Error. Kinds are closed: new
// categories are added here, never inferred from message text downstream.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindServerDisabled Kind = "server_disabled"
	KindServerNotFound Kind = "server_not_found"
	KindToolDenied     Kind = "tool_denied"
	KindToolTimeout    Kind = "tool_timeout"
	KindProviderError  Kind = "provider_error"
	KindStorage        Kind = "storage_error"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

// ProviderErrorCategory further discriminates KindProviderError.
type ProviderErrorCategory string

const (
	ProviderNetwork       ProviderErrorCategory = "network"
	ProviderAuth          ProviderErrorCategory = "auth"
	ProviderRateLimit     ProviderErrorCategory = "rate_limit"
	ProviderContextLength ProviderErrorCategory = "context_length"
	ProviderServer        ProviderErrorCategory = "server"
)

// Error is the single error type returned at every component boundary.
// Kind is set once at construction; callers branch on Kind, never on
// Error() text.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Provider ProviderErrorCategory // only meaningful when Kind == KindProviderError
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, merr.NotFound(""))-style checks: any *Error
// target with the same Kind matches; callers should prefer merr.KindOf(err)
// for explicit switches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, defaulting to KindInternal for errors
// that did not originate from this package (e.g. a leaked stdlib error).
func KindOf(err error) Kind {
	var e *Error
	if AsError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError is a small errors.As wrapper kept local so callers don't need to
// import "errors" just to unwrap a merr.Error.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func NotFound(message string) *Error   { return New(KindNotFound, message) }
func Validation(message string) *Error { return New(KindValidation, message) }
func Conflict(message string) *Error   { return New(KindConflict, message) }
func Cancelled(message string) *Error  { return New(KindCancelled, message) }
func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}
func Storage(message string, cause error) *Error {
	return Wrap(KindStorage, message, cause)
}

func Provider(category ProviderErrorCategory, message string, cause error) *Error {
	return &Error{Kind: KindProviderError, Message: message, Cause: cause, Provider: category}
}
