package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Provider-level failures. Provider implementations return these (possibly
// wrapped) so the components can classify them.
var (
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrRejected      = errors.New("rejected")
	ErrNetwork       = errors.New("network unavailable")
)

// AuthErrorKind classifies an AuthError.
type AuthErrorKind int

const (
	AuthUnknown AuthErrorKind = iota
	AuthUnauthorized
	AuthAlreadyExists
	AuthNetworkUnavailable
)

func (k AuthErrorKind) String() string {
	switch k {
	case AuthUnauthorized:
		return "unauthorized"
	case AuthAlreadyExists:
		return "already exists"
	case AuthNetworkUnavailable:
		return "network unavailable"
	default:
		return "unknown"
	}
}

// AuthError is returned by the session gateway.
type AuthError struct {
	Kind   AuthErrorKind
	Detail string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return "auth: " + e.Kind.String()
	}
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Detail)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SendErrorKind classifies a SendError.
type SendErrorKind int

const (
	SendNotAuthenticated SendErrorKind = iota + 1
	SendRejected
	SendNetworkUnavailable
)

func (k SendErrorKind) String() string {
	switch k {
	case SendNotAuthenticated:
		return "not authenticated"
	case SendRejected:
		return "rejected"
	default:
		return "network unavailable"
	}
}

// SendError is returned by commands that push state to the provider
// (send, retry, mark read).
type SendError struct {
	Kind   SendErrorKind
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Reason == "" {
		return "send: " + e.Kind.String()
	}
	return fmt.Sprintf("send: %s: %s", e.Kind, e.Reason)
}

func (e *SendError) Unwrap() error { return e.Err }

// FetchErrorKind classifies a FetchError.
type FetchErrorKind int

const (
	FetchUnknown FetchErrorKind = iota
	FetchNetworkUnavailable
	FetchNotFound
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchNetworkUnavailable:
		return "network unavailable"
	case FetchNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// FetchError is returned by history and conversation listing.
type FetchError struct {
	Kind   FetchErrorKind
	Detail string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Detail == "" {
		return "fetch: " + e.Kind.String()
	}
	return fmt.Sprintf("fetch: %s: %s", e.Kind, e.Detail)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ============================================================================
// Classification
// ============================================================================

func isNetworkError(err error) bool {
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// apiCodeIs matches an APIError code against a provider code family,
// e.g. "ERR_UID_ALREADY_EXISTS" against "ALREADY_EXISTS".
func apiCodeIs(err error, family string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToUpper(apiErr.Code), family)
}

func newAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	kind := AuthUnknown
	switch {
	case errors.Is(err, ErrAlreadyExists), apiCodeIs(err, "ALREADY_EXISTS"):
		kind = AuthAlreadyExists
	case errors.Is(err, ErrUnauthorized), apiCodeIs(err, "UNAUTHORIZED"), apiCodeIs(err, "AUTH"):
		kind = AuthUnauthorized
	case isNetworkError(err), apiCodeIs(err, "NETWORK"):
		kind = AuthNetworkUnavailable
	}
	return &AuthError{Kind: kind, Detail: err.Error(), Err: err}
}

func newSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrUnauthorized), apiCodeIs(err, "UNAUTHORIZED"):
		return &SendError{Kind: SendNotAuthenticated, Reason: err.Error(), Err: err}
	case isNetworkError(err), apiCodeIs(err, "NETWORK"), apiCodeIs(err, "TIMEOUT"):
		return &SendError{Kind: SendNetworkUnavailable, Reason: err.Error(), Err: err}
	default:
		return &SendError{Kind: SendRejected, Reason: err.Error(), Err: err}
	}
}

func newFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := FetchUnknown
	switch {
	case errors.Is(err, ErrNotFound), apiCodeIs(err, "NOT_FOUND"):
		kind = FetchNotFound
	case isNetworkError(err), apiCodeIs(err, "NETWORK"), apiCodeIs(err, "TIMEOUT"):
		kind = FetchNetworkUnavailable
	}
	return &FetchError{Kind: kind, Detail: err.Error(), Err: err}
}
