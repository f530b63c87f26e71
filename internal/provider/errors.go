package provider

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"calhub/internal/models"
)

// Error kinds. Use errors.Is against these to classify an adapter failure.
var (
	// ErrCredentialExpired means the account must be reconnected.
	ErrCredentialExpired = errors.New("credential expired")
	// ErrRateLimited means the provider asked us to back off.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers network failures and 5xx responses; retry later.
	ErrTransient = errors.New("transient provider failure")
	// ErrParse means a provider payload could not be mapped.
	ErrParse = errors.New("unparseable provider payload")
	// ErrConflict means the remote copy changed underneath a write.
	ErrConflict = errors.New("conflicting remote change")
	// ErrSyncTokenInvalidated means the incremental cursor is no longer
	// accepted and a full listing is required.
	ErrSyncTokenInvalidated = errors.New("sync token invalidated")
	// ErrLocalAccount is returned when an adapter is requested for a local account.
	ErrLocalAccount = errors.New("local accounts have no remote adapter")
)

// Error is a classified adapter failure.
type Error struct {
	Kind     error
	Provider models.ProviderKind
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind, so errors.Is(err, ErrRateLimited) works on a
// wrapped *Error.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Wrap classifies err under kind. A nil err stays nil.
func Wrap(kind error, p models.ProviderKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Provider: p, Op: op, Err: err}
}

// ClassifyStatus maps an HTTP status code to an error kind. It returns nil
// for statuses that need a provider-specific decision (e.g. 403, 404).
func ClassifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrCredentialExpired
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusGone:
		return ErrSyncTokenInvalidated
	case code == http.StatusConflict, code == http.StatusPreconditionFailed:
		return ErrConflict
	case code >= 500:
		return ErrTransient
	default:
		return nil
	}
}

var kinds = []error{
	ErrCredentialExpired,
	ErrRateLimited,
	ErrSyncTokenInvalidated,
	ErrConflict,
	ErrParse,
	ErrTransient,
}

// KindOf returns the kind of err, or nil if it is unclassified. Failed
// OAuth refreshes count as expired credentials.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return ErrCredentialExpired
	}
	return nil
}

// KindName returns a short stable name for the kind of err.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrCredentialExpired:
		return "credential_expired"
	case ErrRateLimited:
		return "rate_limited"
	case ErrSyncTokenInvalidated:
		return "sync_token_invalidated"
	case ErrConflict:
		return "conflict"
	case ErrParse:
		return "parse"
	case ErrTransient:
		return "transient"
	default:
		return "unknown"
	}
}
