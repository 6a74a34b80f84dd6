// Package signerr defines the error taxonomy surfaced by the signing engine.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind (what the caller can do about it), the failing step, a sentinel code
// and the underlying cause. Use errors.Is against the sentinels and KindOf to
// branch on the kind.
package signerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the action available to the caller.
type Kind int

const (
	// Internal marks a bug: a hashing or signing primitive failed or a
	// binary had an unexpected format.
	Internal Kind = iota
	// InputValidation marks malformed input. Nothing was mutated.
	InputValidation
	// Credential marks bad secrets. Retriable with fresh input.
	Credential
	// Trust marks an untrusted, expired or mismatched certificate or profile.
	Trust
	// Quota marks an Apple account limit.
	Quota
	// Network marks an unreachable Apple service after retries.
	Network
)

func (k Kind) String() string {
	switch k {
	case InputValidation:
		return "InputValidationError"
	case Credential:
		return "CredentialError"
	case Trust:
		return "TrustError"
	case Quota:
		return "QuotaError"
	case Network:
		return "NetworkError"
	default:
		return "InternalError"
	}
}

// Input validation codes.
var (
	ErrMalformedArchive   = errors.New("malformed archive")
	ErrMissingMetadata    = errors.New("missing bundle metadata")
	ErrMalformedContainer = errors.New("malformed PKCS#12 container")
	ErrMalformedProfile   = errors.New("malformed provisioning profile")
	ErrInvalidUDID        = errors.New("invalid device UDID")
	ErrWeeklyUnavailable  = errors.New("weekly signing is not available")
)

// Credential codes.
var (
	ErrInvalidPassword    = errors.New("invalid password")
	ErrNoKeyPairFound     = errors.New("no matching key pair found")
	ErrInvalidCredentials = errors.New("invalid Apple ID or password")
	ErrAccountLocked      = errors.New("Apple ID is locked")
	ErrSecondFactorNeeded = errors.New("second factor required")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrSessionExpired     = errors.New("session expired")
	ErrNotAuthenticated   = errors.New("not authenticated")
)

// Trust codes.
var (
	ErrChainUntrusted             = errors.New("certificate chain is not trusted")
	ErrExpired                    = errors.New("expired")
	ErrRevoked                    = errors.New("certificate revoked")
	ErrProfileCertificateMismatch = errors.New("certificate is not in the provisioning profile")
	ErrBundleIDNotAuthorized      = errors.New("bundle identifier not authorized by profile")
)

// Quota codes.
var (
	ErrAppIDLimitReached         = errors.New("weekly app ID limit reached")
	ErrConcurrentAppLimitReached = errors.New("concurrent app limit reached")
	ErrCertificateLimitReached   = errors.New("development certificate limit reached")
)

// Network codes.
var (
	ErrAuthServiceUnavailable = errors.New("Apple authentication service unavailable")
	ErrServiceUnavailable     = errors.New("Apple developer service unavailable")
)

// Internal codes.
var (
	ErrUnsupportedBinary = errors.New("unsupported binary")
	ErrSigningFailed     = errors.New("signing failed")
)

var kinds = map[error]Kind{
	ErrMalformedArchive:   InputValidation,
	ErrMissingMetadata:    InputValidation,
	ErrMalformedContainer: InputValidation,
	ErrMalformedProfile:   InputValidation,
	ErrInvalidUDID:        InputValidation,
	ErrWeeklyUnavailable:  InputValidation,

	ErrInvalidPassword:    Credential,
	ErrNoKeyPairFound:     Credential,
	ErrInvalidCredentials: Credential,
	ErrAccountLocked:      Credential,
	ErrSecondFactorNeeded: Credential,
	ErrInvalidCode:        Credential,
	ErrSessionExpired:     Credential,
	ErrNotAuthenticated:   Credential,

	ErrChainUntrusted:             Trust,
	ErrExpired:                    Trust,
	ErrRevoked:                    Trust,
	ErrProfileCertificateMismatch: Trust,
	ErrBundleIDNotAuthorized:      Trust,

	ErrAppIDLimitReached:         Quota,
	ErrConcurrentAppLimitReached: Quota,
	ErrCertificateLimitReached:   Quota,

	ErrAuthServiceUnavailable: Network,
	ErrServiceUnavailable:     Network,

	ErrUnsupportedBinary: Internal,
	ErrSigningFailed:     Internal,
}

// Error is a typed engine error.
type Error struct {
	Kind Kind
	// Op names the failing step, e.g. "annual.resolve".
	Op   string
	Code error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Code != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Code.Error()
	}
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Code != nil {
		errs = append(errs, e.Code)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// E builds an *Error whose kind is taken from code.
func E(op string, code, cause error) error {
	k, ok := kinds[code]
	if !ok {
		k = Internal
	}
	return &Error{Kind: k, Op: op, Code: code, Err: cause}
}

// Ef is E with a formatted cause.
func Ef(op string, code error, format string, args ...any) error {
	return E(op, code, fmt.Errorf(format, args...))
}

// Internalf wraps an unexpected failure as an Internal error.
func Internalf(op string, format string, args ...any) error {
	return &Error{Kind: Internal, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches op to err. Typed errors keep their kind and code; anything
// else becomes Internal.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: Internal, Op: op, Err: err}
}

// KindOf returns the kind of err. Untyped errors are Internal.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Internal
}

// OpOf returns the failing step recorded on err, if any.
func OpOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Op
	}
	return ""
}

// Retriable reports whether the caller may retry with fresh input or later.
func Retriable(err error) bool {
	switch KindOf(err) {
	case Credential, Network:
		return true
	}
	return false
}
