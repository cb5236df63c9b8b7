package core

import "errors"

// Code is a machine-readable reason for an authentication rejection.
type Code string

// Rejection codes. Every failure of the token-trust pipeline maps to exactly one.
const (
	CodeMalformed        Code = "malformed"
	CodeUntrustedIssuer  Code = "untrusted_issuer"
	CodeDiscoveryFailed  Code = "discovery_failed"
	CodeUnknownKey       Code = "unknown_key"
	CodeBadSignature     Code = "bad_signature"
	CodeExpired          Code = "expired"
	CodeNotYetValid      Code = "not_yet_valid"
	CodeAudienceRejected Code = "audience_rejected"
	CodeConfigInvalid    Code = "config_invalid"
	CodeNotInitialized   Code = "not_initialized"
)

// Sentinel errors, one per Code. An *AuthError matches the sentinel of its
// code with errors.Is, and lower layers wrap these sentinels directly.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrUntrustedIssuer  = errors.New("issuer not trusted")
	ErrDiscoveryFailed  = errors.New("key discovery failed")
	ErrUnknownKey       = errors.New("signing key not found")
	ErrBadSignature     = errors.New("signature invalid")
	ErrExpired          = errors.New("token expired")
	ErrNotYetValid      = errors.New("token not yet valid")
	ErrAudienceRejected = errors.New("audience rejected")
	ErrConfigInvalid    = errors.New("configuration invalid")
	ErrNotInitialized   = errors.New("provider not initialized")
)

var sentinels = map[Code]error{
	CodeMalformed:        ErrMalformed,
	CodeUntrustedIssuer:  ErrUntrustedIssuer,
	CodeDiscoveryFailed:  ErrDiscoveryFailed,
	CodeUnknownKey:       ErrUnknownKey,
	CodeBadSignature:     ErrBadSignature,
	CodeExpired:          ErrExpired,
	CodeNotYetValid:      ErrNotYetValid,
	CodeAudienceRejected: ErrAudienceRejected,
	CodeConfigInvalid:    ErrConfigInvalid,
	CodeNotInitialized:   ErrNotInitialized,
}

// AuthError is the typed rejection returned to the host. It carries a Code
// the host can map to its own connection-rejection behavior, a message safe
// to log, and the underlying cause.
type AuthError struct {
	// Code is the rejection reason.
	Code Code

	// Message is a human-readable description. It never contains key
	// material or raw discovery documents.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error for error unwrapping.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel error for this error's code.
func (e *AuthError) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// NewAuthError creates a new AuthError with the given code and message.
func NewAuthError(code Code, message string, err error) *AuthError {
	return &AuthError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf classifies err. An *AuthError anywhere in the chain wins; otherwise
// the first matching sentinel decides. Unclassifiable errors are reported as
// CodeMalformed so that callers always fail closed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeMalformed
}

// Classify converts err into an *AuthError, keeping the original as cause.
func Classify(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	code := CodeOf(err)
	return NewAuthError(code, "authentication failed", err)
}
