package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrorKind classifies sign-in failures.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	InvalidCredentials
	AccountExists
	WeakCredential
	NetworkUnavailable
	DomainNotAuthorized
	BackendMisconfigured
	MethodDisabled
	Cancelled
)

var kindNames = map[ErrorKind]string{
	Unknown:              "unknown",
	InvalidCredentials:   "invalid_credentials",
	AccountExists:        "account_exists",
	WeakCredential:       "weak_credential",
	NetworkUnavailable:   "network_unavailable",
	DomainNotAuthorized:  "domain_not_authorized",
	BackendMisconfigured: "backend_misconfigured",
	MethodDisabled:       "method_disabled",
	Cancelled:            "cancelled",
}

func (k ErrorKind) String() string { return kindNames[k] }

var kindMessages = map[ErrorKind]string{
	InvalidCredentials:   "Invalid email or password",
	AccountExists:        "This email address is already in use. Please sign in instead.",
	WeakCredential:       "Password should be at least 6 characters.",
	NetworkUnavailable:   "Network error. Please check your connection.",
	BackendMisconfigured: "Authentication is not enabled in backend configuration.",
	MethodDisabled:       "This sign-in method is disabled in the backend.",
	Cancelled:            "Sign-in cancelled",
}

// AuthError is returned by SignIn. Message is safe to show to the user.
type AuthError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError builds an AuthError. raw is the backend's own message,
// used (sanitized) only for Unknown failures.
func NewAuthError(kind ErrorKind, code, raw string, cause error) *AuthError {
	msg, ok := kindMessages[kind]
	if !ok {
		msg = Sanitize(raw)
	}
	return &AuthError{Kind: kind, Code: code, Message: msg, Err: cause}
}

// KindOf returns the kind of err, Unknown when it is not an *AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Unknown
}

// asAuthError converts any backend error into an *AuthError.
func asAuthError(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return NewAuthError(Unknown, "", err.Error(), err)
}

// KindFromCode maps the "auth/..." codes of the hosted auth SDKs.
func KindFromCode(code string) ErrorKind {
	switch strings.TrimPrefix(code, "auth/") {
	case "invalid-credential", "user-not-found", "wrong-password", "invalid-email", "invalid-login-credentials":
		return InvalidCredentials
	case "email-already-in-use":
		return AccountExists
	case "weak-password":
		return WeakCredential
	case "network-request-failed":
		return NetworkUnavailable
	case "unauthorized-domain":
		return DomainNotAuthorized
	case "configuration-not-found", "invalid-api-key", "project-not-found":
		return BackendMisconfigured
	case "operation-not-allowed":
		return MethodDisabled
	case "popup-closed-by-user", "cancelled-popup-request", "user-cancelled":
		return Cancelled
	}
	return Unknown
}

const fallbackMessage = "An unexpected error occurred."

var (
	authCodeToken  = regexp.MustCompile(`\s*\(auth/[^)]*\)\.?`)
	restCodePrefix = regexp.MustCompile(`^[A-Z][A-Z_]+(\s*:\s*|$)`)
	spaces         = regexp.MustCompile(`\s+`)
)

// Sanitize strips vendor prefixes and error codes from a raw backend
// message ("Firebase: Error (auth/internal-error)." becomes "Error").
func Sanitize(raw string) string {
	msg := strings.TrimSpace(raw)
	msg = strings.TrimPrefix(msg, "Firebase: ")
	msg = authCodeToken.ReplaceAllString(msg, "")
	msg = restCodePrefix.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(spaces.ReplaceAllString(msg, " "))
	msg = strings.TrimSuffix(msg, ".")
	if msg == "" {
		return fallbackMessage
	}
	return msg
}
