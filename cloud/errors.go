package cloud

import (
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/hazyhaar/noteboard/connectivity"
	"github.com/hazyhaar/noteboard/session"
)

// apiError is the error envelope of the identity REST API.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// codeKinds maps the API's message codes ("EMAIL_EXISTS",
// "WEAK_PASSWORD : Password should be...") to error kinds.
var codeKinds = map[string]session.ErrorKind{
	"EMAIL_EXISTS":              session.AccountExists,
	"INVALID_LOGIN_CREDENTIALS": session.InvalidCredentials,
	"INVALID_PASSWORD":          session.InvalidCredentials,
	"EMAIL_NOT_FOUND":           session.InvalidCredentials,
	"INVALID_EMAIL":             session.InvalidCredentials,
	"INVALID_IDP_RESPONSE":      session.InvalidCredentials,
	"USER_DISABLED":             session.InvalidCredentials,
	"MISSING_PASSWORD":          session.InvalidCredentials,
	"WEAK_PASSWORD":             session.WeakCredential,
	"UNAUTHORIZED_DOMAIN":       session.DomainNotAuthorized,
	"CONFIGURATION_NOT_FOUND":   session.BackendMisconfigured,
	"PROJECT_NOT_FOUND":         session.BackendMisconfigured,
	"API_KEY_INVALID":           session.BackendMisconfigured,
	"INVALID_API_KEY":           session.BackendMisconfigured,
	"OPERATION_NOT_ALLOWED":     session.MethodDisabled,
	"PASSWORD_LOGIN_DISABLED":   session.MethodDisabled,
}

// revocationCodes end a stored session when a refresh fails with them.
var revocationCodes = map[string]bool{
	"TOKEN_EXPIRED":         true,
	"USER_DISABLED":         true,
	"USER_NOT_FOUND":        true,
	"INVALID_REFRESH_TOKEN": true,
	"INVALID_GRANT_TYPE":    true,
	"MISSING_REFRESH_TOKEN": true,
}

// messageCode extracts the leading code of an API message.
func messageCode(msg string) string {
	code, _, _ := strings.Cut(msg, ":")
	code = strings.TrimSpace(code)
	if i := strings.IndexByte(code, ' '); i >= 0 {
		code = code[:i]
	}
	return code
}

// apiCode returns the API error code carried by err, "" when err is not
// an API answer.
func apiCode(err error) (code, message string) {
	var se *connectivity.StatusError
	if !errors.As(err, &se) {
		return "", ""
	}
	var env apiError
	if json.Unmarshal(se.Body, &env) != nil {
		return "", ""
	}
	msg := env.Error.Message
	if strings.Contains(msg, "API key not valid") {
		return "API_KEY_INVALID", msg
	}
	return messageCode(msg), msg
}

// authError converts a failed call into a *session.AuthError.
func authError(err error) error {
	if code, msg := apiCode(err); code != "" {
		kind, ok := codeKinds[code]
		if !ok {
			kind = session.Unknown
		}
		return session.NewAuthError(kind, code, msg, err)
	}
	var open *connectivity.CircuitOpenError
	var nerr net.Error
	if errors.As(err, &open) || errors.As(err, &nerr) {
		return session.NewAuthError(session.NetworkUnavailable, "auth/network-request-failed", "", err)
	}
	var se *connectivity.StatusError
	if errors.As(err, &se) && se.Code >= 500 {
		return session.NewAuthError(session.NetworkUnavailable, "auth/network-request-failed", "", err)
	}
	return session.NewAuthError(session.Unknown, "", err.Error(), err)
}
