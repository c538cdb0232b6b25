package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProviderNotConfigured signals an unknown provider name.
	ErrProviderNotConfigured = errors.New("oidcclient: provider not configured")
	// ErrAuthorizationCancelled signals the popup closed before redirecting back.
	ErrAuthorizationCancelled = errors.New("oidcclient: authorization cancelled")
	// ErrAccessTokenParse signals a redirect without a usable access_token.
	ErrAccessTokenParse = errors.New("oidcclient: access token missing from redirect")
	// ErrTransport covers network and HTTP failures from the transport.
	ErrTransport = errors.New("oidcclient: transport error")
	// ErrSessionExpired signals a failed refresh grant.
	ErrSessionExpired = errors.New("oidcclient: session expired")
	// ErrNoStoredToken signals that startup found no persisted session.
	ErrNoStoredToken = errors.New("oidcclient: no token in storage")
	// ErrBackendUserNotFound signals the backend does not know the external identity.
	ErrBackendUserNotFound = errors.New("oidcclient: user does not exist")
	// ErrNoRefreshToken signals a refresh attempt without a refresh token.
	ErrNoRefreshToken = errors.New("oidcclient: no refresh token")
	// ErrNotLoggedIn signals an operation that needs tokens while logged out.
	ErrNotLoggedIn = errors.New("oidcclient: not logged in")
	// ErrDecode signals a malformed or unverifiable ID token.
	ErrDecode = errors.New("oidcclient: id token decode failed")
	// ErrLoggedOut signals an exchange whose session was logged out while
	// the request was in flight. Its tokens are discarded.
	ErrLoggedOut = errors.New("oidcclient: logged out during token exchange")
)

// TransportError is a non-2xx reply from the token or registration endpoint.
type TransportError struct {
	Endpoint    string
	StatusCode  int
	Code        string
	Description string
	Body        []byte
}

func newTransportError(endpoint string, status int, body []byte) *TransportError {
	te := &TransportError{Endpoint: endpoint, StatusCode: status, Body: body}
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		te.Code = payload.Error
		te.Description = payload.ErrorDescription
	}
	return te
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s returned status %d", e.Endpoint, e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// markUserNotFound tags err with ErrBackendUserNotFound when the backend's
// error description matches the configured text.
func markUserNotFound(err error, description string) error {
	if description == "" {
		return err
	}
	var te *TransportError
	if !errors.As(err, &te) {
		return err
	}
	if !strings.Contains(strings.ToLower(te.Description), strings.ToLower(description)) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackendUserNotFound, err)
}
