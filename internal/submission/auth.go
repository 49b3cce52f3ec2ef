package submission

import (
	"crypto/subtle"
	"errors"
)

// ErrAuthFailed is returned by Verify for wrong credentials.
var ErrAuthFailed = errors.New("authentication failed")

// Authenticator checks SMTP AUTH credentials against the configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: username, password: password}
}

// Enabled reports whether clients must authenticate before MAIL FROM.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify compares username and password in constant time.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password))
	if userOK&passOK != 1 {
		return ErrAuthFailed
	}
	return nil
}
