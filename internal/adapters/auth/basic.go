package auth

import "crypto/subtle"

// BasicAuth holds the optional username/password pair that gates read access.
// An empty username disables the check entirely.
type BasicAuth struct {
	username string
	password string
}

// NewBasicAuth creates a BasicAuth for the given pair.
func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{username: username, password: password}
}

// Enabled reports whether a username is configured.
func (a *BasicAuth) Enabled() bool {
	return a.username != ""
}

// Check compares the given credentials with the configured pair. It always
// succeeds when the check is disabled.
func (a *BasicAuth) Check(username, password string) bool {
	if !a.Enabled() {
		return true
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	return userOK && passOK
}
