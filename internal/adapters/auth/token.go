package auth

import "crypto/subtle"

// TokenAuth validates admin bearer tokens against a static list.
type TokenAuth struct {
	tokens []string
}

// NewTokenAuth creates a new TokenAuth from a list of valid tokens. Empty
// entries are ignored.
func NewTokenAuth(tokens []string) *TokenAuth {
	a := &TokenAuth{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, t)
		}
	}
	return a
}

// ValidateToken returns true if the token is in the allowed list.
func (a *TokenAuth) ValidateToken(token string) bool {
	if token == "" {
		return false
	}
	ok := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}
