package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Credential is a WeConnect account login. It is only read while a login
// attempt is running and never logged.
type Credential struct {
	Username string
	Password string
}

// NewCredential creates a credential.
func NewCredential(username, password string) Credential {
	return Credential{Username: username, Password: password}
}

// CacheKey returns a stable digest identifying the credential pair, so the
// token cache never keys on plaintext secrets.
func (c Credential) CacheKey() string {
	h := sha256.New()
	h.Write([]byte(c.Username))
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	return hex.EncodeToString(h.Sum(nil))
}

// String implements fmt.Stringer without the password.
func (c Credential) String() string {
	return fmt.Sprintf("%s:[REDACTED]", c.Username)
}

// GoString implements fmt.GoStringer for %#v without the password.
func (c Credential) GoString() string {
	return fmt.Sprintf("auth.Credential{Username:%q, Password:[REDACTED]}", c.Username)
}
