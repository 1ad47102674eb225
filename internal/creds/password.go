package creds

import "golang.org/x/crypto/bcrypt"

// HashPassword bcrypt-hashes password for storage in secrets.toml. This
// protects the operator-chosen plaintext at rest; it is never used to
// derive the long-term credential key itself, since DeriveKey needs the
// original password back and a bcrypt hash cannot be reversed. A
// config-loading caller must hold the plaintext (from an admin prompt or
// migration) at the moment it calls HashPassword, then discard it.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the bcrypt hash produced
// by HashPassword. It is separate from the long-term-credential mechanism
// the TURN clients use, and neither the TURN wire path nor the
// control-plane status server calls it.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
