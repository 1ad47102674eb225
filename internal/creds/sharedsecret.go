package creds

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the TURN REST API convention, not chosen for security.
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultSharedSecretLifetime is used by GenerateSharedSecretCredential when
// no explicit lifetime is given.
const DefaultSharedSecretLifetime = 24 * time.Hour

// GenerateSharedSecretCredential mints time-limited TURN REST API
// credentials from a shared secret: the username encodes an expiry
// timestamp, and the password is an HMAC-SHA1 of the username keyed by the
// secret. This is the de facto credential scheme implemented by coturn and
// most WebRTC signaling servers, offered here as a secondary authentication
// strategy alongside a static long-term credential table.
//
//	username = "<unix_expiry>:<label>"
//	password = base64(HMAC-SHA1(secret, username))
func GenerateSharedSecretCredential(secret, label string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultSharedSecretLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, label)
	password = sharedSecretPassword(secret, username)
	return username, password
}

// ValidateSharedSecretCredential checks that a username/password pair was
// minted by this secret and has not expired.
func ValidateSharedSecretCredential(secret, username, password string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("creds: malformed shared-secret username %q", username)
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("creds: malformed expiry in username: %w", err)
	}
	if time.Now().Unix() > expiry {
		return fmt.Errorf("creds: shared-secret credential expired at %d", expiry)
	}

	expected := sharedSecretPassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("creds: shared-secret password mismatch")
	}
	return nil
}

func sharedSecretPassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret)) //nolint:gosec
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SharedSecretExpired reports whether a TURN REST API style username
// ("<unix_expiry>:<label>") has passed its expiry, or is malformed.
func SharedSecretExpired(username string, now time.Time) bool {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return true
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return true
	}
	return now.Unix() > expiry
}

// PasswordForUsername returns the password a shared-secret Observer expects
// for an inbound username already carrying its encoded expiry. Used to
// derive the long-term credential key during GetKey, without re-minting the
// username.
func PasswordForUsername(secret, username string) string {
	return sharedSecretPassword(secret, username)
}
