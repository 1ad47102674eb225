package observer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/session"
)

// StaticUser is one entry in a StaticTable, holding a precomputed long-term
// credential key rather than a plaintext password: the key (MD5 or SHA256
// of username:realm:password) is what MESSAGE-INTEGRITY actually needs, and
// computing it once at config load means the plaintext password never has
// to be held in memory for the lifetime of the process.
type StaticUser struct {
	Key       []byte
	Algorithm creds.Algorithm
}

// NewStaticUser derives a StaticUser's key from a plaintext password, for
// use when loading a config's user table.
func NewStaticUser(username, realm, password string, alg creds.Algorithm) StaticUser {
	return StaticUser{Key: creds.DeriveKey(username, realm, password, alg), Algorithm: alg}
}

// NewStaticUserFromKeyHex builds a StaticUser from a hex-encoded
// pre-derived key, as stored in a config's users table (see
// internal/config.UserConfig.KeyHex) — the config never holds a plaintext
// password, only the already-derived key.
func NewStaticUserFromKeyHex(keyHex string, alg creds.Algorithm) (StaticUser, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return StaticUser{}, fmt.Errorf("observer: invalid key_hex: %w", err)
	}
	return StaticUser{Key: key, Algorithm: alg}, nil
}

// StaticTable is an Observer backed by a fixed, config-loaded table of
// long-term credential users. It embeds NoOp so lifecycle hooks are no-ops
// unless overridden by wrapping with Logging or another decorator.
type StaticTable struct {
	NoOp

	mu    sync.RWMutex
	users map[string]StaticUser
}

// NewStaticTable creates a StaticTable from a username->StaticUser map. The
// caller retains ownership of users; NewStaticTable copies it.
func NewStaticTable(users map[string]StaticUser) *StaticTable {
	t := &StaticTable{users: make(map[string]StaticUser, len(users))}
	for k, v := range users {
		t.users[k] = v
	}
	return t
}

// Put installs or replaces a user at runtime.
func (t *StaticTable) Put(username string, u StaticUser) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users[username] = u
}

// Remove deletes a user at runtime.
func (t *StaticTable) Remove(username string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, username)
}

func (t *StaticTable) GetKey(_ context.Context, username, _ string) ([]byte, creds.Algorithm, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[username]
	if !ok {
		return nil, creds.AlgorithmMD5, false, nil
	}
	return u.Key, u.Algorithm, true, nil
}

var _ Observer = (*StaticTable)(nil)

// SharedSecret is an Observer implementing the TURN REST API credential
// scheme (RFC not standardized, but ubiquitous in WebRTC deployments): any
// username of the form "<unix_expiry>:<label>" is accepted as long as it
// has not expired, with its password derived deterministically from the
// shared secret rather than looked up in a table.
type SharedSecret struct {
	NoOp

	Secret    string
	Realm     string
	Algorithm creds.Algorithm
}

func (s SharedSecret) GetKey(_ context.Context, username, realm string) ([]byte, creds.Algorithm, bool, error) {
	if creds.SharedSecretExpired(username, time.Now()) {
		return nil, creds.AlgorithmMD5, false, nil
	}
	password := creds.PasswordForUsername(s.Secret, username)
	alg := s.Algorithm
	return creds.DeriveKey(username, realm, password, alg), alg, true, nil
}

var _ Observer = SharedSecret{}
