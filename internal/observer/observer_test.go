package observer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/session"
)

func TestNoOp_GetKeyUnknown(t *testing.T) {
	t.Parallel()

	_, _, ok, err := NoOp{}.GetKey(context.Background(), "alice", "example.org")
	if ok || err != nil {
		t.Fatalf("NoOp should report unknown user with no error, got ok=%v err=%v", ok, err)
	}
}

func TestStaticTable_KnownUser(t *testing.T) {
	t.Parallel()

	u := NewStaticUser("alice", "example.org", "hunter2", creds.AlgorithmMD5)
	table := NewStaticTable(map[string]StaticUser{"alice": u})

	key, alg, ok, err := table.GetKey(context.Background(), "alice", "example.org")
	if err != nil || !ok {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if alg != creds.AlgorithmMD5 {
		t.Errorf("algorithm: got %v, want MD5", alg)
	}
	want := creds.DeriveKey("alice", "example.org", "hunter2", creds.AlgorithmMD5)
	if string(key) != string(want) {
		t.Error("returned key does not match expected derivation")
	}
}

func TestStaticTable_UnknownUser(t *testing.T) {
	t.Parallel()

	table := NewStaticTable(nil)
	_, _, ok, err := table.GetKey(context.Background(), "ghost", "example.org")
	if ok || err != nil {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}
}

func TestStaticTable_PutAndRemove(t *testing.T) {
	t.Parallel()

	table := NewStaticTable(nil)
	table.Put("bob", NewStaticUser("bob", "example.org", "pw", creds.AlgorithmSHA256))

	if _, _, ok, _ := table.GetKey(context.Background(), "bob", "example.org"); !ok {
		t.Fatal("expected bob to be found after Put")
	}
	table.Remove("bob")
	if _, _, ok, _ := table.GetKey(context.Background(), "bob", "example.org"); ok {
		t.Fatal("expected bob to be gone after Remove")
	}
}

func TestNewStaticUserFromKeyHex(t *testing.T) {
	t.Parallel()

	want := creds.DeriveKey("alice", "example.org", "hunter2", creds.AlgorithmMD5)
	u, err := NewStaticUserFromKeyHex(fmt.Sprintf("%x", want), creds.AlgorithmMD5)
	if err != nil {
		t.Fatalf("NewStaticUserFromKeyHex() error: %v", err)
	}
	if string(u.Key) != string(want) {
		t.Error("decoded key does not match original derivation")
	}
}

func TestNewStaticUserFromKeyHex_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := NewStaticUserFromKeyHex("not-hex", creds.AlgorithmMD5); err == nil {
		t.Fatal("expected error for malformed key_hex")
	}
}

func TestSharedSecret_ValidCredential(t *testing.T) {
	t.Parallel()

	username, _ := creds.GenerateSharedSecretCredential("top-secret", "peer-1", time.Hour)
	obs := SharedSecret{Secret: "top-secret", Realm: "example.org", Algorithm: creds.AlgorithmMD5}

	key, alg, ok, err := obs.GetKey(context.Background(), username, "example.org")
	if err != nil || !ok {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if len(key) == 0 {
		t.Fatal("expected non-empty derived key")
	}
	if alg != creds.AlgorithmMD5 {
		t.Errorf("algorithm: got %v", alg)
	}
}

func TestSharedSecret_ExpiredCredential(t *testing.T) {
	t.Parallel()

	username, _ := creds.GenerateSharedSecretCredential("top-secret", "peer-1", -time.Hour)
	obs := SharedSecret{Secret: "top-secret", Realm: "example.org"}

	_, _, ok, err := obs.GetKey(context.Background(), username, "example.org")
	if ok || err != nil {
		t.Fatalf("expired credential: ok=%v err=%v", ok, err)
	}
}

func TestLogging_DelegatesToNext(t *testing.T) {
	t.Parallel()

	table := NewStaticTable(map[string]StaticUser{
		"alice": NewStaticUser("alice", "example.org", "pw", creds.AlgorithmMD5),
	})
	wrapped := Logging{Next: table}

	_, _, ok, err := wrapped.GetKey(context.Background(), "alice", "example.org")
	if err != nil || !ok {
		t.Fatalf("wrapped GetKey: ok=%v err=%v", ok, err)
	}

	sym := session.Symbol{ClientAddr: "198.51.100.1:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
	// These should not panic even with NoOp lifecycle hooks underneath.
	wrapped2 := Logging{Next: NoOp{}}
	wrapped2.Allocated(context.Background(), sym, "alice", 50000)
	wrapped2.ChannelBound(context.Background(), sym, 0x4001, "192.0.2.1:7000")
	wrapped2.PermissionCreated(context.Background(), sym, "192.0.2.1")
	wrapped2.Refreshed(context.Background(), sym, time.Minute)
	wrapped2.Destroyed(context.Background(), sym)
}
