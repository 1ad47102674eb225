package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/ops"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

const testRealm = "example.org"

func newTestStack(t *testing.T) (*ops.Handler, *session.Store, *Bridge) {
	t.Helper()
	store := session.NewStore(testRealm, 49300, 49400, time.Minute)
	table := observer.NewStaticTable(map[string]observer.StaticUser{
		"alice": observer.NewStaticUser("alice", testRealm, "hunter2", creds.AlgorithmMD5),
	})
	handler := &ops.Handler{
		Store:      store,
		Observer:   table,
		ExternalIP: net.ParseIP("127.0.0.1"),
		Software:   "turngate-test",
	}
	bridge := NewBridge(table, store, handler, net.ParseIP("127.0.0.1"), nil)
	handler.Observer = bridge
	return handler, store, bridge
}

func readWithDeadline(t *testing.T, conn *net.UDPConn, d time.Duration) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	_ = conn.SetReadDeadline(time.Now().Add(d))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}

func authenticatedAllocateReq(t *testing.T, conn *net.UDPConn, serverAddr *net.UDPAddr) []byte {
	t.Helper()
	txID := [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	first := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, txID).
		RequestedTransport(stun.RequestedTransportUDP).
		Build(stun.IntegrityNone, nil, true)
	if _, err := conn.WriteToUDP(first, serverAddr); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readWithDeadline(t, conn, 2*time.Second)
	msg, err := stun.Decode(resp)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if msg.Class != stun.ClassErrorResponse {
		t.Fatalf("expected error response challenge, got class %d", msg.Class)
	}
	realm, _ := msg.Realm()
	nonce, _ := msg.Nonce()

	key := creds.DeriveKey("alice", realm, "hunter2", creds.AlgorithmMD5)
	second := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, txID).
		RequestedTransport(stun.RequestedTransportUDP).
		Username("alice").
		Realm(realm).
		Nonce(nonce).
		Build(stun.IntegritySHA1, key, true)
	return second
}

func TestUDPListener_AllocateBindingAndPermission(t *testing.T) {
	t.Parallel()

	handler, store, bridge := newTestStack(t)
	ln, err := NewUDPListener(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}, handler, store, bridge, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ln.Serve(ctx) }()

	client, err := net.DialUDP("udp", nil, ln.Conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	req := authenticatedAllocateReq(t, client, ln.Conn.LocalAddr().(*net.UDPAddr))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write allocate: %v", err)
	}
	resp := readWithDeadline(t, client, 2*time.Second)
	msg, err := stun.Decode(resp)
	if err != nil {
		t.Fatalf("decode allocate response: %v", err)
	}
	if msg.Class != stun.ClassSuccessResponse {
		t.Fatalf("expected success, got class %d", msg.Class)
	}
	relayed := msg.Attr(stun.AttrXORRelayedAddress)
	if relayed == nil {
		t.Fatal("missing XOR-RELAYED-ADDRESS")
	}
	addr, ok := stun.DecodeXORAddr(relayed, msg.TransactionID)
	if !ok {
		t.Fatal("decode relayed addr failed")
	}
	if addr.Port == 0 {
		t.Fatal("relayed port should be nonzero")
	}

	cancel()
	<-done
}
