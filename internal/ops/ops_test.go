package ops

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kuuji/turngate/internal/creds"
	"github.com/kuuji/turngate/internal/observer"
	"github.com/kuuji/turngate/internal/session"
	"github.com/kuuji/turngate/internal/stun"
)

const testRealm = "example.org"

func newTestHandler() (*Handler, *observer.StaticTable) {
	store := session.NewStore(testRealm, 49152, 49200, time.Minute)
	table := observer.NewStaticTable(map[string]observer.StaticUser{
		"alice": observer.NewStaticUser("alice", testRealm, "hunter2", creds.AlgorithmMD5),
	})
	h := &Handler{
		Store:      store,
		Observer:   table,
		ExternalIP: net.ParseIP("203.0.113.1"),
		Software:   "turngate-test",
	}
	return h, table
}

func testTxID() [12]byte { return [12]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12} }

func testSym() session.Symbol {
	return session.Symbol{ClientAddr: "198.51.100.5:4000", ServerAddr: "203.0.113.1:3478", Transport: "udp"}
}

func TestHandleBinding(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	req := stun.NewBuilder(stun.MethodBinding, stun.ClassRequest, testTxID()).Build(stun.IntegrityNone, nil, true)
	decoded, err := stun.Decode(req)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	server := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 3478}
	resp := h.HandleBinding(decoded, client, server)

	respMsg, err := stun.Decode(resp)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if respMsg.Class != stun.ClassSuccessResponse {
		t.Fatalf("expected success response, got class %d", respMsg.Class)
	}
	xorAddr, ok := respMsg.XORMappedAddress()
	if !ok || xorAddr.Port != 4000 || !xorAddr.IP.Equal(client.IP) {
		t.Fatalf("xor-mapped-address: got %+v, ok=%v", xorAddr, ok)
	}
	mappedAddr, ok := respMsg.MappedAddress()
	if !ok || mappedAddr.Port != 4000 || !mappedAddr.IP.Equal(client.IP) {
		t.Fatalf("mapped-address: got %+v, ok=%v", mappedAddr, ok)
	}
	origin, ok := respMsg.ResponseOrigin()
	if !ok || origin.Port != 3478 || !origin.IP.Equal(server.IP) {
		t.Fatalf("response-origin: got %+v, ok=%v", origin, ok)
	}
}

// TestHandleAllocate_ChallengesWithoutCredentials builds a bare Allocate
// request with no credentials, expecting a 401 challenge back.
func TestHandleAllocate_ChallengesWithoutCredentials(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	req := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, testTxID()).
		RequestedTransport(stun.RequestedTransportUDP).
		Build(stun.IntegrityNone, nil, true)
	decoded, _ := stun.Decode(req)

	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	resp := h.HandleAllocate(context.Background(), decoded, testSym(), client)

	respMsg, err := stun.Decode(resp)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if respMsg.Class != stun.ClassErrorResponse {
		t.Fatalf("expected error response, got class %d", respMsg.Class)
	}
	nonce, err := respMsg.Nonce()
	if err != nil || nonce == "" {
		t.Fatalf("expected a nonce in the challenge, got %q err=%v", nonce, err)
	}
}

// authenticatedAllocate runs the full two-phase Allocate handshake and
// returns the success response and the key used, for reuse in other tests.
func authenticatedAllocate(t *testing.T, h *Handler, sym session.Symbol, client *net.UDPAddr) ([]byte, []byte) {
	t.Helper()

	// Phase 1: unauthenticated request, expect 401 with a nonce.
	req1 := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, testTxID()).
		RequestedTransport(stun.RequestedTransportUDP).
		Build(stun.IntegrityNone, nil, true)
	decoded1, _ := stun.Decode(req1)
	resp1 := h.HandleAllocate(context.Background(), decoded1, sym, client)
	respMsg1, err := stun.Decode(resp1)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	nonce, _ := respMsg1.Nonce()
	if nonce == "" {
		t.Fatal("expected nonce in challenge")
	}

	// Phase 2: authenticated request using the derived key.
	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	req2 := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, testTxID()).
		Username("alice").
		Realm(testRealm).
		Nonce(nonce).
		RequestedTransport(stun.RequestedTransportUDP).
		Build(stun.IntegritySHA1, key, false)
	decoded2, err := stun.Decode(req2)
	if err != nil {
		t.Fatalf("decode authenticated request: %v", err)
	}
	resp2 := h.HandleAllocate(context.Background(), decoded2, sym, client)
	return resp2, key
}

func TestHandleAllocate_FullHandshakeSucceeds(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	resp, _ := authenticatedAllocate(t, h, testSym(), client)

	respMsg, err := stun.Decode(resp)
	if err != nil {
		t.Fatalf("decode success: %v", err)
	}
	if respMsg.Class != stun.ClassSuccessResponse {
		t.Fatalf("expected success, got class %d (attrs=%v)", respMsg.Class, respMsg.Attributes)
	}
	if respMsg.Attr(stun.AttrXORRelayedAddress) == nil {
		t.Fatal("expected XOR-RELAYED-ADDRESS in success response")
	}
	if !stun.VerifyIntegrity(respMsg, creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)) {
		t.Fatal("success response should carry valid MESSAGE-INTEGRITY")
	}
}

func TestHandleAllocate_DuplicateRejected(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	// A second Allocate on the same 5-tuple should 437.
	nonce, _ := h.Store.IssueNonce()
	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	req := stun.NewBuilder(stun.MethodAllocate, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce).
		RequestedTransport(stun.RequestedTransportUDP).
		Build(stun.IntegritySHA1, key, false)
	decoded, _ := stun.Decode(req)
	resp := h.HandleAllocate(context.Background(), decoded, sym, client)
	respMsg, _ := stun.Decode(resp)
	ec := respMsg.Attr(stun.AttrErrorCode)
	if ec == nil || int(ec[2])*100+int(ec[3]) != ErrAllocationMismatch {
		t.Fatalf("expected 437, got %v", ec)
	}
}

func TestHandleRefresh_ExtendsThenTeardown(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	nonce, _ := h.Store.IssueNonce()

	refreshReq := stun.NewBuilder(stun.MethodRefresh, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce).
		Lifetime(1200).
		Build(stun.IntegritySHA1, key, false)
	decoded, _ := stun.Decode(refreshReq)
	resp := h.HandleRefresh(context.Background(), decoded, sym)
	respMsg, _ := stun.Decode(resp)
	if respMsg.Class != stun.ClassSuccessResponse {
		t.Fatalf("expected success, got class %d", respMsg.Class)
	}
	lifetime, _ := respMsg.Lifetime()
	if lifetime == 0 {
		t.Fatal("expected non-zero lifetime after refresh")
	}

	// Teardown with LIFETIME=0.
	nonce2, _ := h.Store.IssueNonce()
	teardown := stun.NewBuilder(stun.MethodRefresh, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce2).
		Lifetime(0).
		Build(stun.IntegritySHA1, key, false)
	decoded2, _ := stun.Decode(teardown)
	resp2 := h.HandleRefresh(context.Background(), decoded2, sym)
	respMsg2, _ := stun.Decode(resp2)
	l2, _ := respMsg2.Lifetime()
	if l2 != 0 {
		t.Fatalf("expected LIFETIME=0 in teardown response, got %d", l2)
	}
	if _, found := h.Store.Get(sym); found {
		t.Fatal("allocation should be removed after LIFETIME=0 refresh")
	}
}

func TestHandleCreatePermissionAndChannelBindAndRelay(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	peer := stun.Addr{IP: net.ParseIP("192.0.2.9"), Port: 7000}

	nonce, _ := h.Store.IssueNonce()
	permReq := stun.NewBuilder(stun.MethodCreatePermission, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce).
		XORAddress(stun.AttrXORPeerAddress, peer).
		Build(stun.IntegritySHA1, key, false)
	decoded, _ := stun.Decode(permReq)
	resp := h.HandleCreatePermission(context.Background(), decoded, sym)
	respMsg, _ := stun.Decode(resp)
	if respMsg.Class != stun.ClassSuccessResponse {
		t.Fatalf("CreatePermission: expected success, got class %d", respMsg.Class)
	}

	// Send indication to the now-permitted peer should relay.
	sendReq := stun.NewBuilder(stun.MethodSend, stun.ClassIndication, testTxID()).
		XORAddress(stun.AttrXORPeerAddress, peer).
		Data([]byte("hello peer")).
		BuildIndication()
	sendDecoded, _ := stun.Decode(sendReq)
	out := h.HandleSend(sym, sendDecoded)
	if out == nil || string(out.ToPeer) != "hello peer" {
		t.Fatalf("expected Send to relay to peer, got %+v", out)
	}

	// Bind a channel to the same peer.
	nonce2, _ := h.Store.IssueNonce()
	bindReq := stun.NewBuilder(stun.MethodChannelBind, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce2).
		ChannelNumber(0x4001).
		XORAddress(stun.AttrXORPeerAddress, peer).
		Build(stun.IntegritySHA1, key, false)
	bindDecoded, _ := stun.Decode(bindReq)
	bindResp := h.HandleChannelBind(context.Background(), bindDecoded, sym)
	bindRespMsg, _ := stun.Decode(bindResp)
	if bindRespMsg.Class != stun.ClassSuccessResponse {
		t.Fatalf("ChannelBind: expected success, got class %d", bindRespMsg.Class)
	}

	alloc, found := h.Store.Get(sym)
	if !found {
		t.Fatal("allocation missing")
	}

	// Inbound data from the peer should now use ChannelData framing.
	peerAddr := &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	inbound := h.HandleInboundFromPeer(alloc, peerAddr, []byte("from peer"), false)
	if inbound == nil || inbound.ToClient == nil {
		t.Fatal("expected a ChannelData frame to the client")
	}
	cd, err := stun.DecodeChannelData(inbound.ToClient)
	if err != nil {
		t.Fatalf("decode channel data: %v", err)
	}
	if cd.Number != 0x4001 || string(cd.Data) != "from peer" {
		t.Fatalf("channel data: got %+v", cd)
	}

	// Client ChannelData back to the peer relays via HandleChannelData.
	clientFrame := stun.EncodeChannelData(0x4001, []byte("back to peer"))
	parsedFrame, err := stun.DecodeChannelData(clientFrame)
	if err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	outToPeer := h.HandleChannelData(alloc, parsedFrame)
	if outToPeer == nil || string(outToPeer.ToPeer) != "back to peer" {
		t.Fatalf("expected relay to peer, got %+v", outToPeer)
	}
	if outToPeer.PeerAddr.Port != peer.Port || !outToPeer.PeerAddr.IP.Equal(peer.IP) {
		t.Fatalf("peer addr: got %+v", outToPeer.PeerAddr)
	}
}

func TestHandleInboundFromPeer_FramedUsesPadding(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	peer := stun.Addr{IP: net.ParseIP("192.0.2.9"), Port: 7000}
	nonce, _ := h.Store.IssueNonce()
	bindReq := stun.NewBuilder(stun.MethodChannelBind, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce).
		ChannelNumber(0x4001).
		XORAddress(stun.AttrXORPeerAddress, peer).
		Build(stun.IntegritySHA1, key, false)
	bindDecoded, _ := stun.Decode(bindReq)
	h.HandleChannelBind(context.Background(), bindDecoded, sym)

	alloc, _ := h.Store.Get(sym)
	peerAddr := &net.UDPAddr{IP: peer.IP, Port: peer.Port}
	out := h.HandleInboundFromPeer(alloc, peerAddr, []byte("odd"), true) // 3-byte payload needs padding
	if out == nil {
		t.Fatal("expected outbound frame")
	}
	wantLen := stun.FrameLength(len("odd"))
	if len(out.ToClient) != wantLen {
		t.Fatalf("framed length: got %d, want %d", len(out.ToClient), wantLen)
	}
}

func TestHandleSend_NoPermissionDropped(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	peer := stun.Addr{IP: net.ParseIP("192.0.2.9"), Port: 7000}
	sendReq := stun.NewBuilder(stun.MethodSend, stun.ClassIndication, testTxID()).
		XORAddress(stun.AttrXORPeerAddress, peer).
		Data([]byte("hello")).
		BuildIndication()
	decoded, _ := stun.Decode(sendReq)
	if out := h.HandleSend(sym, decoded); out != nil {
		t.Fatalf("expected Send without permission to be dropped, got %+v", out)
	}
}

func TestHandleChannelBind_RejectsOutOfRangeChannel(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler()
	client := &net.UDPAddr{IP: net.ParseIP("198.51.100.5"), Port: 4000}
	sym := testSym()
	authenticatedAllocate(t, h, sym, client)

	key := creds.DeriveKey("alice", testRealm, "hunter2", creds.AlgorithmMD5)
	nonce, _ := h.Store.IssueNonce()
	peer := stun.Addr{IP: net.ParseIP("192.0.2.9"), Port: 7000}
	bindReq := stun.NewBuilder(stun.MethodChannelBind, stun.ClassRequest, testTxID()).
		Username("alice").Realm(testRealm).Nonce(nonce).
		ChannelNumber(0x1234). // outside 0x4000-0x7FFF
		XORAddress(stun.AttrXORPeerAddress, peer).
		Build(stun.IntegritySHA1, key, false)
	decoded, _ := stun.Decode(bindReq)
	resp := h.HandleChannelBind(context.Background(), decoded, sym)
	respMsg, _ := stun.Decode(resp)
	ec := respMsg.Attr(stun.AttrErrorCode)
	if ec == nil || int(ec[2])*100+int(ec[3]) != ErrBadRequest {
		t.Fatalf("expected 400, got %v", ec)
	}
}

func TestDefaultPeerPolicy_RejectsLoopback(t *testing.T) {
	t.Parallel()
	if DefaultPeerPolicy(net.ParseIP("127.0.0.1")) {
		t.Fatal("loopback should be rejected")
	}
	if !DefaultPeerPolicy(net.ParseIP("192.0.2.1")) {
		t.Fatal("ordinary public IP should be allowed")
	}
}
