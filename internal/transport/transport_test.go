package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
)

func TestPreambleRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := writePreamble(&buf, "rendezvous-string-abc"); err != nil {
		t.Fatalf("writePreamble: %v", err)
	}

	got, err := readPreamble(&buf)
	if err != nil {
		t.Fatalf("readPreamble: %v", err)
	}
	if got != "rendezvous-string-abc" {
		t.Fatalf("got %q, want %q", got, "rendezvous-string-abc")
	}
}

func TestWritePreambleTooLarge(t *testing.T) {
	huge := make([]byte, maxPreambleSize+1)
	var buf bytes.Buffer
	if err := writePreamble(&buf, string(huge)); err == nil {
		t.Fatal("expected error for oversized rendezvous string")
	}
}

func TestReadPreambleTruncated(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(100))
	buf.WriteString("short")

	if _, err := readPreamble(&buf); err == nil {
		t.Fatal("expected error for truncated preamble")
	}
}

// newTestHost creates a bare libp2p host on loopback with no discovery
// services, for tests that only exercise Transport's stream routing.
func newTestHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("libp2p.New: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestInboundStreamWithPreambleIsDeliveredToRegisteredRendezvous(t *testing.T) {
	clientHost := newTestHost(t)
	serverHost := newTestHost(t)

	server := &Transport{
		host:    serverHost,
		inboxes: make(map[string]chan network.Stream),
	}
	serverHost.SetStreamHandler(channelProtocol, server.handleStream)

	client := &Transport{
		host:    clientHost,
		inboxes: make(map[string]chan network.Stream),
	}

	const rendezvous = "conversation-42"
	inbox, unregister := server.RegisterChannel(rendezvous)
	defer unregister()

	clientHost.Peerstore().AddAddrs(serverHost.ID(), serverHost.Addrs(), peerstore.PermanentAddrTTL)
	if err := clientHost.Connect(context.Background(), peer.AddrInfo{ID: serverHost.ID(), Addrs: serverHost.Addrs()}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	s, err := clientHost.NewStream(context.Background(), serverHost.ID(), channelProtocol)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer s.Close()

	if err := writePreamble(s, rendezvous); err != nil {
		t.Fatalf("writePreamble: %v", err)
	}

	select {
	case got := <-inbox:
		if got == nil {
			t.Fatal("expected a stream, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound stream")
	}
}

func TestDialReturnsErrorWhenDiscoveryDisabledAndNoInboundPending(t *testing.T) {
	h := newTestHost(t)
	tr := &Transport{host: h, inboxes: make(map[string]chan network.Stream)}

	_, err := tr.Dial(context.Background(), "unknown-rendezvous")
	if err == nil {
		t.Fatal("expected an error when DHT discovery is disabled and nothing is pending")
	}
}
