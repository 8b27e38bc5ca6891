// Package transport provides the libp2p-backed connection layer channel
// sessions dial through: one stream per channel, its peer located by a
// conversation's rendezvous channel string (DHT advertise/discover).
// Addresses learned over mDNS on the local network only seed the peerstore;
// Dial does not find a peer without the DHT.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/icechat/core/internal/config"
	"github.com/icechat/core/pkg/logging"
)

// channelProtocol is the libp2p stream protocol every channel session
// multiplexes over; the rendezvous string carried in each stream's preamble
// tells the receiving side which channel the stream belongs to.
const channelProtocol protocol.ID = "/icechat/channel/1.0.0"

// mdnsNamespace is the single, unscoped service name used for local-network
// peer discovery. It only seeds the peerstore with addresses; it carries no
// conversation-identifying information, since mDNS broadcasts its namespace
// in the clear.
const mdnsNamespace = "icechat-peers"

const maxPreambleSize = 4096

// Transport owns the libp2p host and the discovery machinery every channel
// session dials and listens through.
type Transport struct {
	host host.Host
	dht  *dht.IpfsDHT

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	log *logging.Logger

	mu      sync.Mutex
	inboxes map[string]chan network.Stream // rendezvous -> pending inbound streams
}

// New creates the libp2p host and, if enabled, its DHT and mDNS discovery
// services, following the same option set the teacher's Node.New builds.
func New(ctx context.Context, cfg *config.NetworkConfig, keyFile string) (*Transport, error) {
	privKey, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load/create key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.ConnMgr.LowWater,
		cfg.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.ConnMgr.GracePeriod),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	t := &Transport{
		host:    h,
		log:     logging.GetDefault().Component("transport"),
		inboxes: make(map[string]chan network.Stream),
	}
	h.SetStreamHandler(channelProtocol, t.handleStream)

	if cfg.EnableDHT {
		kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("transport: create dht: %w", err)
		}
		if err := kad.Bootstrap(ctx); err != nil {
			h.Close()
			return nil, fmt.Errorf("transport: bootstrap dht: %w", err)
		}
		t.dht = kad
		t.routingDisc = drouting.NewRoutingDiscovery(kad)
	}

	for _, addrStr := range cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			t.log.Warn("invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			t.log.Warn("invalid bootstrap peer info", "addr", addrStr, "error", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := h.Connect(dialCtx, pi); err != nil {
				t.log.Warn("failed to connect to bootstrap peer", "peer", pi.ID, "error", err)
			}
		}(*pi)
	}

	if cfg.EnableMDNS {
		t.mdnsService = mdns.NewMdnsService(h, mdnsNamespace, &mdnsNotifee{log: t.log, host: h})
		if err := t.mdnsService.Start(); err != nil {
			t.log.Warn("mdns discovery failed to start", "error", err)
			t.mdnsService = nil
		}
	}

	return t, nil
}

// mdnsNotifee seeds the peerstore with addresses learned over mDNS. It
// doesn't dial anyone; a later Dial call does that once it needs a
// particular peer for a particular channel.
type mdnsNotifee struct {
	log  *logging.Logger
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
}

// Close shuts down the host and its discovery services.
func (t *Transport) Close() error {
	if t.mdnsService != nil {
		t.mdnsService.Close()
	}
	if t.dht != nil {
		t.dht.Close()
	}
	return t.host.Close()
}

// PeerID returns this node's libp2p peer ID, for logging/diagnostics.
func (t *Transport) PeerID() peer.ID {
	return t.host.ID()
}

// Advertise announces this node as a provider for rendezvous under the DHT,
// so a peer looking for the same rendezvous string can find us. It runs
// until ctx is canceled.
func (t *Transport) Advertise(ctx context.Context, rendezvous string) {
	if t.routingDisc == nil {
		return
	}
	dutil.Advertise(ctx, t.routingDisc, rendezvous)
}

// RegisterChannel opens an inbox for inbound streams carrying this
// rendezvous string in their preamble; the returned unregister func removes
// and closes it. The channel and hub packages do not call it, so in the
// daemon no inbox is registered: handleStream resets every inbound channel
// stream and Dial never finds one pending.
func (t *Transport) RegisterChannel(rendezvous string) (inbox <-chan network.Stream, unregister func()) {
	ch := make(chan network.Stream, 1)
	t.mu.Lock()
	t.inboxes[rendezvous] = ch
	t.mu.Unlock()

	return ch, func() {
		t.mu.Lock()
		delete(t.inboxes, rendezvous)
		t.mu.Unlock()
		close(ch)
	}
}

// Dial locates the peer advertising rendezvous (first checking for an
// already-accepted inbound stream, then falling back to DHT discovery) and
// returns a connected byte stream, satisfying channel.Dialer.
func (t *Transport) Dial(ctx context.Context, rendezvous string) (io.ReadWriteCloser, error) {
	if s := t.pendingInbound(rendezvous); s != nil {
		return s, nil
	}

	if t.routingDisc == nil {
		return nil, fmt.Errorf("transport: dht discovery disabled, cannot locate peer for rendezvous")
	}

	findCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	peerChan, err := t.routingDisc.FindPeers(findCtx, rendezvous)
	if err != nil {
		return nil, fmt.Errorf("transport: find peers: %w", err)
	}

	var target *peer.AddrInfo
	for pi := range peerChan {
		if pi.ID == t.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		p := pi
		target = &p
		break
	}
	if target == nil {
		return nil, fmt.Errorf("transport: no peer found for rendezvous")
	}

	if err := t.host.Connect(ctx, *target); err != nil {
		return nil, fmt.Errorf("transport: connect: %w", err)
	}

	s, err := t.host.NewStream(ctx, target.ID, channelProtocol)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}

	if err := writePreamble(s, rendezvous); err != nil {
		s.Close()
		return nil, fmt.Errorf("transport: send preamble: %w", err)
	}

	return s, nil
}

// pendingInbound returns an already-accepted inbound stream for rendezvous,
// if one arrived before Dial was called, without blocking.
func (t *Transport) pendingInbound(rendezvous string) network.Stream {
	t.mu.Lock()
	ch, ok := t.inboxes[rendezvous]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case s := <-ch:
		return s
	default:
		return nil
	}
}

// handleStream reads the rendezvous preamble off a freshly opened inbound
// stream and routes it to the channel session registered for it. An
// unregistered rendezvous means no local channel is expecting this peer;
// the stream is reset.
func (t *Transport) handleStream(s network.Stream) {
	rendezvous, err := readPreamble(s)
	if err != nil {
		t.log.Warn("failed to read channel preamble", "error", err)
		s.Reset()
		return
	}

	t.mu.Lock()
	ch, ok := t.inboxes[rendezvous]
	t.mu.Unlock()
	if !ok {
		t.log.Debug("no channel registered for inbound rendezvous, dropping")
		s.Reset()
		return
	}

	select {
	case ch <- s:
	default:
		t.log.Debug("channel inbox full, dropping duplicate inbound stream")
		s.Reset()
	}
}

func writePreamble(w io.Writer, rendezvous string) error {
	data := []byte(rendezvous)
	if len(data) > maxPreambleSize {
		return fmt.Errorf("rendezvous string too large: %d bytes", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readPreamble(r io.Reader) (string, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", fmt.Errorf("read preamble length: %w", err)
	}
	if length > maxPreambleSize {
		return "", fmt.Errorf("preamble too large: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", fmt.Errorf("read preamble: %w", err)
	}
	return string(data), nil
}

// loadOrCreateKey loads the node's libp2p identity key from keyFile,
// generating and persisting a new Ed25519 key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(keyFile); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return nil, err
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}

	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyFile, data, 0600); err != nil {
		return nil, err
	}

	return privKey, nil
}
