// Package hub multiplexes every replication channel against one local
// store and exposes the public API a UI or CLI drives the core through.
// It is the Go rendition of the single-threaded select-any hub loop: one
// goroutine per channel session replaces the original's race over many
// pending futures, and a periodic reconciliation loop keeps that session
// set in sync with the persisted channel table.
package hub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/channel"
	"github.com/icechat/core/internal/config"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
	"github.com/icechat/core/internal/store"
	"github.com/icechat/core/pkg/logging"
)

// defaultRendezvousSalt scopes every channel's X25519 agreement to this
// application, so the same keypair used with another icechat-derived app
// wouldn't collide on the DHT.
const defaultRendezvousSalt = "icechat-rendezvous-v1"

// StateEvent is published through OnChannelState whenever a channel's
// connection lifecycle state changes, letting a UI surface connectivity.
type StateEvent struct {
	ChannelID    int64
	Conversation uuid.UUID
	Peer         identity.Cert
	State        channel.State
}

// Hub owns the store and the set of live channel sessions, reconciling
// that set against the persisted channel table on a fixed interval.
type Hub struct {
	store    *store.Store
	identity *identity.Identity
	dialer   channel.Dialer
	salt     string
	log      *logging.Logger

	reconcileInterval time.Duration

	mu       sync.Mutex
	sessions map[int64]context.CancelFunc

	onState func(StateEvent)
}

// New creates a Hub. dialer is the transport's Dial implementation
// (satisfying channel.Dialer); cfg supplies the rendezvous salt.
func New(st *store.Store, id *identity.Identity, dialer channel.Dialer, cfg *config.IdentityConfig) *Hub {
	salt := defaultRendezvousSalt
	if cfg != nil && cfg.RendezvousSalt != "" {
		salt = cfg.RendezvousSalt
	}
	return &Hub{
		store:             st,
		identity:          id,
		dialer:            dialer,
		salt:              salt,
		log:               logging.GetDefault().Component("hub"),
		reconcileInterval: 5 * time.Second,
		sessions:          make(map[int64]context.CancelFunc),
	}
}

// OnChannelState registers a callback invoked whenever any channel's
// connection state changes.
func (h *Hub) OnChannelState(f func(StateEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onState = f
}

// Run drives the hub's reconciliation loop until ctx is canceled: it
// starts a session for every channel the store knows about that isn't
// already running, and stops sessions for channels that were removed.
func (h *Hub) Run(ctx context.Context) {
	h.reconcile(ctx)

	ticker := time.NewTicker(h.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.stopAll()
			return
		case <-ticker.C:
			h.reconcile(ctx)
		}
	}
}

func (h *Hub) reconcile(ctx context.Context) {
	channels, err := h.store.ListAllChannels()
	if err != nil {
		h.log.Warn("failed to list channels", "error", err)
		return
	}

	live := make(map[int64]struct{}, len(channels))
	for _, ch := range channels {
		live[ch.ID] = struct{}{}
		h.ensureSession(ctx, ch)
	}

	h.mu.Lock()
	for id, cancel := range h.sessions {
		if _, ok := live[id]; !ok {
			cancel()
			delete(h.sessions, id)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) ensureSession(ctx context.Context, ch store.ChannelInfo) {
	h.mu.Lock()
	_, running := h.sessions[ch.ID]
	h.mu.Unlock()
	if running {
		return
	}

	rendezvous, err := h.identity.RendezvousChannel(ch.Peer, h.salt)
	if err != nil {
		h.log.Warn("failed to derive rendezvous channel", "channel", ch.ID, "error", err)
		return
	}

	source := h.store.NewChannelSource(ch.ID)
	sess := channel.New(ch.ID, ch.Conversation, ch.Peer, rendezvous, ch.Peer.Author(), source, h.dialer)
	sess.OnStateChange(func(st channel.State) {
		h.mu.Lock()
		cb := h.onState
		h.mu.Unlock()
		if cb != nil {
			cb(StateEvent{ChannelID: ch.ID, Conversation: ch.Conversation, Peer: ch.Peer, State: st})
		}
	})

	sessCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.sessions[ch.ID] = cancel
	h.mu.Unlock()

	go sess.Run(sessCtx)
}

func (h *Hub) stopAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, cancel := range h.sessions {
		cancel()
		delete(h.sessions, id)
	}
}

// --- Public API (spec §6), delegating to the store. A local mutation's
// only duty beyond the store call is to have already appended to the
// global sync log, which Store.* does internally; the next reconcile or
// the channel's own send loop picks it up without an explicit wake,
// since PatchSync.Tx is polled on a short tick.

// Cert returns this node's public identity.
func (h *Hub) Cert() identity.Cert { return h.identity.Cert() }

// Author returns this node's CRDT author value.
func (h *Hub) Author() identity.Author { return h.identity.Author() }

func (h *Hub) GetContact(cert identity.Cert) (*store.Contact, error) {
	return h.store.GetContact(cert)
}

func (h *Hub) SaveContact(name string) (patch.SyncDataID, error) {
	return h.store.SaveContact(h.identity.Cert(), name, h.identity.Author())
}

func (h *Hub) CreateConversation(title string) (uuid.UUID, error) {
	return h.store.CreateConversation(h.identity.Cert(), title, h.identity.Author())
}

func (h *Hub) JoinConversation(id uuid.UUID) error {
	return h.store.JoinConversation(id, h.identity.Cert(), h.identity.Author())
}

func (h *Hub) GetConversation(id uuid.UUID) (*store.Conversation, error) {
	return h.store.GetConversation(id)
}

func (h *Hub) ListConversations() ([]store.Conversation, error) {
	return h.store.ListConversations()
}

func (h *Hub) SaveConversation(id uuid.UUID, title string) error {
	return h.store.SaveConversation(id, title, h.identity.Author())
}

func (h *Hub) SendMessage(conversation uuid.UUID, text string) (uuid.UUID, error) {
	return h.store.SendMessage(conversation, h.identity.Cert(), text, h.identity.Author())
}

func (h *Hub) SendFile(conversation uuid.UUID, name string, payload []byte) (uuid.UUID, uuid.UUID, error) {
	return h.store.SendAttachmentMessage(conversation, h.identity.Cert(), name, payload, h.identity.Author())
}

func (h *Hub) SetMessageStatus(msg uuid.UUID, conversation uuid.UUID, status patch.Status) error {
	return h.store.SetMessageStatus(msg, conversation, status, h.identity.Author())
}

func (h *Hub) NewMessages(conversation uuid.UUID) ([]store.Message, error) {
	return h.store.NewMessages(conversation, h.identity.Cert())
}

func (h *Hub) ListChannels(conversation uuid.UUID) ([]store.ChannelInfo, error) {
	return h.store.ListChannels(conversation)
}

func (h *Hub) CreateChannel(conversation uuid.UUID, peer identity.Cert) (store.ChannelInfo, error) {
	ch, err := h.store.CreateChannel(conversation, peer, h.identity.Author())
	if err != nil {
		return store.ChannelInfo{}, fmt.Errorf("hub: create channel: %w", err)
	}
	return ch, nil
}

func (h *Hub) RemoveChannel(channelID int64) error {
	h.mu.Lock()
	if cancel, ok := h.sessions[channelID]; ok {
		cancel()
		delete(h.sessions, channelID)
	}
	h.mu.Unlock()
	return h.store.RemoveChannel(channelID)
}
