// Package sync implements the per-channel replication engine ("PatchSync"):
// a state machine that streams patches to one peer over one conversation,
// gating by author (never echo a peer's own patch back to it) and by
// conversation (never leak another conversation's patches down this
// channel), and that performs the initial-snapshot-then-global-log drain
// described by the store's Next/Ack contract.
package sync

import (
	"bytes"
	"container/list"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
)

// Source is the store-side half of the replication contract: one channel's
// view onto the entity store. Implementations are expected to be backed by
// a single SQLite connection/transaction scoped to this channel's context.
type Source interface {
	// Next returns the next patch this channel hasn't yet seen, given the
	// channel's current (initialSyncMin, globalMin) cursor. Initial-sync
	// rows (ascending by id) are always returned before any global row.
	// Returns nil, nil when there is nothing left to send.
	Next(ctx context.Context, minimum Cursor) (*patch.SyncData, error)

	// Ack advances the channel's persisted cursor for id and, for a
	// Global id, garbage-collects any global log row at or below the
	// minimum sync_index across every channel.
	Ack(ctx context.Context, id patch.SyncDataID) error

	// Merge applies an inbound SyncData to the entity store's merge
	// kernel. Returns the SyncData to persist to the local log if the
	// merge was accepted, or nil if it was a no-op (stale/duplicate).
	Merge(ctx context.Context, data patch.SyncData) (*patch.SyncData, error)

	// Save appends data to the local replication log so other channels
	// can later replicate it onward.
	Save(ctx context.Context, data patch.SyncData) error
}

// Cursor is the per-channel high-water mark: (initialSyncIndex, globalIndex).
type Cursor struct {
	InitialSync int32
	Global      int32
}

// Message is either an outbound/inbound patch (Data) or an acknowledgement
// of one (Ack), framed over the wire by the framing package.
type Message struct {
	Data *patch.SyncData
	Ack  *patch.SyncDataID
}

func DataMessage(d patch.SyncData) Message   { return Message{Data: &d} }
func AckMessage(id patch.SyncDataID) Message { return Message{Ack: &id} }

const (
	messageTagData byte = iota
	messageTagAck
)

// MarshalBinary implements encoding.BinaryMarshaler: a 1-byte tag
// (Data/Ack) followed by that variant's binary encoding, matching the
// Option<T>-as-tag-plus-T convention the rest of the wire format uses.
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	switch {
	case m.Data != nil:
		buf.WriteByte(messageTagData)
		body, err := m.Data.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("sync: marshal message: %w", err)
		}
		buf.Write(body)
	case m.Ack != nil:
		buf.WriteByte(messageTagAck)
		body, err := m.Ack.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("sync: marshal message: %w", err)
		}
		buf.Write(body)
	default:
		return nil, fmt.Errorf("sync: marshal message: empty message")
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("sync: unmarshal message: empty payload")
	}
	tag, body := data[0], data[1:]

	switch tag {
	case messageTagData:
		var d patch.SyncData
		if err := d.UnmarshalBinary(body); err != nil {
			return fmt.Errorf("sync: unmarshal message: %w", err)
		}
		m.Data, m.Ack = &d, nil
	case messageTagAck:
		var id patch.SyncDataID
		if err := id.UnmarshalBinary(body); err != nil {
			return fmt.Errorf("sync: unmarshal message: %w", err)
		}
		m.Data, m.Ack = nil, &id
	default:
		return fmt.Errorf("sync: unmarshal message: unknown tag %d", tag)
	}
	return nil
}

// PatchSync drives one channel's replication against one Source: Tx pulls
// the next patch to send, Rx applies an inbound message.
type PatchSync struct {
	author       identity.Author
	conversation uuid.UUID
	tx           list.List // of Message, FIFO
	minimum      Cursor
}

// New creates a PatchSync for a channel talking to peer author about
// conversation.
func New(author identity.Author, conversation uuid.UUID) *PatchSync {
	return &PatchSync{author: author, conversation: conversation}
}

// Tx returns the next message to send over the wire, or nil if there is
// nothing pending right now. It drains the local tx queue (acks queued by
// Rx) before consulting the store for new patches. Patches authored by the
// channel's own peer, or scoped to a different conversation, are
// acknowledged locally and skipped without ever being sent back out —
// this is the echo-suppression and conversation-scoping gate.
func (s *PatchSync) Tx(ctx context.Context, source Source) (*Message, error) {
	for {
		if front := s.tx.Front(); front != nil {
			s.tx.Remove(front)
			msg := front.Value.(Message)
			return &msg, nil
		}

		next, err := source.Next(ctx, s.minimum)
		if err != nil {
			return nil, fmt.Errorf("sync: next: %w", err)
		}
		if next == nil {
			return nil, nil
		}

		conv, hasConv := next.ConversationID()
		skipByConversation := hasConv && conv != s.conversation

		if next.Author() == s.author || skipByConversation {
			if err := source.Ack(ctx, next.ID); err != nil {
				return nil, fmt.Errorf("sync: ack skipped patch: %w", err)
			}
			continue
		}

		switch next.ID.Kind {
		case patch.SyncDataGlobal:
			s.minimum.Global = next.ID.ID
		case patch.SyncDataInitialSync:
			s.minimum.InitialSync = next.ID.ID
		}

		msg := DataMessage(*next)
		return &msg, nil
	}
}

// Rx applies an inbound message. A Data message is merged into the store
// (only if it is scoped to this channel's conversation, or global) and an
// Ack is queued back regardless of whether the merge changed anything — the
// sender needs the ack either way to advance its own cursor. An Ack message
// is forwarded straight to the store.
func (s *PatchSync) Rx(ctx context.Context, source Source, msg Message) error {
	switch {
	case msg.Data != nil:
		data := *msg.Data
		conv, hasConv := data.ConversationID()
		validConversation := !hasConv || conv == s.conversation

		if validConversation {
			merged, err := source.Merge(ctx, data)
			if err != nil {
				return fmt.Errorf("sync: merge: %w", err)
			}
			if merged != nil {
				if err := source.Save(ctx, *merged); err != nil {
					return fmt.Errorf("sync: save merged patch: %w", err)
				}
			}
		}

		s.tx.PushBack(AckMessage(data.ID))
		return nil

	case msg.Ack != nil:
		if err := source.Ack(ctx, *msg.Ack); err != nil {
			return fmt.Errorf("sync: ack: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("sync: empty message")
	}
}
