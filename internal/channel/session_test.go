package channel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/crdt"
	"github.com/icechat/core/internal/framing"
	"github.com/icechat/core/internal/identity"
	"github.com/icechat/core/internal/patch"
	synckit "github.com/icechat/core/internal/sync"
)

// pipeDialer hands out a single pre-established io.ReadWriteCloser once,
// then errors on every subsequent call — enough to drive one Session
// through exactly one connect-and-replicate cycle in a test.
type pipeDialer struct {
	conn io.ReadWriteCloser
	used bool
}

func (d *pipeDialer) Dial(ctx context.Context, rendezvous string) (io.ReadWriteCloser, error) {
	if d.used {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d.used = true
	return d.conn, nil
}

// oneShotSource has exactly one outbound patch to offer and records
// whatever it's asked to merge.
type oneShotSource struct {
	pending []patch.SyncData
	merged  chan patch.SyncData
}

func (s *oneShotSource) Next(ctx context.Context, minimum synckit.Cursor) (*patch.SyncData, error) {
	for i, d := range s.pending {
		if d.ID.Kind == patch.SyncDataGlobal && d.ID.ID <= minimum.Global {
			continue
		}
		out := s.pending[i]
		return &out, nil
	}
	return nil, nil
}

func (s *oneShotSource) Ack(ctx context.Context, id patch.SyncDataID) error { return nil }

func (s *oneShotSource) Merge(ctx context.Context, data patch.SyncData) (*patch.SyncData, error) {
	select {
	case s.merged <- data:
	default:
	}
	return &data, nil
}

func (s *oneShotSource) Save(ctx context.Context, data patch.SyncData) error { return nil }

func TestSessionDialsAndSendsAPendingPatchOverTheWire(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	conv := uuid.New()
	peerCert := identity.Cert{9}
	source := &oneShotSource{
		pending: []patch.SyncData{
			{ID: patch.Global(1), Payload: patch.FromConversation(patch.Conversation{
				ID: conv, Title: "friends", Stamp: crdt.Writable{Generation: 1, Author: 1},
			})},
		},
		merged: make(chan patch.SyncData, 1),
	}

	sess := New(1, conv, peerCert, "rendezvous", peerCert.Author(), source, &pipeDialer{conn: clientConn})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	framer := framing.New(serverConn)
	raw, err := framer.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	var msg synckit.Message
	if err := msg.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if msg.Data == nil {
		t.Fatalf("expected a Data message, got %+v", msg)
	}
	if msg.Data.Payload.Kind != patch.KindConversation {
		t.Fatalf("Kind = %s, want %s", msg.Data.Payload.Kind, patch.KindConversation)
	}
	if msg.Data.Payload.Conversation.Title != "friends" {
		t.Fatalf("Title = %q, want %q", msg.Data.Payload.Conversation.Title, "friends")
	}

	cancel()
	<-done
}

func TestStateTransitionsThroughConnectingToConnected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	conv := uuid.New()
	source := &oneShotSource{merged: make(chan patch.SyncData, 1)}
	sess := New(1, conv, identity.Cert{1}, "rendezvous", identity.Author(1), source, &pipeDialer{conn: clientConn})

	var states []State
	sess.OnStateChange(func(s State) { states = append(states, s) })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()
	<-done

	if len(states) < 3 {
		t.Fatalf("states = %v, want at least pre-connecting/connecting/connected", states)
	}
	if states[len(states)-1] != StateOffline {
		t.Fatalf("final state = %s, want offline after shutdown", states[len(states)-1])
	}
}
