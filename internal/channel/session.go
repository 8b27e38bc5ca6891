// Package channel drives one replication channel's connection lifecycle:
// offline, pre-connecting, connecting and connected, with reconnect backoff
// on failure. It is the idiomatic-Go rendition of the original
// pre_wait/wait/then polling state machine — here a single goroutine per
// channel owns the state and talks to the rest of the program over a small
// channel-based API instead of returning futures to an external reactor.
package channel

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icechat/core/internal/framing"
	"github.com/icechat/core/internal/identity"
	synckit "github.com/icechat/core/internal/sync"
	"github.com/icechat/core/pkg/logging"
)

// State labels the session's position in its connection lifecycle.
type State int32

const (
	StateOffline State = iota
	StatePreConnecting
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StatePreConnecting:
		return "pre-connecting"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens the underlying byte stream to a channel's peer, located by
// its rendezvous string. Implemented by internal/transport over libp2p; a
// test double can satisfy this with an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context, rendezvous string) (io.ReadWriteCloser, error)
}

// BackoffConfig configures reconnect backoff, grounded on the teacher's
// message-retry backoff: an interval that doubles on every failure up to a
// ceiling.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffConfig mirrors the teacher's message-retry defaults, scaled
// down for a live connection rather than a store-and-forward retry queue.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    1 * time.Second,
		Max:        1 * time.Minute,
		Multiplier: 2.0,
	}
}

// Session owns one channel's connection lifecycle and its PatchSync
// replication state.
type Session struct {
	channelID    int64
	conversation uuid.UUID
	peer         identity.Cert
	rendezvous   string

	dialer  Dialer
	source  synckit.Source
	sync    *synckit.PatchSync
	backoff BackoffConfig
	log     *logging.Logger

	mu    sync.Mutex
	state State

	onState func(State)
}

// New creates a Session for one channel. author is the peer's author, used
// to suppress echoing the peer's own patches back to it.
func New(channelID int64, conversation uuid.UUID, peer identity.Cert, rendezvous string, author identity.Author, source synckit.Source, dialer Dialer) *Session {
	return &Session{
		channelID:    channelID,
		conversation: conversation,
		peer:         peer,
		rendezvous:   rendezvous,
		dialer:       dialer,
		source:       source,
		sync:         synckit.New(author, conversation),
		backoff:      DefaultBackoffConfig(),
		log:          logging.GetDefault().Component(fmt.Sprintf("channel-%d", channelID)),
	}
}

// OnStateChange registers a callback invoked whenever the session's state
// changes, letting a hub surface connection status to a UI.
func (s *Session) OnStateChange(f func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = f
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	cb := s.onState
	s.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}

// Run drives the session until ctx is canceled: dial, replicate, and on any
// error drop to offline and retry with exponential backoff. It never
// returns until ctx is done.
func (s *Session) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.setState(StateOffline)
			return
		}

		s.setState(StatePreConnecting)
		s.setState(StateConnecting)

		conn, err := s.dialer.Dial(ctx, s.rendezvous)
		if err != nil {
			s.log.Warn("dial failed", "error", err, "attempt", attempt)
			s.setState(StateOffline)
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		s.setState(StateConnected)
		attempt = 0

		err = s.runConnected(ctx, conn)
		conn.Close()
		s.setState(StateOffline)

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("connection dropped", "error", err)
		}
		if !s.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

// sleepBackoff waits out the backoff interval for attempt, or returns false
// if ctx is canceled first.
func (s *Session) sleepBackoff(ctx context.Context, attempt int) bool {
	d := s.backoff.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * s.backoff.Multiplier)
		if d > s.backoff.Max {
			d = s.backoff.Max
			break
		}
	}
	// Jitter by up to 20% so many channels reconnecting at once don't
	// all retry in lockstep.
	d += time.Duration(rand.Int63n(int64(d) / 5))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runConnected frames one wire connection and pumps PatchSync replication
// over it until the connection errors or ctx is canceled. A reader
// goroutine applies every inbound message; the send loop polls PatchSync.Tx
// on a short tick, since outbound patches are store writes with no direct
// wake signal into this goroutine.
func (s *Session) runConnected(ctx context.Context, conn io.ReadWriteCloser) error {
	framer := framing.New(conn)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- s.recvLoop(connCtx, framer)
	}()
	go func() {
		errCh <- s.sendLoop(connCtx, framer)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Session) recvLoop(ctx context.Context, framer *framing.Framer) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := framer.Recv()
		if err != nil {
			return fmt.Errorf("channel: recv: %w", err)
		}

		var msg synckit.Message
		if err := msg.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("channel: decode message: %w", err)
		}

		if err := s.sync.Rx(ctx, s.source, msg); err != nil {
			return fmt.Errorf("channel: rx: %w", err)
		}
	}
}

func (s *Session) sendLoop(ctx context.Context, framer *framing.Framer) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				msg, err := s.sync.Tx(ctx, s.source)
				if err != nil {
					return fmt.Errorf("channel: tx: %w", err)
				}
				if msg == nil {
					break
				}

				raw, err := msg.MarshalBinary()
				if err != nil {
					return fmt.Errorf("channel: encode message: %w", err)
				}
				if err := framer.Send(raw); err != nil {
					return fmt.Errorf("channel: send: %w", err)
				}
			}
		}
	}
}
