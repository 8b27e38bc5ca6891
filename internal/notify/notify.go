// Package notify exposes Hub channel-state transitions and new-message
// arrivals to an external UI process over a loopback websocket. The core
// has no UI of its own (spec's Non-goals exclude the GUI/TUI shell); this
// is the wiring that lets one exist as a separate process.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/icechat/core/internal/hub"
	"github.com/icechat/core/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names the kind of event carried by an Event.
type EventType string

const (
	EventChannelState EventType = "channel_state"
	EventNewMessage   EventType = "new_message"
)

// Event is a single notification pushed to every subscribed client.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ChannelStateData is the payload of an EventChannelState event.
type ChannelStateData struct {
	ChannelID    int64     `json:"channel_id"`
	Conversation uuid.UUID `json:"conversation"`
	State        string    `json:"state"`
}

// NewMessageData is the payload of an EventNewMessage event.
type NewMessageData struct {
	Conversation uuid.UUID `json:"conversation"`
	Message      uuid.UUID `json:"message"`
}

// subscription is a client's request to narrow the event types it wants.
type subscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Events []string `json:"events"`
}

// client is one connected websocket subscriber.
type client struct {
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	server        *Server
}

// Server runs the websocket event feed: an http.Server on top of a fan-out
// hub that broadcasts Events to every subscribed client.
type Server struct {
	addr string
	log  *logging.Logger

	httpServer *http.Server

	clients    map[*client]bool
	broadcast  chan *Event
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
}

// New creates a notify Server listening on addr (host:port). It does not
// start listening until Run is called.
func New(addr string) *Server {
	return &Server{
		addr:       addr,
		log:        logging.GetDefault().Component("notify"),
		clients:    make(map[*client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// WatchHub subscribes to h's channel-state transitions and forwards each
// one as an EventChannelState. It does not watch for new messages on its
// own, since the hub has no message-arrival callback; call Publish(
// EventNewMessage, ...) from the code path that already calls
// Hub.NewMessages to surface those.
func (s *Server) WatchHub(h *hub.Hub) {
	h.OnChannelState(func(ev hub.StateEvent) {
		s.Publish(EventChannelState, ChannelStateData{
			ChannelID:    ev.ChannelID,
			Conversation: ev.Conversation,
			State:        ev.State.String(),
		})
	})
}

// Publish broadcasts an event of the given type to every subscribed
// client. Non-blocking: if the broadcast buffer is full, the event is
// dropped and logged, rather than stalling the caller.
func (s *Server) Publish(eventType EventType, data interface{}) {
	event := &Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case s.broadcast <- event:
	default:
		s.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// Run starts the HTTP listener and the fan-out loop, blocking until ctx is
// canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	go s.fanOut(ctx)

	select {
	case <-ctx.Done():
		s.httpServer.Close()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) fanOut(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()

		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}
			s.mu.Unlock()

		case event := <-s.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Error("failed to marshal event", "error", err)
				continue
			}

			s.mu.RLock()
			for c := range s.clients {
				c.mu.RLock()
				subscribed := len(c.subscriptions) == 0 || c.subscriptions[event.Type]
				c.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case c.send <- data:
				default:
					s.log.Warn("client buffer full, dropping event", "type", event.Type)
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		server:        s,
	}
	s.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.applySubscription(&sub)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) applySubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range sub.Events {
		et := EventType(e)
		switch sub.Action {
		case "subscribe":
			c.subscriptions[et] = true
		case "unsubscribe":
			delete(c.subscriptions, et)
		}
	}
}
