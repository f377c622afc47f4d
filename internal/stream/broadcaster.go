// Package stream pushes emitted decisions to execution and alerting
// collaborators over websockets.
package stream

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vxmarkets/pulse/internal/domain"
)

// Broadcaster fans each emitted decision out to every connected
// subscriber. Slow subscribers are dropped rather than allowed to block a
// round.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
}

type client struct {
	conn *websocket.Conn
	send chan domain.ConsensusDecision
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades an HTTP request into a decision subscription.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan domain.ConsensusDecision, 16)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("decision subscriber connected")
	go b.writeLoop(c)
	go b.readLoop(c)
}

func (b *Broadcaster) writeLoop(c *client) {
	defer b.drop(c)
	for d := range c.send {
		if err := c.conn.WriteJSON(d); err != nil {
			return
		}
	}
}

// readLoop discards inbound frames; its job is to notice disconnects.
func (b *Broadcaster) readLoop(c *client) {
	defer b.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
		c.conn.Close()
	}
	b.mu.Unlock()
}

// EmitDecision satisfies the engine sink contract.
func (b *Broadcaster) EmitDecision(_ context.Context, d domain.ConsensusDecision) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- d:
		default:
			// Subscriber buffer full. Dropping the frame keeps the
			// emitting round non-blocking.
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("subscriber lagging, frame dropped")
		}
	}
	return nil
}

// SubscriberCount reports the number of connected clients.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
