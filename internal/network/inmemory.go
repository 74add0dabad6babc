package network

import (
	"context"
	"sync"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/wire"
)

// InMemoryHub connects in-process peers for tests. Delivery is per sender
// FIFO because each Broadcast appends to every peer's channel in call order.
type InMemoryHub struct {
	mu    sync.Mutex
	peers map[keys.PublicKey]*InMemoryTransport
}

func NewInMemoryHub() *InMemoryHub {
	return &InMemoryHub{peers: make(map[keys.PublicKey]*InMemoryTransport)}
}

// Connect registers a peer and returns its transport endpoint.
func (h *InMemoryHub) Connect(self keys.PublicKey) *InMemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &InMemoryTransport{
		hub:   h,
		self:  self,
		inbox: make(chan *wire.Message, 1024),
		seen:  make(map[[32]byte]bool),
	}
	h.peers[self] = t
	return t
}

func (h *InMemoryHub) broadcast(sender keys.PublicKey, msg *wire.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for pk, peer := range h.peers {
		if pk == sender {
			continue
		}
		select {
		case peer.inbox <- msg:
		default:
			// A full inbox drops the message; gossip is best effort
			// and decisions are re-broadcast on tip advance.
		}
	}
}

// InMemoryTransport is one peer's endpoint on the hub.
type InMemoryTransport struct {
	hub  *InMemoryHub
	self keys.PublicKey

	inbox chan *wire.Message

	mu   sync.Mutex
	seen map[[32]byte]bool
}

func (t *InMemoryTransport) Broadcast(_ context.Context, msg *wire.Message) error {
	t.hub.broadcast(t.self, msg)
	return nil
}

func (t *InMemoryTransport) Receive(ctx context.Context) (*wire.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-t.inbox:
			if !msg.Verify() {
				continue
			}
			id := msg.ID()
			t.mu.Lock()
			dup := t.seen[id]
			t.seen[id] = true
			t.mu.Unlock()
			if dup {
				continue
			}
			return msg, nil
		}
	}
}

var _ MessageTransfer = (*InMemoryTransport)(nil)
