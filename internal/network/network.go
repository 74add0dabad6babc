// Package network defines the gossip transport the signer consumes. The
// transport guarantees per sender FIFO and eventual delivery to connected
// peers; duplicate suppression and signature verification happen here, on the
// consumer side, before a message reaches any handler.
package network

import (
	"context"
	"errors"

	"github.com/stacks-network/sbtc-signer/internal/wire"
)

// ErrProtocolViolation marks a malformed or unauthenticated peer message.
// Such messages are dropped and the peer is noted in metrics; they never
// reach a handler.
var ErrProtocolViolation = errors.New("network: protocol violation")

// MessageTransfer is the pub/sub bus between signers.
type MessageTransfer interface {
	// Broadcast publishes a signed message to every connected peer.
	Broadcast(ctx context.Context, msg *wire.Message) error
	// Receive blocks for the next authenticated, deduplicated message.
	Receive(ctx context.Context) (*wire.Message, error)
}
