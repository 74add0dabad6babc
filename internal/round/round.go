// Package round implements the FROST signing round state machines: the
// coordinator side that drives a round to an aggregated signature, and the
// participant side that contributes one nonce and one share after validator
// approval. Rounds are owned by a single task; all cross round ordering is
// incidental.
package round

import (
	"errors"
	"sync"

	"github.com/stacks-network/sbtc-signer/internal/wire"
)

// State is the lifecycle of a signing round.
type State int

const (
	StateIdle State = iota
	StateNonceRequest
	StateNonceCollected
	StateSigRequest
	StateAggregated
	StateBroadcast
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNonceRequest:
		return "nonce_request"
	case StateNonceCollected:
		return "nonce_collected"
	case StateSigRequest:
		return "sig_request"
	case StateAggregated:
		return "aggregated"
	case StateBroadcast:
		return "broadcast"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	// ErrThresholdNotMet means too few participants responded within the
	// deadline; the round is failed and retried on the next tip.
	ErrThresholdNotMet = errors.New("round: threshold not met")
	// ErrReorgInvalidated means the anchor block left the canonical
	// chain mid round.
	ErrReorgInvalidated = errors.New("round: anchor block reorged away")
	// ErrRoundTimeout means the round outlived its deadline.
	ErrRoundTimeout = errors.New("round: deadline elapsed")
)

// Bitmap helpers: signer n (1-based) occupies bit n-1. The wire format caps
// the set at 64 signers.

// BitmapFromIndices folds signer indices into a participation bitmap.
func BitmapFromIndices(indices []uint32) uint64 {
	var out uint64
	for _, i := range indices {
		if i >= 1 && i <= 64 {
			out |= 1 << (i - 1)
		}
	}
	return out
}

// BitmapContains reports whether a signer index is in the bitmap.
func BitmapContains(bitmap uint64, index uint32) bool {
	return index >= 1 && index <= 64 && bitmap&(1<<(index-1)) != 0
}

// BitmapIndices expands a bitmap back into ascending signer indices.
func BitmapIndices(bitmap uint64) []uint32 {
	var out []uint32
	for i := uint32(1); i <= 64; i++ {
		if bitmap&(1<<(i-1)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Mux routes inbound round messages to the task owning each round. Messages
// for unknown rounds are dropped; late arrivals after a round's terminal
// state are noise, not errors.
type Mux struct {
	mu     sync.Mutex
	routes map[[32]byte]chan *wire.Message
}

func NewMux() *Mux {
	return &Mux{routes: make(map[[32]byte]chan *wire.Message)}
}

// Register opens a delivery channel for a round id.
func (m *Mux) Register(roundID [32]byte) <-chan *wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *wire.Message, 64)
	m.routes[roundID] = ch
	return ch
}

// Unregister tears the route down; the owning task calls this on any
// terminal state.
func (m *Mux) Unregister(roundID [32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, roundID)
}

// Deliver hands a message to its round, if registered.
func (m *Mux) Deliver(roundID [32]byte, msg *wire.Message) {
	m.mu.Lock()
	ch, ok := m.routes[roundID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// RoundIDOf extracts the round id from any round scoped payload.
func RoundIDOf(payload wire.Payload) ([32]byte, bool) {
	switch p := payload.(type) {
	case *wire.NonceRequest:
		return p.RoundID, true
	case *wire.NonceCommitment:
		return p.RoundID, true
	case *wire.SignatureRequest:
		return p.RoundID, true
	case *wire.SignatureShare:
		return p.RoundID, true
	default:
		return [32]byte{}, false
	}
}
