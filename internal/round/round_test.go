package round

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// signerSetup is one member of a test signer set with completed DKG.
type signerSetup struct {
	key       keys.PrivateKey
	share     *wsts.SignerShare
	transport *network.InMemoryTransport
}

// newSignerSet runs an in process DKG and connects everyone to a hub. The
// returned slice is ordered by canonical key order, so index i holds share
// index i+1.
func newSignerSet(t *testing.T, setSize int, threshold uint16) ([]*signerSetup, []keys.PublicKey) {
	t.Helper()

	privs := make(map[keys.PublicKey]keys.PrivateKey, setSize)
	members := make([]keys.PublicKey, 0, setSize)
	for i := 0; i < setSize; i++ {
		sk, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		privs[sk.PublicKey()] = sk
		members = append(members, sk.PublicKey())
	}
	keys.SortPublicKeys(members)

	participants := make([]*wsts.DkgParticipant, setSize)
	for i := range participants {
		p, err := wsts.NewDkgParticipant(uint32(i+1), setSize, threshold)
		require.NoError(t, err)
		participants[i] = p
	}
	for _, from := range participants {
		commitments := from.Commitments()
		raw := make([][]byte, len(commitments))
		for i := range commitments {
			raw[i] = commitments[i][:]
		}
		for _, to := range participants {
			if to.Index == from.Index {
				continue
			}
			require.NoError(t, to.AddCommitments(from.Index, raw))
			require.NoError(t, to.AddShare(from.Index, from.ShareFor(to.Index)))
		}
	}

	hub := network.NewInMemoryHub()
	out := make([]*signerSetup, setSize)
	for i, p := range participants {
		share, err := p.Finalize()
		require.NoError(t, err)
		out[i] = &signerSetup{
			key:       privs[members[i]],
			share:     share,
			transport: hub.Connect(members[i]),
		}
	}
	return out, members
}

// runFollower emulates the gossip dispatch for one follower: nonce requests
// spawn a participant task, later round messages are routed to it.
func runFollower(ctx context.Context, t *testing.T, s *signerSetup, coordinatorKey keys.PublicKey, cancelTip <-chan struct{}) {
	t.Helper()
	mux := NewMux()
	go func() {
		for {
			msg, err := s.transport.Receive(ctx)
			if err != nil {
				return
			}
			switch payload := msg.Payload.(type) {
			case *wire.NonceRequest:
				inbound := mux.Register(payload.RoundID)
				req := payload
				go func() {
					defer mux.Unregister(req.RoundID)
					_ = RunParticipant(ctx, ParticipantParams{
						Transport:   s.transport,
						Inbound:     inbound,
						PrivateKey:  s.key,
						Share:       s.share,
						Coordinator: coordinatorKey,
						Request:     req,
						Deadline:    5 * time.Second,
						CancelTip:   cancelTip,
					})
				}()
			default:
				if roundID, ok := RoundIDOf(msg.Payload); ok {
					mux.Deliver(roundID, msg)
				}
			}
		}
	}()
}

func TestRoundProducesValidSignature(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	signers, members := newSignerSet(t, 3, 2)
	cancelTip := make(chan struct{})
	for _, follower := range signers[1:] {
		runFollower(ctx, t, follower, members[0], cancelTip)
	}

	coordinator := signers[0]
	mux := NewMux()
	go func() {
		for {
			msg, err := coordinator.transport.Receive(ctx)
			if err != nil {
				return
			}
			if roundID, ok := RoundIDOf(msg.Payload); ok {
				mux.Deliver(roundID, msg)
			}
		}
	}()

	digest := sha256.Sum256([]byte("sweep input sighash"))
	roundID := sha256.Sum256([]byte("round"))
	inbound := mux.Register(roundID)
	defer mux.Unregister(roundID)

	sig, err := RunCoordinator(ctx, CoordinatorParams{
		Transport:    coordinator.transport,
		Inbound:      inbound,
		PrivateKey:   coordinator.key,
		Share:        coordinator.share,
		AggregateKey: coordinator.share.AggregateKey,
		Digest:       digest,
		Anchor:       chainhash.Hash{0xab},
		RoundID:      roundID,
		Members:      members,
		Candidates:   []uint32{1, 2, 3},
		Threshold:    2,
		Deadline:     5 * time.Second,
		CancelTip:    cancelTip,
	})
	require.NoError(t, err)
	assert.True(t, wsts.VerifySignature(sig, coordinator.share.AggregateKey, digest))
}

func TestRoundFailsWithoutThreshold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// No followers are listening: only the coordinator's own
	// contribution arrives.
	signers, members := newSignerSet(t, 3, 2)
	coordinator := signers[0]
	cancelTip := make(chan struct{})

	mux := NewMux()
	digest := sha256.Sum256([]byte("payload"))
	roundID := sha256.Sum256([]byte("round"))
	inbound := mux.Register(roundID)
	defer mux.Unregister(roundID)

	_, err := RunCoordinator(ctx, CoordinatorParams{
		Transport:    coordinator.transport,
		Inbound:      inbound,
		PrivateKey:   coordinator.key,
		Share:        coordinator.share,
		AggregateKey: coordinator.share.AggregateKey,
		Digest:       digest,
		Anchor:       chainhash.Hash{0xab},
		RoundID:      roundID,
		Members:      members,
		Candidates:   []uint32{1, 2, 3},
		Threshold:    2,
		Deadline:     200 * time.Millisecond,
		CancelTip:    cancelTip,
	})
	assert.ErrorIs(t, err, ErrThresholdNotMet)
}

func TestReorgCancelsRound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	signers, members := newSignerSet(t, 3, 2)
	coordinator := signers[0]

	// The tip is replaced while the round is collecting nonces; no
	// follower is running so the round would otherwise just time out.
	cancelTip := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancelTip)
	}()

	mux := NewMux()
	digest := sha256.Sum256([]byte("payload"))
	roundID := sha256.Sum256([]byte("round"))
	inbound := mux.Register(roundID)
	defer mux.Unregister(roundID)

	_, err := RunCoordinator(ctx, CoordinatorParams{
		Transport:    coordinator.transport,
		Inbound:      inbound,
		PrivateKey:   coordinator.key,
		Share:        coordinator.share,
		AggregateKey: coordinator.share.AggregateKey,
		Digest:       digest,
		Anchor:       chainhash.Hash{0xab},
		RoundID:      roundID,
		Members:      members,
		Candidates:   []uint32{1, 2, 3},
		Threshold:    2,
		Deadline:     5 * time.Second,
		CancelTip:    cancelTip,
	})
	assert.ErrorIs(t, err, ErrReorgInvalidated)
}

func TestParticipantRefusesTamperedCommitmentList(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	signers, members := newSignerSet(t, 3, 2)
	participant := signers[1]
	coordinatorKey := members[0]

	request := &wire.NonceRequest{
		RoundID:         sha256.Sum256([]byte("round")),
		Digest:          sha256.Sum256([]byte("payload")),
		AggregateKey:    participant.share.AggregateKey,
		AnchorBlockHash: chainhash.Hash{0xab},
		SignerBitmap:    BitmapFromIndices([]uint32{1, 2}),
	}

	inbound := make(chan *wire.Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- RunParticipant(ctx, ParticipantParams{
			Transport:   participant.transport,
			Inbound:     inbound,
			PrivateKey:  participant.key,
			Share:       participant.share,
			Coordinator: coordinatorKey,
			Request:     request,
			Deadline:    3 * time.Second,
			CancelTip:   make(chan struct{}),
		})
	}()

	// Forge a signature request whose commitment list replaces the
	// participant's nonce with one the coordinator controls.
	forgedNonce, err := wsts.NewNonce()
	require.NoError(t, err)
	sigReq := &wire.SignatureRequest{
		RoundID: request.RoundID,
		Digest:  request.Digest,
		Commitments: []wire.CommitmentRef{
			{SignerIndex: 1, HidingNonce: forgedNonce.HidingCommitment, BindingNonce: forgedNonce.BindingCommitment},
			{SignerIndex: 2, HidingNonce: forgedNonce.HidingCommitment, BindingNonce: forgedNonce.BindingCommitment},
		},
	}
	coordinatorPriv := signers[0].key
	msg, err := wire.NewSignedMessage(sigReq, coordinatorPriv)
	require.NoError(t, err)
	inbound <- msg

	err = <-done
	require.Error(t, err)
	assert.ErrorContains(t, err, "own nonce commitment missing")
}

func TestBitmapRoundTrip(t *testing.T) {
	indices := []uint32{1, 3, 7, 64}
	bitmap := BitmapFromIndices(indices)
	assert.Equal(t, indices, BitmapIndices(bitmap))
	assert.True(t, BitmapContains(bitmap, 3))
	assert.False(t, BitmapContains(bitmap, 2))
	assert.False(t, BitmapContains(bitmap, 65))
}
