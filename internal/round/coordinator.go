package round

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// CoordinatorParams configures one coordinator driven round.
type CoordinatorParams struct {
	Transport    network.MessageTransfer
	Inbound      <-chan *wire.Message
	PrivateKey   keys.PrivateKey
	Share        *wsts.SignerShare
	AggregateKey keys.PublicKey
	Digest       [32]byte
	Anchor       chainhash.Hash
	RoundID      [32]byte
	// Members maps signer index i to Members[i-1], the set's canonical
	// public key ordering. Inbound messages must come from the key that
	// owns the claimed index.
	Members []keys.PublicKey
	// Candidates are the signer indices invited into the round,
	// including the coordinator's own.
	Candidates []uint32
	Threshold  uint16
	Deadline   time.Duration
	// CancelTip closes when the anchor block leaves the canonical chain.
	CancelTip <-chan struct{}
}

// RunCoordinator drives a round to an aggregated BIP340 signature. A
// non-responsive participant causes one retry with the responsive subset if
// the threshold still holds; otherwise the round fails.
func RunCoordinator(ctx context.Context, params CoordinatorParams) ([64]byte, error) {
	logger := logging.Logger.WithFields(logrus.Fields{
		"service": "round-coordinator",
		"round":   fmt.Sprintf("%x", params.RoundID[:8]),
	})

	candidates := params.Candidates
	var lastErr error = ErrThresholdNotMet
	for attempt := 0; attempt < 2; attempt++ {
		if len(candidates) < int(params.Threshold) {
			break
		}
		sig, responsive, err := runAttempt(ctx, params, candidates, logger)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if err == ErrReorgInvalidated || ctx.Err() != nil {
			return [64]byte{}, err
		}
		logger.WithError(err).WithField("responsive", len(responsive)).
			Warn("round attempt failed, retrying with responsive subset")
		candidates = responsive
	}
	return [64]byte{}, lastErr
}

// runAttempt performs one two phase exchange over the candidate set. It
// returns the subset that responded in time so a retry can shrink the
// bitmap.
func runAttempt(ctx context.Context, params CoordinatorParams, candidates []uint32, logger *logrus.Entry) ([64]byte, []uint32, error) {
	var zero [64]byte
	deadline := time.NewTimer(params.Deadline)
	defer deadline.Stop()

	state := StateIdle
	transition := func(next State) {
		logger.WithFields(logrus.Fields{"from": state.String(), "to": next.String()}).
			Debug("round state transition")
		state = next
	}
	transition(StateNonceRequest)

	// Phase one: request nonces.
	nonceReq := &wire.NonceRequest{
		RoundID:         params.RoundID,
		Digest:          params.Digest,
		AggregateKey:    params.AggregateKey,
		AnchorBlockHash: params.Anchor,
		SignerBitmap:    BitmapFromIndices(candidates),
	}
	if err := broadcast(ctx, params.Transport, params.PrivateKey, nonceReq); err != nil {
		return zero, nil, err
	}

	// The coordinator contributes its own nonce like any participant.
	ownNonce, err := wsts.NewNonce()
	if err != nil {
		return zero, nil, err
	}
	commitments := map[uint32]wsts.Commitment{
		params.Share.Index: {
			Index:   params.Share.Index,
			Hiding:  ownNonce.HidingCommitment,
			Binding: ownNonce.BindingCommitment,
		},
	}

	want := make(map[uint32]bool, len(candidates))
	for _, i := range candidates {
		want[i] = true
	}

collectNonces:
	for len(commitments) < len(candidates) {
		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case <-params.CancelTip:
			return zero, nil, ErrReorgInvalidated
		case <-deadline.C:
			break collectNonces
		case msg := <-params.Inbound:
			commitment, ok := msg.Payload.(*wire.NonceCommitment)
			if !ok || commitment.RoundID != params.RoundID {
				continue
			}
			if !want[commitment.SignerIndex] {
				continue
			}
			if !senderOwnsIndex(params.Members, msg.Sender, commitment.SignerIndex) {
				continue
			}
			if _, dup := commitments[commitment.SignerIndex]; dup {
				continue
			}
			commitments[commitment.SignerIndex] = wsts.Commitment{
				Index:   commitment.SignerIndex,
				Hiding:  commitment.HidingNonce,
				Binding: commitment.BindingNonce,
			}
			if len(commitments) >= int(params.Threshold) && len(commitments) == len(candidates) {
				break collectNonces
			}
		}
	}

	responsive := make([]uint32, 0, len(commitments))
	for index := range commitments {
		responsive = append(responsive, index)
	}
	if len(commitments) < int(params.Threshold) {
		transition(StateFailed)
		return zero, responsive, ErrThresholdNotMet
	}
	transition(StateNonceCollected)

	// Phase two: the responders are the signing set.
	list := make([]wsts.Commitment, 0, len(commitments))
	for _, c := range commitments {
		list = append(list, c)
	}
	group, err := wsts.ComputeGroupCommitment(list, params.Digest)
	if err != nil {
		return zero, responsive, err
	}
	challenge := group.Challenge(params.AggregateKey, params.Digest)

	refs := make([]wire.CommitmentRef, len(group.Participants()))
	ordered := group.Participants()
	for i, index := range ordered {
		c := commitments[index]
		refs[i] = wire.CommitmentRef{SignerIndex: index, HidingNonce: c.Hiding, BindingNonce: c.Binding}
	}
	sigReq := &wire.SignatureRequest{
		RoundID:     params.RoundID,
		Digest:      params.Digest,
		Commitments: refs,
		Challenge:   challenge,
	}
	if err := broadcast(ctx, params.Transport, params.PrivateKey, sigReq); err != nil {
		return zero, responsive, err
	}
	transition(StateSigRequest)

	shares := make(map[uint32][32]byte, len(ordered))
	ownShare, err := wsts.SignShare(params.Share, ownNonce, group, challenge)
	if err != nil {
		return zero, responsive, err
	}
	shares[params.Share.Index] = ownShare

	// The nonce phase may have consumed the whole deadline; give the
	// share phase its own window so a fired timer cannot hang the round.
	shareDeadline := time.NewTimer(params.Deadline)
	defer shareDeadline.Stop()

	for len(shares) < len(ordered) {
		select {
		case <-ctx.Done():
			return zero, responsive, ctx.Err()
		case <-params.CancelTip:
			return zero, responsive, ErrReorgInvalidated
		case <-shareDeadline.C:
			transition(StateTimedOut)
			return zero, sharesKeys(shares), ErrRoundTimeout
		case msg := <-params.Inbound:
			share, ok := msg.Payload.(*wire.SignatureShare)
			if !ok || share.RoundID != params.RoundID {
				continue
			}
			if _, dup := shares[share.SignerIndex]; dup {
				continue
			}
			if !senderOwnsIndex(params.Members, msg.Sender, share.SignerIndex) {
				continue
			}
			public, ok := params.Share.PublicShares[share.SignerIndex]
			if !ok {
				continue
			}
			if err := wsts.VerifyShare(share.Share, share.SignerIndex, public, group, params.AggregateKey, challenge); err != nil {
				logger.WithField("signer", share.SignerIndex).WithError(err).
					Warn("rejecting invalid signature share")
				continue
			}
			shares[share.SignerIndex] = share.Share
		}
	}

	sig, err := wsts.AggregateShares(shares, group, params.AggregateKey, params.Digest)
	if err != nil {
		transition(StateFailed)
		return zero, responsive, err
	}
	transition(StateAggregated)
	return sig, responsive, nil
}

// senderOwnsIndex checks that a message sender is the signer occupying the
// claimed ordinal index in the set.
func senderOwnsIndex(members []keys.PublicKey, sender keys.PublicKey, index uint32) bool {
	return index >= 1 && int(index) <= len(members) && members[index-1] == sender
}

func sharesKeys(shares map[uint32][32]byte) []uint32 {
	out := make([]uint32, 0, len(shares))
	for index := range shares {
		out = append(out, index)
	}
	return out
}

func broadcast(ctx context.Context, transport network.MessageTransfer, key keys.PrivateKey, payload wire.Payload) error {
	msg, err := wire.NewSignedMessage(payload, key)
	if err != nil {
		return err
	}
	return transport.Broadcast(ctx, msg)
}
