package round

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
)

// ParticipantParams configures the follower side of one round. The caller
// has already run the validator against the proposal; a participant task is
// only started for approved digests.
type ParticipantParams struct {
	Transport   network.MessageTransfer
	Inbound     <-chan *wire.Message
	PrivateKey  keys.PrivateKey
	Share       *wsts.SignerShare
	Coordinator keys.PublicKey
	Request     *wire.NonceRequest
	Deadline    time.Duration
	CancelTip   <-chan struct{}
}

// RunParticipant contributes one nonce and, if the coordinator follows
// through, one signature share.
func RunParticipant(ctx context.Context, params ParticipantParams) error {
	logger := logging.Logger.WithFields(logrus.Fields{
		"service": "round-participant",
		"round":   fmt.Sprintf("%x", params.Request.RoundID[:8]),
	})

	if !BitmapContains(params.Request.SignerBitmap, params.Share.Index) {
		// Not invited this attempt; nothing to contribute.
		return nil
	}

	nonce, err := wsts.NewNonce()
	if err != nil {
		return err
	}
	commitment := &wire.NonceCommitment{
		RoundID:      params.Request.RoundID,
		SignerIndex:  params.Share.Index,
		HidingNonce:  nonce.HidingCommitment,
		BindingNonce: nonce.BindingCommitment,
	}
	if err := broadcast(ctx, params.Transport, params.PrivateKey, commitment); err != nil {
		return err
	}

	deadline := time.NewTimer(params.Deadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-params.CancelTip:
			return ErrReorgInvalidated
		case <-deadline.C:
			return ErrRoundTimeout
		case msg := <-params.Inbound:
			sigReq, ok := msg.Payload.(*wire.SignatureRequest)
			if !ok || sigReq.RoundID != params.Request.RoundID {
				continue
			}
			if msg.Sender != params.Coordinator {
				logger.WithField("sender", msg.Sender.String()).
					Warn("signature request from non coordinator")
				continue
			}
			if sigReq.Digest != params.Request.Digest {
				return fmt.Errorf("signature request digest differs from nonce request")
			}

			// Recompute the group commitment and challenge from the
			// announced list rather than trusting the coordinator.
			commitments := make([]wsts.Commitment, len(sigReq.Commitments))
			var included bool
			for i, ref := range sigReq.Commitments {
				commitments[i] = wsts.Commitment{
					Index:   ref.SignerIndex,
					Hiding:  ref.HidingNonce,
					Binding: ref.BindingNonce,
				}
				if ref.SignerIndex == params.Share.Index {
					included = ref.HidingNonce == nonce.HidingCommitment &&
						ref.BindingNonce == nonce.BindingCommitment
				}
			}
			if !included {
				// Our commitment was dropped or replaced; refuse
				// rather than sign over someone else's nonce.
				return fmt.Errorf("own nonce commitment missing from signature request")
			}
			group, err := wsts.ComputeGroupCommitment(commitments, params.Request.Digest)
			if err != nil {
				return err
			}
			challenge := group.Challenge(params.Request.AggregateKey, params.Request.Digest)
			if challenge != sigReq.Challenge {
				return fmt.Errorf("coordinator challenge does not match local computation")
			}

			share, err := wsts.SignShare(params.Share, nonce, group, challenge)
			if err != nil {
				return err
			}
			response := &wire.SignatureShare{
				RoundID:     params.Request.RoundID,
				SignerIndex: params.Share.Index,
				Share:       share,
			}
			return broadcast(ctx, params.Transport, params.PrivateKey, response)
		}
	}
}
