// Package dkg runs the networked distributed key generation protocol over
// the gossip transport: commitment broadcast, pairwise encrypted share
// distribution, share verification, and success acks keyed by the commitment
// digest. The pure math lives in the wsts package.
package dkg

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/crypto"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Params configures one DKG epoch run.
type Params struct {
	Transport  network.MessageTransfer
	Inbound    <-chan *wire.Message
	PrivateKey keys.PrivateKey
	// Members is the signer set in canonical key order; index i is
	// Members[i-1].
	Members         []keys.PublicKey
	Threshold       uint16
	Epoch           uint64
	MaxDuration     time.Duration
	StartedAtHeight int64
}

// Result is the output of a successful epoch: the in memory share for
// immediate use and the encrypted row for the database.
type Result struct {
	Share *wsts.SignerShare
	Row   *storage.EncryptedDkgShares
}

// Run executes the epoch to completion or aborts at the deadline. The
// returned shares are Unverified; they only custody funds after the rotate
// transaction confirms on bitcoin.
func Run(ctx context.Context, params Params) (*Result, error) {
	self := params.PrivateKey.PublicKey()
	index := indexOf(params.Members, self)
	if index == 0 {
		return nil, fmt.Errorf("own key %s not in the signer set", self)
	}
	logger := logging.Logger.WithFields(logrus.Fields{
		"service": "dkg",
		"epoch":   params.Epoch,
		"index":   index,
	})

	ctx, cancel := context.WithTimeout(ctx, params.MaxDuration)
	defer cancel()

	participant, err := wsts.NewDkgParticipant(index, len(params.Members), params.Threshold)
	if err != nil {
		return nil, err
	}

	// Round one: broadcast our polynomial commitments.
	commitments := participant.Commitments()
	commitmentBytes := make([][]byte, len(commitments))
	for i := range commitments {
		commitmentBytes[i] = commitments[i][:]
	}
	err = broadcast(ctx, params, &wire.DkgCommitments{
		Epoch:       params.Epoch,
		SignerIndex: index,
		Commitments: commitmentBytes,
	})
	if err != nil {
		return nil, err
	}

	// Round two: pairwise encrypted shares. The bus is broadcast only;
	// confidentiality comes from the ECDH derived key, not routing.
	for peer := uint32(1); peer <= uint32(len(params.Members)); peer++ {
		if peer == index {
			continue
		}
		key, err := keys.SharedSecret(params.PrivateKey, params.Members[peer-1])
		if err != nil {
			return nil, err
		}
		share := participant.ShareFor(peer)
		ciphertext, err := crypto.Encrypt(key, share[:])
		if err != nil {
			return nil, fmt.Errorf("fail to encrypt share for signer %d: %w", peer, err)
		}
		err = broadcast(ctx, params, &wire.DkgShare{
			Epoch:      params.Epoch,
			FromIndex:  index,
			ToIndex:    peer,
			Ciphertext: ciphertext,
		})
		if err != nil {
			return nil, err
		}
	}

	// Rounds three and four interleave on the wire: verify shares as they
	// arrive, ack once our view is complete, and finish on threshold
	// matching acks.
	acks := map[uint32][32]byte{}
	pendingShares := map[uint32][]byte{}
	var ownDigest *[32]byte

	for {
		if participant.HaveAllShares() && ownDigest == nil {
			digest, err := participant.CommitmentDigest()
			if err != nil {
				return nil, err
			}
			groupKey, err := participant.GroupKey()
			if err != nil {
				return nil, err
			}
			err = broadcast(ctx, params, &wire.DkgAck{
				Epoch:            params.Epoch,
				CommitmentDigest: digest,
				AggregateKey:     groupKey,
			})
			if err != nil {
				return nil, err
			}
			ownDigest = &digest
			acks[index] = digest
		}
		if ownDigest != nil && countMatching(acks, *ownDigest) >= int(params.Threshold) {
			return finalize(participant, params, logger)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dkg epoch %d aborted: %w", params.Epoch, ctx.Err())
		case msg := <-params.Inbound:
			if err := handleMessage(params, participant, msg, index, acks, pendingShares, logger); err != nil {
				logger.WithError(err).Warn("dropping dkg message")
			}
		}
	}
}

func handleMessage(params Params, participant *wsts.DkgParticipant, msg *wire.Message, index uint32, acks map[uint32][32]byte, pendingShares map[uint32][]byte, logger *logrus.Entry) error {
	switch payload := msg.Payload.(type) {
	case *wire.DkgCommitments:
		if payload.Epoch != params.Epoch {
			return nil
		}
		if !senderOwnsIndex(params.Members, msg.Sender, payload.SignerIndex) {
			return fmt.Errorf("commitments from %s claiming index %d", msg.Sender, payload.SignerIndex)
		}
		if err := participant.AddCommitments(payload.SignerIndex, payload.Commitments); err != nil {
			return err
		}
		// A share may have arrived before its commitments; retry it.
		if raw, ok := pendingShares[payload.SignerIndex]; ok {
			delete(pendingShares, payload.SignerIndex)
			return addShare(participant, payload.SignerIndex, raw)
		}
		return nil

	case *wire.DkgShare:
		if payload.Epoch != params.Epoch || payload.ToIndex != index {
			return nil
		}
		if !senderOwnsIndex(params.Members, msg.Sender, payload.FromIndex) {
			return fmt.Errorf("share from %s claiming index %d", msg.Sender, payload.FromIndex)
		}
		key, err := keys.SharedSecret(params.PrivateKey, params.Members[payload.FromIndex-1])
		if err != nil {
			return err
		}
		plaintext, err := crypto.Decrypt(key, payload.Ciphertext)
		if err != nil {
			return fmt.Errorf("undecryptable share from signer %d: %w", payload.FromIndex, err)
		}
		if err := addShare(participant, payload.FromIndex, plaintext); err != nil {
			// Commitments may simply not have arrived yet.
			pendingShares[payload.FromIndex] = plaintext
		}
		return nil

	case *wire.DkgAck:
		if payload.Epoch != params.Epoch {
			return nil
		}
		sender := indexOf(params.Members, msg.Sender)
		if sender == 0 {
			return fmt.Errorf("ack from %s outside the signer set", msg.Sender)
		}
		acks[sender] = payload.CommitmentDigest
		return nil

	default:
		return nil
	}
}

func addShare(participant *wsts.DkgParticipant, from uint32, raw []byte) error {
	if len(raw) != 32 {
		return fmt.Errorf("share from signer %d has length %d", from, len(raw))
	}
	var share [32]byte
	copy(share[:], raw)
	return participant.AddShare(from, share)
}

func finalize(participant *wsts.DkgParticipant, params Params, logger *logrus.Entry) (*Result, error) {
	share, err := participant.Finalize()
	if err != nil {
		return nil, err
	}

	// The durable blob is sealed under a key only this signer can derive.
	sealKey, err := keys.SharedSecret(params.PrivateKey, params.PrivateKey.PublicKey())
	if err != nil {
		return nil, err
	}
	encrypted, err := crypto.Encrypt(sealKey, share.Marshal())
	if err != nil {
		return nil, fmt.Errorf("fail to seal signer share: %w", err)
	}

	publicShares := make([]byte, 0, len(params.Members)*33)
	for i := uint32(1); i <= uint32(len(params.Members)); i++ {
		point := share.PublicShares[i]
		publicShares = append(publicShares, point[:]...)
	}

	row := &storage.EncryptedDkgShares{
		AggregateKey:    share.AggregateKey,
		Epoch:           params.Epoch,
		Threshold:       params.Threshold,
		SignerIndex:     share.Index,
		SignerSet:       append([]keys.PublicKey(nil), params.Members...),
		EncryptedShares: encrypted,
		PublicShares:    publicShares,
		Status:          storage.DkgSharesUnverified,
		StartedAtHeight: params.StartedAtHeight,
		CreatedAt:       time.Now().UTC(),
	}
	logger.WithField("aggregate_key", share.AggregateKey.String()).
		Info("dkg epoch produced an aggregate key")
	return &Result{Share: share, Row: row}, nil
}

// OpenSignerShare decrypts a stored share row back into usable form.
func OpenSignerShare(row *storage.EncryptedDkgShares, privateKey keys.PrivateKey) (*wsts.SignerShare, error) {
	sealKey, err := keys.SharedSecret(privateKey, privateKey.PublicKey())
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Decrypt(sealKey, row.EncryptedShares)
	if err != nil {
		return nil, fmt.Errorf("fail to unseal signer share: %w", err)
	}
	return wsts.UnmarshalSignerShare(plaintext)
}

func countMatching(acks map[uint32][32]byte, digest [32]byte) int {
	var n int
	for _, d := range acks {
		if d == digest {
			n++
		}
	}
	return n
}

func indexOf(members []keys.PublicKey, pk keys.PublicKey) uint32 {
	for i, member := range members {
		if member == pk {
			return uint32(i + 1)
		}
	}
	return 0
}

func senderOwnsIndex(members []keys.PublicKey, sender keys.PublicKey, index uint32) bool {
	return index >= 1 && int(index) <= len(members) && members[index-1] == sender
}

func broadcast(ctx context.Context, params Params, payload wire.Payload) error {
	msg, err := wire.NewSignedMessage(payload, params.PrivateKey)
	if err != nil {
		return err
	}
	return params.Transport.Broadcast(ctx, msg)
}
