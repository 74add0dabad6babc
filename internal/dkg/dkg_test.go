package dkg

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/storage"
)

// node is one signer participating in the networked DKG test.
type node struct {
	key       keys.PrivateKey
	transport *network.InMemoryTransport
	inbound   chan *wire.Message
}

func TestNetworkedDkgProducesMatchingShares(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	privs := make(map[keys.PublicKey]keys.PrivateKey, 3)
	members := make([]keys.PublicKey, 0, 3)
	for i := 0; i < 3; i++ {
		sk, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		privs[sk.PublicKey()] = sk
		members = append(members, sk.PublicKey())
	}
	keys.SortPublicKeys(members)

	hub := network.NewInMemoryHub()
	nodes := make([]*node, 3)
	for i, pk := range members {
		nodes[i] = &node{
			key:       privs[pk],
			transport: hub.Connect(pk),
			inbound:   make(chan *wire.Message, 256),
		}
	}

	// Pump every node's gossip into its DKG inbox.
	for _, n := range nodes {
		n := n
		go func() {
			for {
				msg, err := n.transport.Receive(ctx)
				if err != nil {
					return
				}
				select {
				case n.inbound <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	results := make(chan *Result, 3)
	errs := make(chan error, 3)
	for _, n := range nodes {
		n := n
		go func() {
			result, err := Run(ctx, Params{
				Transport:       n.transport,
				Inbound:         n.inbound,
				PrivateKey:      n.key,
				Members:         members,
				Threshold:       2,
				Epoch:           1,
				MaxDuration:     20 * time.Second,
				StartedAtHeight: 100,
			})
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}

	collected := make([]*Result, 0, 3)
	for len(collected) < 3 {
		select {
		case err := <-errs:
			t.Fatalf("dkg participant failed: %v", err)
		case result := <-results:
			collected = append(collected, result)
		case <-ctx.Done():
			t.Fatal("dkg did not complete in time")
		}
	}

	// Everyone agrees on the aggregate key and the rows are Unverified.
	for _, result := range collected[1:] {
		assert.Equal(t, collected[0].Share.AggregateKey, result.Share.AggregateKey)
		assert.Equal(t, storage.DkgSharesUnverified, result.Row.Status)
		assert.Equal(t, uint64(1), result.Row.Epoch)
	}

	// The produced shares sign together and verify as BIP340.
	byIndex := make(map[uint32]*wsts.SignerShare, 3)
	for _, result := range collected {
		byIndex[result.Share.Index] = result.Share
	}
	digest := sha256.Sum256([]byte("first signature under the new key"))
	sig := signPair(t, byIndex[1], byIndex[3], digest)
	assert.True(t, wsts.VerifySignature(sig, collected[0].Share.AggregateKey, digest))

	// The sealed row opens back into the same share.
	for _, result := range collected {
		sk := privs[result.Row.SignerSet[result.Share.Index-1]]
		reopened, err := OpenSignerShare(result.Row, sk)
		require.NoError(t, err)
		assert.Equal(t, result.Share.Index, reopened.Index)
		assert.Equal(t, result.Share.AggregateKey, reopened.AggregateKey)
		assert.True(t, result.Share.SecretShare.Equals(reopened.SecretShare))
	}
}

func signPair(t *testing.T, a, b *wsts.SignerShare, digest [32]byte) [64]byte {
	t.Helper()
	nonceA, err := wsts.NewNonce()
	require.NoError(t, err)
	nonceB, err := wsts.NewNonce()
	require.NoError(t, err)

	commitments := []wsts.Commitment{
		{Index: a.Index, Hiding: nonceA.HidingCommitment, Binding: nonceA.BindingCommitment},
		{Index: b.Index, Hiding: nonceB.HidingCommitment, Binding: nonceB.BindingCommitment},
	}
	group, err := wsts.ComputeGroupCommitment(commitments, digest)
	require.NoError(t, err)
	challenge := group.Challenge(a.AggregateKey, digest)

	shareA, err := wsts.SignShare(a, nonceA, group, challenge)
	require.NoError(t, err)
	shareB, err := wsts.SignShare(b, nonceB, group, challenge)
	require.NoError(t, err)

	sig, err := wsts.AggregateShares(map[uint32][32]byte{a.Index: shareA, b.Index: shareB},
		group, a.AggregateKey, digest)
	require.NoError(t, err)
	return sig
}

func TestDkgAbortsOnTimeout(t *testing.T) {
	ctx := context.Background()

	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	other, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	members := []keys.PublicKey{sk.PublicKey(), other.PublicKey()}
	keys.SortPublicKeys(members)

	hub := network.NewInMemoryHub()
	transport := hub.Connect(sk.PublicKey())

	// The peer never shows up; the epoch aborts at the deadline.
	_, err = Run(ctx, Params{
		Transport:   transport,
		Inbound:     make(chan *wire.Message),
		PrivateKey:  sk,
		Members:     members,
		Threshold:   2,
		Epoch:       1,
		MaxDuration: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "aborted")
}
