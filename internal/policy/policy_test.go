package policy

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/storage"
	"github.com/stacks-network/sbtc-signer/storage/memory"
)

func testSigners(t *testing.T, n int) []keys.PublicKey {
	t.Helper()
	out := make([]keys.PublicKey, n)
	for i := range out {
		sk, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		out[i] = sk.PublicKey()
	}
	keys.SortPublicKeys(out)
	return out
}

func TestSelectDepositsRequiresThresholdAndSelf(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signers := testSigners(t, 3)

	selector := &Selector{Store: store, Threshold: 2, SetSize: 3, MaxDeposits: 25, Self: signers[0]}

	agreed := &storage.DepositRequest{Txid: chainhash.Hash{1}, Amount: 1000}
	noSelf := &storage.DepositRequest{Txid: chainhash.Hash{2}, Amount: 1000}
	tooFew := &storage.DepositRequest{Txid: chainhash.Hash{3}, Amount: 1000}

	for _, signer := range signers[:2] {
		require.NoError(t, store.WriteDepositSignerDecision(ctx, &storage.DepositSigner{
			Txid: agreed.Txid, SignerPubKey: signer, CanAccept: true, CanSign: true,
		}))
	}
	for _, signer := range signers[1:] {
		require.NoError(t, store.WriteDepositSignerDecision(ctx, &storage.DepositSigner{
			Txid: noSelf.Txid, SignerPubKey: signer, CanAccept: true, CanSign: true,
		}))
	}
	require.NoError(t, store.WriteDepositSignerDecision(ctx, &storage.DepositSigner{
		Txid: tooFew.Txid, SignerPubKey: signers[0], CanAccept: true, CanSign: true,
	}))

	selected, err := selector.SelectDeposits(ctx, []*storage.DepositRequest{agreed, noSelf, tooFew})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, agreed.Txid, selected[0].Txid)
}

func TestSelectDepositsHonorsCap(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signers := testSigners(t, 3)
	selector := &Selector{Store: store, Threshold: 1, SetSize: 3, MaxDeposits: 2, Self: signers[0]}

	var pending []*storage.DepositRequest
	for i := byte(1); i <= 4; i++ {
		req := &storage.DepositRequest{Txid: chainhash.Hash{i}, Amount: 1000}
		pending = append(pending, req)
		require.NoError(t, store.WriteDepositSignerDecision(ctx, &storage.DepositSigner{
			Txid: req.Txid, SignerPubKey: signers[0], CanAccept: true, CanSign: true,
		}))
	}

	selected, err := selector.SelectDeposits(ctx, pending)
	require.NoError(t, err)
	assert.Len(t, selected, 2)
}

func TestSelectWithdrawalsSplitsAcceptedAndRejected(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	signers := testSigners(t, 3)
	selector := &Selector{Store: store, Threshold: 2, SetSize: 3, MaxDeposits: 25, Self: signers[0]}

	accepted := &storage.WithdrawalRequest{RequestID: 1, Amount: 1000}
	rejected := &storage.WithdrawalRequest{RequestID: 2, Amount: 1000}
	undecided := &storage.WithdrawalRequest{RequestID: 3, Amount: 1000}

	for _, signer := range signers[:2] {
		require.NoError(t, store.WriteWithdrawalSignerDecision(ctx, &storage.WithdrawalSigner{
			RequestID: accepted.RequestID, SignerPubKey: signer, Accepted: true,
		}))
	}
	// Two rejections make the threshold unreachable in a set of three.
	for _, signer := range signers[:2] {
		require.NoError(t, store.WriteWithdrawalSignerDecision(ctx, &storage.WithdrawalSigner{
			RequestID: rejected.RequestID, SignerPubKey: signer, Accepted: false,
		}))
	}
	// One accept with two silent signers can still reach the threshold.
	require.NoError(t, store.WriteWithdrawalSignerDecision(ctx, &storage.WithdrawalSigner{
		RequestID: undecided.RequestID, SignerPubKey: signers[0], Accepted: true,
	}))

	gotAccepted, gotRejected, err := selector.SelectWithdrawals(ctx,
		[]*storage.WithdrawalRequest{accepted, rejected, undecided})
	require.NoError(t, err)
	require.Len(t, gotAccepted, 1)
	assert.Equal(t, uint64(1), gotAccepted[0].RequestID)
	require.Len(t, gotRejected, 1)
	assert.Equal(t, uint64(2), gotRejected[0].RequestID)
}
