package memory

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/storage"
)

func chainOf(t *testing.T, store *Store, heights ...int64) []chainhash.Hash {
	t.Helper()
	ctx := context.Background()
	hashes := make([]chainhash.Hash, len(heights))
	var parent chainhash.Hash
	for i, height := range heights {
		hashes[i] = chainhash.Hash{byte(i + 1), byte(height)}
		require.NoError(t, store.WriteBitcoinBlock(ctx, &storage.BitcoinBlock{
			BlockHash:   hashes[i],
			BlockHeight: height,
			ParentHash:  parent,
		}))
		parent = hashes[i]
	}
	return hashes
}

func TestPendingDepositWindowing(t *testing.T) {
	ctx := context.Background()
	store := New()
	hashes := chainOf(t, store, 100, 101, 102, 103)

	old := &storage.DepositRequest{
		Txid: chainhash.Hash{0xaa}, ConfirmationHash: hashes[0], ConfirmationHeight: 100,
	}
	recent := &storage.DepositRequest{
		Txid: chainhash.Hash{0xbb}, ConfirmationHash: hashes[3], ConfirmationHeight: 103,
	}
	require.NoError(t, store.WriteDepositRequest(ctx, old))
	require.NoError(t, store.WriteDepositRequest(ctx, recent))

	// A window of 1 from the tip covers heights 102..103 only.
	pending, err := store.GetPendingDepositRequests(ctx, &hashes[3], 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, recent.Txid, pending[0].Txid)

	pending, err = store.GetPendingDepositRequests(ctx, &hashes[3], 3)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestCompletedDepositLeavesPendingSet(t *testing.T) {
	ctx := context.Background()
	store := New()
	hashes := chainOf(t, store, 100, 101)

	deposit := &storage.DepositRequest{
		Txid: chainhash.Hash{0xaa}, ConfirmationHash: hashes[1], ConfirmationHeight: 101,
	}
	require.NoError(t, store.WriteDepositRequest(ctx, deposit))
	require.NoError(t, store.WriteCompletedDepositEvent(ctx, &storage.CompletedDepositEvent{
		Txid: deposit.Txid, OutputIndex: 0, StacksBlockID: [32]byte{1},
	}))

	pending, err := store.GetPendingDepositRequests(ctx, &hashes[1], 3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestConfirmedSweepRemovesSweptDeposits(t *testing.T) {
	ctx := context.Background()
	store := New()
	hashes := chainOf(t, store, 100, 101)

	deposit := &storage.DepositRequest{
		Txid: chainhash.Hash{0xaa}, ConfirmationHash: hashes[1], ConfirmationHeight: 101,
	}
	require.NoError(t, store.WriteDepositRequest(ctx, deposit))

	sweepTx := &storage.SweepTransaction{
		Txid:            chainhash.Hash{0xcc},
		AnchorBlockHash: hashes[1],
		Deposits:        []storage.DepositOutpoint{{Txid: deposit.Txid, OutputIndex: 0}},
	}
	require.NoError(t, store.WriteSweepTransaction(ctx, sweepTx))

	// Unconfirmed sweeps do not hide the deposit.
	pending, err := store.GetPendingDepositRequests(ctx, &hashes[1], 3)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, store.MarkSweepConfirmed(ctx, &sweepTx.Txid, &hashes[1], 101))
	pending, err = store.GetPendingDepositRequests(ctx, &hashes[1], 3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDecisionWritesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := New()

	decision := &storage.DepositSigner{
		Txid: chainhash.Hash{0xaa}, SignerPubKey: [33]byte{0x02, 0x01}, CanAccept: true, CanSign: true,
	}
	require.NoError(t, store.WriteDepositSignerDecision(ctx, decision))
	require.NoError(t, store.WriteDepositSignerDecision(ctx, decision))

	txid := chainhash.Hash{0xaa}
	decisions, err := store.GetDepositSignerDecisions(ctx, &txid, 0)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestLatestVerifiedDkgShares(t *testing.T) {
	ctx := context.Background()
	store := New()

	older := &storage.EncryptedDkgShares{AggregateKey: [33]byte{0x02, 1}, Epoch: 1, Status: storage.DkgSharesVerified}
	newer := &storage.EncryptedDkgShares{AggregateKey: [33]byte{0x02, 2}, Epoch: 2, Status: storage.DkgSharesUnverified}
	require.NoError(t, store.WriteEncryptedDkgShares(ctx, older))
	require.NoError(t, store.WriteEncryptedDkgShares(ctx, newer))

	verified, err := store.GetLatestVerifiedDkgShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), verified.Epoch)

	latest, err := store.GetLatestDkgShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest.Epoch)

	require.NoError(t, store.SetDkgSharesStatus(ctx, newer.AggregateKey, storage.DkgSharesVerified))
	verified, err = store.GetLatestVerifiedDkgShares(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), verified.Epoch)
}

func TestSignerUtxoLatestWins(t *testing.T) {
	ctx := context.Background()
	store := New()
	script := []byte{0x51, 0x20, 0x01}

	require.NoError(t, store.WriteSignerUtxo(ctx, &storage.SignerUtxo{
		Txid: chainhash.Hash{1}, Amount: 10000, ScriptPubKey: script,
	}))
	require.NoError(t, store.WriteSignerUtxo(ctx, &storage.SignerUtxo{
		Txid: chainhash.Hash{2}, Amount: 11000, ScriptPubKey: script,
	}))

	utxo, err := store.GetSignerUtxo(ctx, script)
	require.NoError(t, err)
	assert.Equal(t, chainhash.Hash{2}, utxo.Txid)

	_, err = store.GetSignerUtxo(ctx, []byte{0x00})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
