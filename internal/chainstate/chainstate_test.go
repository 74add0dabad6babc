package chainstate

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

func blockAt(height int64, id byte, parent chainhash.Hash) *storage.BitcoinBlock {
	var hash chainhash.Hash
	hash[0] = id
	hash[1] = byte(height)
	return &storage.BitcoinBlock{BlockHash: hash, BlockHeight: height, ParentHash: parent}
}

func newView(t *testing.T) (*View, *memory.Store) {
	t.Helper()
	store := memory.New()
	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	return New(store, 100, sk.PublicKey()), store
}

func TestLinearExtension(t *testing.T) {
	view, _ := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	event, err := view.AddBlock(ctx, genesis)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.False(t, event.Reorged)

	child := blockAt(101, 2, genesis.BlockHash)
	event, err = view.AddBlock(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.False(t, event.Reorged)

	tip, ok := view.Tip()
	require.True(t, ok)
	assert.Equal(t, child.BlockHash, tip.BlockHash)
	assert.True(t, view.IsCanonical(genesis.BlockHash))
	assert.True(t, view.IsCanonical(child.BlockHash))
}

func TestGapIsRejected(t *testing.T) {
	view, _ := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	_, err := view.AddBlock(ctx, genesis)
	require.NoError(t, err)

	var unknown chainhash.Hash
	unknown[0] = 0x77
	orphan := blockAt(102, 3, unknown)
	_, err = view.AddBlock(ctx, orphan)
	assert.ErrorIs(t, err, ErrGapDetected)

	tip, _ := view.Tip()
	assert.Equal(t, genesis.BlockHash, tip.BlockHash)
}

func TestReorgSwitchesBranch(t *testing.T) {
	view, _ := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	a1 := blockAt(101, 2, genesis.BlockHash)
	_, err := view.AddBlock(ctx, genesis)
	require.NoError(t, err)
	_, err = view.AddBlock(ctx, a1)
	require.NoError(t, err)

	// A competing branch from genesis overtakes the tip.
	b1 := blockAt(101, 3, genesis.BlockHash)
	event, err := view.AddBlock(ctx, b1)
	require.NoError(t, err)
	assert.Nil(t, event, "a same height fork is retained but not adopted")
	assert.True(t, view.IsCanonical(a1.BlockHash))

	b2 := blockAt(102, 4, b1.BlockHash)
	event, err = view.AddBlock(ctx, b2)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.True(t, event.Reorged)
	assert.Equal(t, []chainhash.Hash{a1.BlockHash}, event.Abandoned)

	assert.False(t, view.IsCanonical(a1.BlockHash))
	assert.True(t, view.IsCanonical(b1.BlockHash))
	assert.True(t, view.IsCanonical(b2.BlockHash))
	assert.True(t, view.IsCanonical(genesis.BlockHash))
}

func TestAncestors(t *testing.T) {
	view, _ := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	a := blockAt(101, 2, genesis.BlockHash)
	b := blockAt(102, 3, a.BlockHash)
	for _, block := range []*storage.BitcoinBlock{genesis, a, b} {
		_, err := view.AddBlock(ctx, block)
		require.NoError(t, err)
	}

	chain, err := view.Ancestors(b.BlockHash, 1)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, b.BlockHash, chain[0].BlockHash)
	assert.Equal(t, a.BlockHash, chain[1].BlockHash)

	_, err = view.Ancestors(chainhash.Hash{0x42}, 1)
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestSbtcStateIsPureInTheBlockHash(t *testing.T) {
	view, store := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	tip := blockAt(101, 2, genesis.BlockHash)
	_, err := view.AddBlock(ctx, genesis)
	require.NoError(t, err)
	_, err = view.AddBlock(ctx, tip)
	require.NoError(t, err)

	deposit := &storage.DepositRequest{
		Txid:               chainhash.Hash{0xaa},
		OutputIndex:        0,
		Amount:             1100,
		MaxFee:             100,
		ConfirmationHash:   tip.BlockHash,
		ConfirmationHeight: 101,
	}
	require.NoError(t, store.WriteDepositRequest(ctx, deposit))

	first, err := view.SbtcStateAt(ctx, tip.BlockHash)
	require.NoError(t, err)
	second, err := view.SbtcStateAt(ctx, tip.BlockHash)
	require.NoError(t, err)

	assert.Equal(t, first.AggregateKey, second.AggregateKey)
	require.Len(t, first.Deposits, 1)
	require.Len(t, second.Deposits, 1)
	assert.Equal(t, first.Deposits[0], second.Deposits[0])
}

func TestAggregateKeyFallsBackToBootstrap(t *testing.T) {
	view, _ := newView(t)
	ctx := context.Background()

	genesis := blockAt(100, 1, chainhash.Hash{})
	_, err := view.AddBlock(ctx, genesis)
	require.NoError(t, err)

	key, err := view.AggregateKeyAt(ctx, genesis.BlockHash)
	require.NoError(t, err)
	assert.Equal(t, view.bootstrap, key)
}

func TestRotationTakesEffectOnItsBranch(t *testing.T) {
	view, store := newView(t)
	ctx := context.Background()

	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	newKey := sk.PublicKey()

	genesis := blockAt(100, 1, chainhash.Hash{})
	tip := blockAt(101, 2, genesis.BlockHash)
	_, err = view.AddBlock(ctx, genesis)
	require.NoError(t, err)
	_, err = view.AddBlock(ctx, tip)
	require.NoError(t, err)

	rotation := &storage.RotateKeysTransaction{
		Txid:         chainhash.Hash{0xbb},
		BlockHash:    tip.BlockHash,
		AggregateKey: newKey,
		Threshold:    2,
	}
	require.NoError(t, store.WriteRotateKeysTransaction(ctx, rotation))

	key, err := view.AggregateKeyAt(ctx, tip.BlockHash)
	require.NoError(t, err)
	assert.Equal(t, newKey, key)

	// At the parent the rotation has not happened yet.
	key, err = view.AggregateKeyAt(ctx, genesis.BlockHash)
	require.NoError(t, err)
	assert.Equal(t, view.bootstrap, key)
}
