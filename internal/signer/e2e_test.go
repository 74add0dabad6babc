package signer

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/internal/bitcoin"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/coordinator"
	"github.com/stacks-network/sbtc-signer/internal/decider"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/policy"
	"github.com/stacks-network/sbtc-signer/internal/round"
	"github.com/stacks-network/sbtc-signer/internal/sbtcscript"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
	"github.com/stacks-network/sbtc-signer/internal/sweep"
	"github.com/stacks-network/sbtc-signer/internal/validation"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/storage"
	"github.com/stacks-network/sbtc-signer/storage/memory"
)

// fakeBitcoin records broadcast transactions and serves no chain data; the
// tests drive the chain views directly.
type fakeBitcoin struct {
	mu        sync.Mutex
	broadcast []*btcwire.MsgTx
}

func (f *fakeBitcoin) GetBestBlockHash(context.Context) (*chainhash.Hash, error) {
	return nil, context.Canceled
}
func (f *fakeBitcoin) GetBlockHeader(context.Context, *chainhash.Hash) (*bitcoin.BlockHeader, error) {
	return nil, context.Canceled
}
func (f *fakeBitcoin) GetBlock(context.Context, *chainhash.Hash) (*btcwire.MsgBlock, error) {
	return nil, context.Canceled
}
func (f *fakeBitcoin) GetBlockHash(context.Context, int64) (*chainhash.Hash, error) {
	return nil, context.Canceled
}
func (f *fakeBitcoin) SendRawTransaction(_ context.Context, tx *btcwire.MsgTx) (*chainhash.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, tx)
	hash := tx.TxHash()
	return &hash, nil
}

func (f *fakeBitcoin) transactions() []*btcwire.MsgTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*btcwire.MsgTx(nil), f.broadcast...)
}

// fakeStacks records contract call broadcasts.
type fakeStacks struct {
	mu    sync.Mutex
	calls []*stacks.ContractCall
}

func (f *fakeStacks) GetAccountNonce(context.Context, string) (uint64, error) { return 0, nil }

func (f *fakeStacks) BroadcastContractCall(_ context.Context, call *stacks.ContractCall, _, _ uint64, _ [64]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return "txid", nil
}

func (f *fakeStacks) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.calls {
		out = append(out, call.FunctionName)
	}
	return out
}

type testNode struct {
	signer *Signer
	store  *memory.Store
	view   *chainstate.View
	key    keys.PrivateKey
}

type harness struct {
	nodes        []*testNode
	members      []keys.PublicKey
	aggregateKey keys.PublicKey
	bitcoinNode  *fakeBitcoin
	stacksNode   *fakeStacks
	deployer     stacks.Principal
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Signer.SigningThreshold = 2
	cfg.Signer.ContextWindow = 100
	cfg.Signer.DepositDecisionsRetryWindow = 3
	cfg.Signer.WithdrawalDecisionsRetryWindow = 3
	cfg.Signer.MaxDepositsPerBitcoinTx = 25
	cfg.Signer.FeeRateSatsPerVbyte = 0.45
	cfg.Signer.FeeTolerance = 20
	cfg.Signer.StacksFeesMaxUstx = 150000
	cfg.Signer.SignerRoundMaxDuration = 5 * time.Second
	cfg.Signer.BitcoinPresignRequestMaxDuration = 5 * time.Second
	cfg.Signer.SbtcBitcoinStartHeight = 1 << 40
	cfg.Signer.Dkg.MaxDuration = 20 * time.Second
	cfg.Signer.Dkg.VerificationWindow = 1
	cfg.Signer.Dkg.TargetRounds = 1
	return cfg
}

// newHarness builds a three signer network over the in memory hub with a
// pre-bootstrapped aggregate key: the DKG math runs in process and the
// resulting shares are installed directly, mirroring a peg bootstrapped
// before these signers came online.
func newHarness(t *testing.T, cfg config.Config, withShares bool) *harness {
	t.Helper()

	privs := make(map[keys.PublicKey]keys.PrivateKey, 3)
	members := make([]keys.PublicKey, 0, 3)
	for i := 0; i < 3; i++ {
		sk, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		privs[sk.PublicKey()] = sk
		members = append(members, sk.PublicKey())
	}
	keys.SortPublicKeys(members)

	shares := make([]*wsts.SignerShare, 3)
	if withShares {
		participants := make([]*wsts.DkgParticipant, 3)
		for i := range participants {
			p, err := wsts.NewDkgParticipant(uint32(i+1), 3, 2)
			require.NoError(t, err)
			participants[i] = p
		}
		for _, from := range participants {
			commitments := from.Commitments()
			raw := make([][]byte, len(commitments))
			for j := range commitments {
				raw[j] = commitments[j][:]
			}
			for _, to := range participants {
				if to.Index == from.Index {
					continue
				}
				require.NoError(t, to.AddCommitments(from.Index, raw))
				require.NoError(t, to.AddShare(from.Index, from.ShareFor(to.Index)))
			}
		}
		for i, p := range participants {
			share, err := p.Finalize()
			require.NoError(t, err)
			shares[i] = share
		}
	}

	hub := network.NewInMemoryHub()
	bitcoinNode := &fakeBitcoin{}
	stacksNode := &fakeStacks{}
	deployer := stacks.Principal{Version: 22, Hash160: [20]byte{0x7e}}

	h := &harness{
		members:     members,
		bitcoinNode: bitcoinNode,
		stacksNode:  stacksNode,
		deployer:    deployer,
	}
	if withShares {
		h.aggregateKey = shares[0].AggregateKey
	} else {
		// An arbitrary bootstrap key; no shares exist for it.
		sk, err := keys.GeneratePrivateKey()
		require.NoError(t, err)
		h.aggregateKey = sk.PublicKey()
	}

	for i, pk := range members {
		sk := privs[pk]
		store := memory.New()
		view := chainstate.New(store, cfg.Signer.ContextWindow, h.aggregateKey)
		transport := hub.Connect(pk)

		selector := &policy.Selector{
			Store:       store,
			Threshold:   cfg.Signer.SigningThreshold,
			SetSize:     3,
			MaxDeposits: cfg.Signer.MaxDepositsPerBitcoinTx,
			Self:        pk,
		}
		validator := &validation.Validator{
			View:              view,
			Store:             store,
			Selector:          selector,
			FeeRate:           cfg.Signer.FeeRateSatsPerVbyte,
			FeeTolerance:      cfg.Signer.FeeTolerance,
			StacksFeesMaxUstx: cfg.Signer.StacksFeesMaxUstx,
		}
		requestDecider := &decider.RequestDecider{
			Store:            store,
			View:             view,
			Transport:        transport,
			PrivateKey:       sk,
			ChainParams:      &chaincfg.RegressionNetParams,
			DepositWindow:    cfg.Signer.DepositDecisionsRetryWindow,
			WithdrawalWindow: cfg.Signer.WithdrawalDecisionsRetryWindow,
		}

		mux := round.NewMux()
		acks := make(chan *wire.Message, 64)
		coord := &coordinator.Coordinator{
			Cfg:        cfg,
			Store:      store,
			View:       view,
			Transport:  transport,
			Bitcoin:    bitcoinNode,
			Stacks:     stacksNode,
			Selector:   selector,
			Mux:        mux,
			PrivateKey: sk,
			Members:    members,
			Acks:       acks,
			Deployer:   deployer,
		}

		node := &Signer{
			Cfg:           cfg,
			Store:         store,
			View:          view,
			Transport:     transport,
			BitcoinClient: bitcoinNode,
			Decider:       requestDecider,
			Validator:     validator,
			Coordinator:   coord,
			Mux:           mux,
			PrivateKey:    sk,
			Members:       members,
			Acks:          acks,
		}
		if withShares {
			node.SetShare(shares[i])
		}
		h.nodes = append(h.nodes, &testNode{signer: node, store: store, view: view, key: sk})
	}
	return h
}

func (h *harness) start(ctx context.Context, t *testing.T) {
	t.Helper()
	for _, node := range h.nodes {
		node := node
		go func() {
			_ = node.signer.Run(ctx)
		}()
	}
	// Give the gossip loops a beat to come up.
	time.Sleep(100 * time.Millisecond)
}

// addBlock feeds the same block into every node's chain view.
func (h *harness) addBlock(t *testing.T, height int64, id byte, parent chainhash.Hash) chainhash.Hash {
	t.Helper()
	var hash chainhash.Hash
	hash[0] = id
	hash[1] = byte(height)
	for _, node := range h.nodes {
		_, err := node.view.AddBlock(context.Background(), &storage.BitcoinBlock{
			BlockHash:   hash,
			BlockHeight: height,
			ParentHash:  parent,
		})
		require.NoError(t, err)
	}
	return hash
}

func (h *harness) writeSignerUtxo(t *testing.T, amount uint64) {
	t.Helper()
	script, err := sbtcscript.PegScript(h.aggregateKey)
	require.NoError(t, err)
	for _, node := range h.nodes {
		require.NoError(t, node.store.WriteSignerUtxo(context.Background(), &storage.SignerUtxo{
			Txid:         chainhash.Hash{0xf0},
			OutputIndex:  0,
			Amount:       amount,
			ScriptPubKey: script,
		}))
	}
}

func (h *harness) writeDeposit(t *testing.T, confirmation chainhash.Hash, height int64) *storage.DepositRequest {
	t.Helper()
	recipient := stacks.Principal{Version: 22, Hash160: [20]byte{0x01}}
	inputs := sbtcscript.DepositInputs{
		SignersPublicKey: h.aggregateKey.XOnly(),
		MaxFee:           100,
		Recipient:        recipient,
	}
	depositScript, err := inputs.DepositScript()
	require.NoError(t, err)
	request := &storage.DepositRequest{
		Txid:               chainhash.Hash{0x01},
		OutputIndex:        0,
		Amount:             1100,
		MaxFee:             100,
		Recipient:          hex.EncodeToString(recipient.Serialize()),
		DepositScript:      depositScript,
		ReclaimScript:      []byte{2, 0x2c, 0x01, 0xb2},
		LockTime:           300,
		SignersPublicKey:   h.aggregateKey.XOnly(),
		ConfirmationHash:   confirmation,
		ConfirmationHeight: height,
	}
	for _, node := range h.nodes {
		require.NoError(t, node.store.WriteDepositRequest(context.Background(), request))
	}
	return request
}

func (h *harness) writeWithdrawal(t *testing.T, id uint64, script []byte, anchor chainhash.Hash) {
	t.Helper()
	for _, node := range h.nodes {
		require.NoError(t, node.store.WriteWithdrawalRequest(context.Background(), &storage.WithdrawalRequest{
			RequestID:       id,
			StacksBlockID:   [32]byte{byte(id)},
			Sender:          "sender",
			RecipientScript: script,
			Amount:          1000,
			MaxFee:          100,
			BitcoinAnchor:   anchor,
			CreatedHeight:   110,
		}))
	}
}

// TestHappySweepEndToEnd walks the full pipeline: decisions gossip, the
// elected coordinator packages the sweep, followers validate, the rounds
// aggregate, the transaction broadcasts, and the companion contract calls
// go out.
func TestHappySweepEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := testConfig()
	h := newHarness(t, cfg, true)
	h.start(ctx, t)

	genesis := h.addBlock(t, 109, 0x10, chainhash.Hash{})
	h.writeSignerUtxo(t, 10000)

	tip110 := h.addBlock(t, 110, 0x11, genesis)
	h.writeDeposit(t, tip110, 110)

	p2wpkh := make([]byte, 22)
	p2wpkh[1] = 20
	h.writeWithdrawal(t, 1, p2wpkh, tip110)

	// OP_TRUE is not a standard recipient; every signer rejects it.
	h.writeWithdrawal(t, 2, []byte{0x51}, tip110)

	// The first tick emits decisions; the next tips give the coordinator
	// a tick where threshold agreement is already in the stores.
	parent := tip110
	for i := byte(0); i < 4; i++ {
		time.Sleep(400 * time.Millisecond)
		parent = h.addBlock(t, 111+int64(i), 0x20+i, parent)
		if len(h.bitcoinNode.transactions()) > 0 {
			break
		}
	}

	require.Eventually(t, func() bool {
		return len(h.bitcoinNode.transactions()) > 0
	}, 30*time.Second, 200*time.Millisecond, "no sweep was broadcast")

	tx := h.bitcoinNode.transactions()[0]
	require.Len(t, tx.TxIn, 2, "signer utxo and one deposit")
	require.Len(t, tx.TxOut, 2, "peg output and one withdrawal")

	script, err := sbtcscript.PegScript(h.aggregateKey)
	require.NoError(t, err)
	assert.Equal(t, script, tx.TxOut[0].PkScript)
	assert.Equal(t, int64(1000), tx.TxOut[1].Value)

	// Witnesses carry real aggregate signatures.
	require.Len(t, tx.TxIn[0].Witness, 1)
	require.Len(t, tx.TxIn[0].Witness[0], 64)
	require.Len(t, tx.TxIn[1].Witness, 3)

	var sig [64]byte
	copy(sig[:], tx.TxIn[0].Witness[0])
	digest := keySpendDigest(t, tx, h)
	var digestArr [32]byte
	copy(digestArr[:], digest)
	assert.True(t, wsts.VerifySignature(sig, h.aggregateKey, digestArr))

	require.Eventually(t, func() bool {
		names := h.stacksNode.callNames()
		return contains(names, stacks.FunctionCompleteDeposit) &&
			contains(names, stacks.FunctionAcceptWithdrawal) &&
			contains(names, stacks.FunctionRejectWithdrawal)
	}, 30*time.Second, 200*time.Millisecond, "missing stacks contract calls: %v", h.stacksNode.callNames())
}

// keySpendDigest recomputes the input 0 sighash from the broadcast
// transaction by rebuilding the prevout set the harness created.
func keySpendDigest(t *testing.T, tx *btcwire.MsgTx, h *harness) []byte {
	t.Helper()

	script, err := sbtcscript.PegScript(h.aggregateKey)
	require.NoError(t, err)

	// Rebuild a package with identical structure to access its sighash
	// helper: the transaction bytes must match what was broadcast,
	// minus the witnesses.
	stripped := tx.Copy()
	for i := range stripped.TxIn {
		stripped.TxIn[i].Witness = nil
	}

	recipient := stacks.Principal{Version: 22, Hash160: [20]byte{0x01}}
	inputs := sbtcscript.DepositInputs{
		SignersPublicKey: h.aggregateKey.XOnly(),
		MaxFee:           100,
		Recipient:        recipient,
	}
	depositScript, err := inputs.DepositScript()
	require.NoError(t, err)
	deposit := &storage.DepositRequest{
		Txid:          chainhash.Hash{0x01},
		OutputIndex:   0,
		Amount:        1100,
		MaxFee:        100,
		DepositScript: depositScript,
		ReclaimScript: []byte{2, 0x2c, 0x01, 0xb2},
	}
	p2wpkh := make([]byte, 22)
	p2wpkh[1] = 20
	pkg, err := sweep.Build(sweep.Params{
		SignerUtxo: &storage.SignerUtxo{
			Txid:         chainhash.Hash{0xf0},
			OutputIndex:  0,
			Amount:       10000,
			ScriptPubKey: script,
		},
		AggregateKey:    h.aggregateKey,
		NewAggregateKey: h.aggregateKey,
		Deposits:        []*storage.DepositRequest{deposit},
		Withdrawals: []*storage.WithdrawalRequest{{
			RequestID:       1,
			Amount:          1000,
			MaxFee:          100,
			RecipientScript: p2wpkh,
		}},
		AnchorBlock: chainhash.Hash{},
		FeeRate:     0.45,
	})
	require.NoError(t, err)
	require.Equal(t, pkg.Tx.TxHash(), stripped.TxHash(), "broadcast tx differs from reconstruction")

	digest, err := pkg.InputDigest(0)
	require.NoError(t, err)
	return digest[:]
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// TestDkgVerificationWindowFailure covers the unhappy rotate path: the set
// produces a fresh aggregate key, the rotate transaction never confirms,
// and the shares are marked failed while the previous key stays in force.
func TestDkgVerificationWindowFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cfg := testConfig()
	cfg.Signer.SbtcBitcoinStartHeight = 100
	// Keep the failed epoch from being retried while the test asserts.
	cfg.Signer.Dkg.MinBitcoinBlockHeight = 1 << 40
	h := newHarness(t, cfg, false)
	h.start(ctx, t)

	// No signer utxo rows exist, so the rotate sweep cannot be built and
	// the verification window must elapse.
	parent := h.addBlock(t, 100, 0x01, chainhash.Hash{})

	// Wait for every node to persist an unverified DKG output.
	require.Eventually(t, func() bool {
		for _, node := range h.nodes {
			if _, err := node.store.GetLatestDkgShares(context.Background()); err != nil {
				return false
			}
		}
		return true
	}, 40*time.Second, 200*time.Millisecond, "dkg did not complete")

	// Advance past the verification window.
	for i := byte(1); i <= 3; i++ {
		time.Sleep(300 * time.Millisecond)
		parent = h.addBlock(t, 100+int64(i), 0x01+i, parent)
	}

	require.Eventually(t, func() bool {
		for _, node := range h.nodes {
			shares, err := node.store.GetLatestDkgShares(context.Background())
			if err != nil || shares.Status != storage.DkgSharesFailed {
				return false
			}
		}
		return true
	}, 20*time.Second, 200*time.Millisecond, "shares were not marked failed")

	// The bootstrap key remains in force.
	for _, node := range h.nodes {
		key, err := node.view.AggregateKeyAt(context.Background(), parent)
		require.NoError(t, err)
		assert.Equal(t, h.aggregateKey, key)
	}
}

// TestReorgReplacesCanonicalTip covers the chain view side of round
// cancellation: after a reorg the old anchor is no longer canonical, so
// followers refuse nonce requests bound to it.
func TestReorgReplacesCanonicalTip(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, true)

	genesis := h.addBlock(t, 100, 0x01, chainhash.Hash{})
	oldTip := h.addBlock(t, 101, 0x02, genesis)

	// A longer competing branch wins.
	fork := h.addBlock(t, 101, 0x03, genesis)
	h.addBlock(t, 102, 0x04, fork)

	for _, node := range h.nodes {
		assert.False(t, node.view.IsCanonical(oldTip))
		assert.True(t, node.view.IsCanonical(fork))
	}
}
