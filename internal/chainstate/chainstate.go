// Package chainstate materializes a reorg aware view of the bitcoin chain.
// Blocks live in an arena with stable indices; cross references are indices
// rather than pointers so abandoned branches stay addressable until they fall
// out of the context window.
package chainstate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/sbtcscript"
	"github.com/stacks-network/sbtc-signer/storage"
)

// ErrGapDetected is returned when a block's parent has not been observed; the
// view never advances past a gap.
var ErrGapDetected = errors.New("chainstate: parent block not observed")

// ErrUnknownBlock is returned for queries about blocks outside the view.
var ErrUnknownBlock = errors.New("chainstate: unknown block")

const noParent = -1

type node struct {
	block     storage.BitcoinBlock
	parent    int
	canonical bool
}

// TipEvent is published on every canonical tip change.
type TipEvent struct {
	Tip storage.BitcoinBlock
	// Reorged is true when the previous tip is no longer canonical.
	Reorged bool
	// Abandoned lists the hashes that left the canonical chain, newest
	// first.
	Abandoned []chainhash.Hash
}

// SbtcState is the peg state at a given canonical block. It is a pure
// function of the block hash: two signers at the same tip compute identical
// values.
type SbtcState struct {
	AggregateKey keys.PublicKey
	SignerUtxo   *storage.SignerUtxo
	Deposits     []*storage.DepositRequest
	Withdrawals  []*storage.WithdrawalRequest
}

// View is the materialized canonical chain.
type View struct {
	mu        sync.RWMutex
	nodes     []node
	index     map[chainhash.Hash]int
	tip       int
	window    uint32
	store     storage.Store
	bootstrap keys.PublicKey
	logger    *logrus.Entry

	subMu sync.Mutex
	subs  []chan TipEvent
}

// New creates an empty view. The bootstrap key is the aggregate key in force
// before the first verified DKG.
func New(store storage.Store, window uint32, bootstrap keys.PublicKey) *View {
	return &View{
		index:     make(map[chainhash.Hash]int),
		tip:       noParent,
		window:    window,
		store:     store,
		bootstrap: bootstrap,
		logger:    logging.Logger.WithField("service", "chainstate"),
	}
}

// Subscribe returns a channel receiving tip events. The channel is buffered;
// slow consumers drop events rather than block the observer.
func (v *View) Subscribe() <-chan TipEvent {
	ch := make(chan TipEvent, 16)
	v.subMu.Lock()
	v.subs = append(v.subs, ch)
	v.subMu.Unlock()
	return ch
}

func (v *View) publish(event TipEvent) {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// AddBlock ingests one observed block. The first block seeds the view; every
// later block must connect to an observed parent. Returns the tip event when
// the canonical tip changed, nil otherwise.
func (v *View) AddBlock(ctx context.Context, block *storage.BitcoinBlock) (*TipEvent, error) {
	if err := v.store.WriteBitcoinBlock(ctx, block); err != nil {
		return nil, fmt.Errorf("fail to persist block: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, seen := v.index[block.BlockHash]; seen {
		return nil, nil
	}

	parent := noParent
	if v.tip != noParent {
		idx, ok := v.index[block.ParentHash]
		if !ok {
			return nil, ErrGapDetected
		}
		parent = idx
	}

	idx := len(v.nodes)
	v.nodes = append(v.nodes, node{block: *block, parent: parent})
	v.index[block.BlockHash] = idx

	if v.tip == noParent {
		v.nodes[idx].canonical = true
		v.tip = idx
		event := TipEvent{Tip: *block}
		v.publish(event)
		return &event, nil
	}

	tipBlock := v.nodes[v.tip].block
	if block.BlockHeight <= tipBlock.BlockHeight {
		// A fork below or at the current tip; retained but not adopted.
		return nil, nil
	}

	event := TipEvent{Tip: *block}
	if parent != v.tip {
		event.Reorged = true
		event.Abandoned = v.switchBranchLocked(idx)
	} else {
		v.nodes[idx].canonical = true
	}
	v.tip = idx
	v.pruneLocked()
	v.publish(event)

	if event.Reorged {
		v.logger.WithFields(logrus.Fields{
			"tip":       block.BlockHash.String(),
			"height":    block.BlockHeight,
			"abandoned": len(event.Abandoned),
		}).Warn("chain reorganization detected")
	}
	return &event, nil
}

// switchBranchLocked walks both branches to the common ancestor, marks the
// old branch non-canonical and the new branch canonical. Returns the
// abandoned hashes, newest first.
func (v *View) switchBranchLocked(newTip int) []chainhash.Hash {
	onNewBranch := make(map[int]bool)
	for cursor := newTip; cursor != noParent; cursor = v.nodes[cursor].parent {
		onNewBranch[cursor] = true
	}

	var abandoned []chainhash.Hash
	for cursor := v.tip; cursor != noParent && !onNewBranch[cursor]; cursor = v.nodes[cursor].parent {
		v.nodes[cursor].canonical = false
		abandoned = append(abandoned, v.nodes[cursor].block.BlockHash)
	}
	for cursor := newTip; cursor != noParent; cursor = v.nodes[cursor].parent {
		if v.nodes[cursor].canonical {
			break
		}
		v.nodes[cursor].canonical = true
	}
	return abandoned
}

// pruneLocked drops blocks below the finality horizon. The arena is rebuilt,
// renumbering the surviving nodes, only once at least half of it is stale, so
// indices stay stable between rebuilds.
func (v *View) pruneLocked() {
	horizon := v.nodes[v.tip].block.BlockHeight - int64(v.window)
	if horizon <= 0 {
		return
	}
	var stale int
	for _, n := range v.nodes {
		if n.block.BlockHeight < horizon {
			stale++
		}
	}
	if stale < len(v.nodes)/2 || stale == 0 {
		return
	}

	oldNodes := v.nodes
	remap := make(map[int]int, len(oldNodes)-stale)
	v.nodes = make([]node, 0, len(oldNodes)-stale)
	v.index = make(map[chainhash.Hash]int, len(oldNodes)-stale)
	for i, n := range oldNodes {
		if n.block.BlockHeight < horizon {
			continue
		}
		remap[i] = len(v.nodes)
		v.nodes = append(v.nodes, n)
		v.index[n.block.BlockHash] = remap[i]
	}
	for i := range v.nodes {
		if parent, ok := remap[v.nodes[i].parent]; ok {
			v.nodes[i].parent = parent
		} else {
			v.nodes[i].parent = noParent
		}
	}
	v.tip = remap[v.tip]
}

// Tip returns the canonical tip, if any block has been observed.
func (v *View) Tip() (storage.BitcoinBlock, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.tip == noParent {
		return storage.BitcoinBlock{}, false
	}
	return v.nodes[v.tip].block, true
}

// Ancestors returns the block for hash followed by up to depth of its
// ancestors (at most depth+1 blocks).
func (v *View) Ancestors(hash chainhash.Hash, depth uint32) ([]storage.BitcoinBlock, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx, ok := v.index[hash]
	if !ok {
		return nil, ErrUnknownBlock
	}
	out := make([]storage.BitcoinBlock, 0, depth+1)
	for cursor := idx; cursor != noParent && uint32(len(out)) <= depth; cursor = v.nodes[cursor].parent {
		out = append(out, v.nodes[cursor].block)
	}
	return out, nil
}

// IsCanonical reports whether hash is on the canonical chain.
func (v *View) IsCanonical(hash chainhash.Hash) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx, ok := v.index[hash]
	return ok && v.nodes[idx].canonical
}

// AggregateKeyAt returns the aggregate key in force at the given block: the
// newest verified DKG output whose rotation was witnessed on the canonical
// chain at or below the block, or the bootstrap key before any rotation.
func (v *View) AggregateKeyAt(ctx context.Context, hash chainhash.Hash) (keys.PublicKey, error) {
	rotation, err := v.store.GetLastKeyRotation(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return v.bootstrap, nil
	}
	if err != nil {
		return keys.PublicKey{}, err
	}

	v.mu.RLock()
	rotationIdx, known := v.index[rotation.BlockHash]
	blockIdx, blockKnown := v.index[hash]
	v.mu.RUnlock()
	if !blockKnown {
		return keys.PublicKey{}, ErrUnknownBlock
	}
	// The rotation counts only if its block is an ancestor of (or equal
	// to) the queried block. A rotation outside the window is final.
	if known && !v.isAncestorOf(rotationIdx, blockIdx) {
		return v.bootstrap, nil
	}
	return rotation.AggregateKey, nil
}

func (v *View) isAncestorOf(ancestor, descendant int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	target := v.nodes[ancestor].block.BlockHeight
	for cursor := descendant; cursor != noParent; cursor = v.nodes[cursor].parent {
		if cursor == ancestor {
			return true
		}
		if v.nodes[cursor].block.BlockHeight < target {
			return false
		}
	}
	return false
}

// SbtcStateAt computes the peg state at a canonical block. Same hash, same
// bytes: the result depends only on durable rows anchored at or below hash.
func (v *View) SbtcStateAt(ctx context.Context, hash chainhash.Hash) (*SbtcState, error) {
	v.mu.RLock()
	_, known := v.index[hash]
	v.mu.RUnlock()
	if !known {
		return nil, ErrUnknownBlock
	}

	aggregateKey, err := v.AggregateKeyAt(ctx, hash)
	if err != nil {
		return nil, err
	}

	state := &SbtcState{AggregateKey: aggregateKey}

	state.Deposits, err = v.store.GetPendingDepositRequests(ctx, &hash, v.window)
	if err != nil {
		return nil, fmt.Errorf("fail to load pending deposits: %w", err)
	}
	state.Withdrawals, err = v.store.GetPendingWithdrawalRequests(ctx, &hash, v.window)
	if err != nil {
		return nil, fmt.Errorf("fail to load pending withdrawals: %w", err)
	}

	script, err := sbtcscript.PegScript(aggregateKey)
	if err != nil {
		return nil, err
	}
	utxo, err := v.store.GetSignerUtxo(ctx, script)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("fail to load signer utxo: %w", err)
	}
	state.SignerUtxo = utxo
	return state, nil
}
