// Package memory provides an in-memory Store used by tests. All methods are
// safe for concurrent use.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/storage"
)

type depositKey struct {
	txid        chainhash.Hash
	outputIndex uint32
}

type depositSignerKey struct {
	depositKey
	signer keys.PublicKey
}

type withdrawalSignerKey struct {
	requestID uint64
	signer    keys.PublicKey
}

// Store keeps every entity in maps keyed the same way the postgres schema
// keys its rows.
type Store struct {
	mu sync.RWMutex

	bitcoinBlocks map[chainhash.Hash]*storage.BitcoinBlock
	bitcoinTip    *chainhash.Hash

	stacksBlocks map[[32]byte]*storage.StacksBlock
	stacksTip    *[32]byte

	deposits          map[depositKey]*storage.DepositRequest
	withdrawals       map[uint64]*storage.WithdrawalRequest
	depositSigners    map[depositSignerKey]*storage.DepositSigner
	withdrawalSigners map[withdrawalSignerKey]*storage.WithdrawalSigner
	dkgShares         map[keys.PublicKey]*storage.EncryptedDkgShares
	rotations         []*storage.RotateKeysTransaction
	sweeps            map[chainhash.Hash]*storage.SweepTransaction
	signerUtxos       []*storage.SignerUtxo
	completedDeposits map[depositKey]*storage.CompletedDepositEvent
	withdrawalEvents  map[uint64]*storage.WithdrawalEvent
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		bitcoinBlocks:     make(map[chainhash.Hash]*storage.BitcoinBlock),
		stacksBlocks:      make(map[[32]byte]*storage.StacksBlock),
		deposits:          make(map[depositKey]*storage.DepositRequest),
		withdrawals:       make(map[uint64]*storage.WithdrawalRequest),
		depositSigners:    make(map[depositSignerKey]*storage.DepositSigner),
		withdrawalSigners: make(map[withdrawalSignerKey]*storage.WithdrawalSigner),
		dkgShares:         make(map[keys.PublicKey]*storage.EncryptedDkgShares),
		sweeps:            make(map[chainhash.Hash]*storage.SweepTransaction),
		completedDeposits: make(map[depositKey]*storage.CompletedDepositEvent),
		withdrawalEvents:  make(map[uint64]*storage.WithdrawalEvent),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) WriteBitcoinBlock(_ context.Context, block *storage.BitcoinBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *block
	s.bitcoinBlocks[block.BlockHash] = &cp
	if s.bitcoinTip == nil || s.bitcoinBlocks[*s.bitcoinTip].BlockHeight <= block.BlockHeight {
		hash := block.BlockHash
		s.bitcoinTip = &hash
	}
	return nil
}

func (s *Store) GetBitcoinBlock(_ context.Context, hash *chainhash.Hash) (*storage.BitcoinBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.bitcoinBlocks[*hash]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *block
	return &cp, nil
}

func (s *Store) GetBitcoinCanonicalChainTip(_ context.Context) (*storage.BitcoinBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bitcoinTip == nil {
		return nil, storage.ErrNoChainTip
	}
	cp := *s.bitcoinBlocks[*s.bitcoinTip]
	return &cp, nil
}

func (s *Store) WriteStacksBlock(_ context.Context, block *storage.StacksBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *block
	s.stacksBlocks[block.BlockID] = &cp
	if s.stacksTip == nil || s.stacksBlocks[*s.stacksTip].BlockHeight <= block.BlockHeight {
		id := block.BlockID
		s.stacksTip = &id
	}
	return nil
}

func (s *Store) GetStacksBlock(_ context.Context, blockID [32]byte) (*storage.StacksBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.stacksBlocks[blockID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *block
	return &cp, nil
}

func (s *Store) GetStacksChainTip(_ context.Context) (*storage.StacksBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stacksTip == nil {
		return nil, storage.ErrNoChainTip
	}
	cp := *s.stacksBlocks[*s.stacksTip]
	return &cp, nil
}

func (s *Store) WriteDepositRequest(_ context.Context, req *storage.DepositRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.deposits[depositKey{req.Txid, req.OutputIndex}] = &cp
	return nil
}

func (s *Store) GetDepositRequest(_ context.Context, txid *chainhash.Hash, outputIndex uint32) (*storage.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.deposits[depositKey{*txid, outputIndex}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// canonicalWindow returns the set of block hashes on the chain ending at tip,
// at most window+1 blocks deep. The zero parent hash terminates the walk.
func (s *Store) canonicalWindow(tip *chainhash.Hash, window uint32) map[chainhash.Hash]bool {
	out := make(map[chainhash.Hash]bool)
	cursor := *tip
	for i := uint32(0); i <= window; i++ {
		block, ok := s.bitcoinBlocks[cursor]
		if !ok {
			break
		}
		out[cursor] = true
		if block.ParentHash == (chainhash.Hash{}) {
			break
		}
		cursor = block.ParentHash
	}
	return out
}

func (s *Store) GetPendingDepositRequests(_ context.Context, chainTip *chainhash.Hash, window uint32) ([]*storage.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical := s.canonicalWindow(chainTip, window)

	var out []*storage.DepositRequest
	for key, req := range s.deposits {
		if !canonical[req.ConfirmationHash] {
			continue
		}
		if _, done := s.completedDeposits[key]; done {
			continue
		}
		if s.depositSweptLocked(key) {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sortDeposits(out)
	return out, nil
}

// depositSweptLocked reports whether a confirmed sweep already spent the
// deposit outpoint.
func (s *Store) depositSweptLocked(key depositKey) bool {
	for _, sweep := range s.sweeps {
		if sweep.ConfirmedHash == nil {
			continue
		}
		for _, d := range sweep.Deposits {
			if d.Txid == key.txid && d.OutputIndex == key.outputIndex {
				return true
			}
		}
	}
	return false
}

func sortDeposits(reqs []*storage.DepositRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].ConfirmationHeight != reqs[j].ConfirmationHeight {
			return reqs[i].ConfirmationHeight < reqs[j].ConfirmationHeight
		}
		if cmp := bytes.Compare(reqs[i].Txid[:], reqs[j].Txid[:]); cmp != 0 {
			return cmp < 0
		}
		return reqs[i].OutputIndex < reqs[j].OutputIndex
	})
}

func (s *Store) WriteWithdrawalRequest(_ context.Context, req *storage.WithdrawalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.withdrawals[req.RequestID] = &cp
	return nil
}

func (s *Store) GetWithdrawalRequest(_ context.Context, requestID uint64) (*storage.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.withdrawals[requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *Store) GetPendingWithdrawalRequests(_ context.Context, chainTip *chainhash.Hash, window uint32) ([]*storage.WithdrawalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	canonical := s.canonicalWindow(chainTip, window)

	var out []*storage.WithdrawalRequest
	for id, req := range s.withdrawals {
		if !canonical[req.BitcoinAnchor] {
			continue
		}
		if _, done := s.withdrawalEvents[id]; done {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

func (s *Store) WriteDepositSignerDecision(_ context.Context, decision *storage.DepositSigner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *decision
	key := depositSignerKey{depositKey{decision.Txid, decision.OutputIndex}, decision.SignerPubKey}
	s.depositSigners[key] = &cp
	return nil
}

func (s *Store) GetDepositSignerDecisions(_ context.Context, txid *chainhash.Hash, outputIndex uint32) ([]*storage.DepositSigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.DepositSigner
	for key, decision := range s.depositSigners {
		if key.txid == *txid && key.outputIndex == outputIndex {
			cp := *decision
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerPubKey.Less(out[j].SignerPubKey) })
	return out, nil
}

func (s *Store) WriteWithdrawalSignerDecision(_ context.Context, decision *storage.WithdrawalSigner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *decision
	s.withdrawalSigners[withdrawalSignerKey{decision.RequestID, decision.SignerPubKey}] = &cp
	return nil
}

func (s *Store) GetWithdrawalSignerDecisions(_ context.Context, requestID uint64) ([]*storage.WithdrawalSigner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.WithdrawalSigner
	for key, decision := range s.withdrawalSigners {
		if key.requestID == requestID {
			cp := *decision
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerPubKey.Less(out[j].SignerPubKey) })
	return out, nil
}

func (s *Store) WriteEncryptedDkgShares(_ context.Context, shares *storage.EncryptedDkgShares) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *shares
	s.dkgShares[shares.AggregateKey] = &cp
	return nil
}

func (s *Store) GetEncryptedDkgShares(_ context.Context, aggregateKey keys.PublicKey) (*storage.EncryptedDkgShares, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shares, ok := s.dkgShares[aggregateKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *shares
	return &cp, nil
}

func (s *Store) GetLatestVerifiedDkgShares(_ context.Context) (*storage.EncryptedDkgShares, error) {
	return s.latestShares(func(sh *storage.EncryptedDkgShares) bool {
		return sh.Status == storage.DkgSharesVerified
	})
}

func (s *Store) GetLatestDkgShares(_ context.Context) (*storage.EncryptedDkgShares, error) {
	return s.latestShares(func(*storage.EncryptedDkgShares) bool { return true })
}

func (s *Store) latestShares(keep func(*storage.EncryptedDkgShares) bool) (*storage.EncryptedDkgShares, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *storage.EncryptedDkgShares
	for _, shares := range s.dkgShares {
		if !keep(shares) {
			continue
		}
		if best == nil || shares.Epoch > best.Epoch {
			best = shares
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *Store) SetDkgSharesStatus(_ context.Context, aggregateKey keys.PublicKey, status storage.DkgSharesStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shares, ok := s.dkgShares[aggregateKey]
	if !ok {
		return storage.ErrNotFound
	}
	shares.Status = status
	return nil
}

func (s *Store) WriteRotateKeysTransaction(_ context.Context, rotation *storage.RotateKeysTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rotation
	s.rotations = append(s.rotations, &cp)
	return nil
}

func (s *Store) GetLastKeyRotation(_ context.Context) (*storage.RotateKeysTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rotations) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *s.rotations[len(s.rotations)-1]
	return &cp, nil
}

func (s *Store) WriteSweepTransaction(_ context.Context, sweep *storage.SweepTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sweep
	s.sweeps[sweep.Txid] = &cp
	return nil
}

func (s *Store) GetSweepTransaction(_ context.Context, txid *chainhash.Hash) (*storage.SweepTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sweep, ok := s.sweeps[*txid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sweep
	return &cp, nil
}

func (s *Store) MarkSweepConfirmed(_ context.Context, txid *chainhash.Hash, blockHash *chainhash.Hash, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sweep, ok := s.sweeps[*txid]
	if !ok {
		return storage.ErrNotFound
	}
	hash := *blockHash
	sweep.ConfirmedHash = &hash
	sweep.ConfirmedHeight = &height
	return nil
}

func (s *Store) WriteSignerUtxo(_ context.Context, utxo *storage.SignerUtxo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *utxo
	s.signerUtxos = append(s.signerUtxos, &cp)
	return nil
}

func (s *Store) GetSignerUtxo(_ context.Context, scriptPubKey []byte) (*storage.SignerUtxo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Latest write wins: each confirmed sweep replaces the peg output.
	for i := len(s.signerUtxos) - 1; i >= 0; i-- {
		if string(s.signerUtxos[i].ScriptPubKey) == string(scriptPubKey) {
			cp := *s.signerUtxos[i]
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) WriteCompletedDepositEvent(_ context.Context, event *storage.CompletedDepositEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.completedDeposits[depositKey{event.Txid, event.OutputIndex}] = &cp
	return nil
}

func (s *Store) GetCompletedDepositEvent(_ context.Context, txid *chainhash.Hash, outputIndex uint32) (*storage.CompletedDepositEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.completedDeposits[depositKey{*txid, outputIndex}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *event
	return &cp, nil
}

func (s *Store) WriteWithdrawalEvent(_ context.Context, event *storage.WithdrawalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.withdrawalEvents[event.RequestID] = &cp
	return nil
}

func (s *Store) GetWithdrawalEvent(_ context.Context, requestID uint64) (*storage.WithdrawalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.withdrawalEvents[requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *event
	return &cp, nil
}

var _ storage.Store = (*Store)(nil)
