package storage

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

// ErrNotFound is returned by point lookups with no matching row.
var ErrNotFound = errors.New("storage: not found")

// ErrNoChainTip is returned when the bitcoin chain has not been observed yet.
var ErrNoChainTip = errors.New("storage: no bitcoin chain tip")

// Store is the narrow repository the signer core depends on. The postgres
// backend is the durable implementation; the memory backend serves tests.
type Store interface {
	Close() error

	// Bitcoin chain.
	WriteBitcoinBlock(ctx context.Context, block *BitcoinBlock) error
	GetBitcoinBlock(ctx context.Context, hash *chainhash.Hash) (*BitcoinBlock, error)
	GetBitcoinCanonicalChainTip(ctx context.Context) (*BitcoinBlock, error)

	// Stacks chain.
	WriteStacksBlock(ctx context.Context, block *StacksBlock) error
	GetStacksBlock(ctx context.Context, blockID [32]byte) (*StacksBlock, error)
	GetStacksChainTip(ctx context.Context) (*StacksBlock, error)

	// Deposit requests.
	WriteDepositRequest(ctx context.Context, req *DepositRequest) error
	GetDepositRequest(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) (*DepositRequest, error)
	// GetPendingDepositRequests returns unswept deposits confirmed on the
	// canonical chain ending at chainTip, no deeper than window blocks.
	GetPendingDepositRequests(ctx context.Context, chainTip *chainhash.Hash, window uint32) ([]*DepositRequest, error)

	// Withdrawal requests.
	WriteWithdrawalRequest(ctx context.Context, req *WithdrawalRequest) error
	GetWithdrawalRequest(ctx context.Context, requestID uint64) (*WithdrawalRequest, error)
	GetPendingWithdrawalRequests(ctx context.Context, chainTip *chainhash.Hash, window uint32) ([]*WithdrawalRequest, error)

	// Signer decisions. Writes are idempotent on the decision key.
	WriteDepositSignerDecision(ctx context.Context, decision *DepositSigner) error
	GetDepositSignerDecisions(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) ([]*DepositSigner, error)
	WriteWithdrawalSignerDecision(ctx context.Context, decision *WithdrawalSigner) error
	GetWithdrawalSignerDecisions(ctx context.Context, requestID uint64) ([]*WithdrawalSigner, error)

	// DKG shares.
	WriteEncryptedDkgShares(ctx context.Context, shares *EncryptedDkgShares) error
	GetEncryptedDkgShares(ctx context.Context, aggregateKey keys.PublicKey) (*EncryptedDkgShares, error)
	GetLatestVerifiedDkgShares(ctx context.Context) (*EncryptedDkgShares, error)
	GetLatestDkgShares(ctx context.Context) (*EncryptedDkgShares, error)
	SetDkgSharesStatus(ctx context.Context, aggregateKey keys.PublicKey, status DkgSharesStatus) error

	// Key rotations witnessed on bitcoin.
	WriteRotateKeysTransaction(ctx context.Context, rotation *RotateKeysTransaction) error
	GetLastKeyRotation(ctx context.Context) (*RotateKeysTransaction, error)

	// Sweeps.
	WriteSweepTransaction(ctx context.Context, sweep *SweepTransaction) error
	GetSweepTransaction(ctx context.Context, txid *chainhash.Hash) (*SweepTransaction, error)
	MarkSweepConfirmed(ctx context.Context, txid *chainhash.Hash, blockHash *chainhash.Hash, height int64) error
	// GetSignerUtxo returns the most recently written peg output row paying
	// scriptPubKey.
	GetSignerUtxo(ctx context.Context, scriptPubKey []byte) (*SignerUtxo, error)
	WriteSignerUtxo(ctx context.Context, utxo *SignerUtxo) error

	// Terminal events from stacks.
	WriteCompletedDepositEvent(ctx context.Context, event *CompletedDepositEvent) error
	GetCompletedDepositEvent(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) (*CompletedDepositEvent, error)
	WriteWithdrawalEvent(ctx context.Context, event *WithdrawalEvent) error
	GetWithdrawalEvent(ctx context.Context, requestID uint64) (*WithdrawalEvent, error)
}
