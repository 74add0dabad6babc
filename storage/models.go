package storage

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

// BitcoinBlock is a header row of the observed bitcoin chain.
type BitcoinBlock struct {
	BlockHash   chainhash.Hash
	BlockHeight int64
	ParentHash  chainhash.Hash
}

// StacksBlock is a header row of the observed stacks chain, anchored to the
// bitcoin block its tenure burned in.
type StacksBlock struct {
	BlockID       [32]byte
	BlockHeight   int64
	ParentBlockID [32]byte
	BitcoinAnchor chainhash.Hash
}

// DepositRequest is an observed sBTC deposit output waiting to be swept.
type DepositRequest struct {
	Txid                chainhash.Hash
	OutputIndex         uint32
	Amount              uint64
	MaxFee              uint64
	Recipient           string
	DepositScript       []byte
	ReclaimScript       []byte
	LockTime            uint32
	SignersPublicKey    [32]byte
	SenderScriptPubKeys [][]byte
	ConfirmationHash    chainhash.Hash
	ConfirmationHeight  int64
}

// WithdrawalRequest is a withdrawal event emitted by the sBTC contract.
type WithdrawalRequest struct {
	RequestID       uint64
	StacksBlockID   [32]byte
	StacksTxid      [32]byte
	Sender          string
	RecipientScript []byte
	Amount          uint64
	MaxFee          uint64
	BitcoinAnchor   chainhash.Hash
	CreatedHeight   int64
}

// DepositSigner is one signer's decision on a deposit request.
type DepositSigner struct {
	Txid         chainhash.Hash
	OutputIndex  uint32
	SignerPubKey keys.PublicKey
	CanAccept    bool
	CanSign      bool
}

// WithdrawalSigner is one signer's decision on a withdrawal request.
type WithdrawalSigner struct {
	RequestID     uint64
	StacksBlockID [32]byte
	SignerPubKey  keys.PublicKey
	Accepted      bool
}

// DkgSharesStatus tracks whether a DKG output may custody funds.
type DkgSharesStatus string

const (
	DkgSharesUnverified DkgSharesStatus = "unverified"
	DkgSharesVerified   DkgSharesStatus = "verified"
	DkgSharesFailed     DkgSharesStatus = "failed"
)

// EncryptedDkgShares is the durable output of one DKG epoch. The share blob
// is encrypted under the signer's own key before it reaches the database.
type EncryptedDkgShares struct {
	AggregateKey    keys.PublicKey
	Epoch           uint64
	Threshold       uint16
	SignerIndex     uint32
	SignerSet       []keys.PublicKey
	EncryptedShares []byte
	PublicShares    []byte
	Status          DkgSharesStatus
	StartedAtHeight int64
	CreatedAt       time.Time
}

// RotateKeysTransaction records a confirmed on-chain rotation to a new
// aggregate key. Its existence is what makes a DKG output the key in force.
type RotateKeysTransaction struct {
	Txid         chainhash.Hash
	BlockHash    chainhash.Hash
	AggregateKey keys.PublicKey
	SignerSet    []keys.PublicKey
	Threshold    uint16
}

// SignerUtxo is the single peg output under an aggregate key.
type SignerUtxo struct {
	Txid         chainhash.Hash
	OutputIndex  uint32
	Amount       uint64
	ScriptPubKey []byte
}

// SweepTransaction records a broadcast sweep and the requests it served.
type SweepTransaction struct {
	Txid            chainhash.Hash
	AnchorBlockHash chainhash.Hash
	Fee             uint64
	Deposits        []DepositOutpoint
	WithdrawalIDs   []uint64
	BroadcastAt     time.Time
	ConfirmedHash   *chainhash.Hash
	ConfirmedHeight *int64
}

// DepositOutpoint keys a deposit request.
type DepositOutpoint struct {
	Txid        chainhash.Hash
	OutputIndex uint32
}

// CompletedDepositEvent marks a deposit finalized on stacks.
type CompletedDepositEvent struct {
	Txid          chainhash.Hash
	OutputIndex   uint32
	StacksBlockID [32]byte
}

// WithdrawalEvent marks a withdrawal accepted or rejected on stacks.
type WithdrawalEvent struct {
	RequestID     uint64
	StacksBlockID [32]byte
	Accepted      bool
}
