package wire

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

// SignerDepositDecision carries one signer's verdict on a deposit request,
// keyed by the bitcoin outpoint that created it.
type SignerDepositDecision struct {
	Txid        chainhash.Hash
	OutputIndex uint32
	CanAccept   bool
	CanSign     bool
}

func (*SignerDepositDecision) Kind() Kind { return KindSignerDepositDecision }

func (p *SignerDepositDecision) encode(w *writer) {
	w.raw(p.Txid[:])
	w.u32(p.OutputIndex)
	w.bool(p.CanAccept)
	w.bool(p.CanSign)
}

func (p *SignerDepositDecision) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.Txid[:], raw)
	if p.OutputIndex, err = r.u32(); err != nil {
		return err
	}
	if p.CanAccept, err = r.bool(); err != nil {
		return err
	}
	p.CanSign, err = r.bool()
	return err
}

// SignerWithdrawalDecision carries one signer's verdict on a withdrawal
// request, keyed by (request id, stacks block id, stacks txid).
type SignerWithdrawalDecision struct {
	RequestID     uint64
	StacksBlockID [32]byte
	StacksTxid    [32]byte
	Accepted      bool
}

func (*SignerWithdrawalDecision) Kind() Kind { return KindSignerWithdrawalDecision }

func (p *SignerWithdrawalDecision) encode(w *writer) {
	w.u64(p.RequestID)
	w.raw(p.StacksBlockID[:])
	w.raw(p.StacksTxid[:])
	w.bool(p.Accepted)
}

func (p *SignerWithdrawalDecision) decode(r *reader) error {
	var err error
	if p.RequestID, err = r.u64(); err != nil {
		return err
	}
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.StacksBlockID[:], raw)
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.StacksTxid[:], raw)
	p.Accepted, err = r.bool()
	return err
}

// StacksTransactionSignature announces the aggregated signature produced for
// a stacks transaction hash.
type StacksTransactionSignature struct {
	TxHash    [32]byte
	Signature [64]byte
}

func (*StacksTransactionSignature) Kind() Kind { return KindStacksTransactionSignature }

func (p *StacksTransactionSignature) encode(w *writer) {
	w.raw(p.TxHash[:])
	w.raw(p.Signature[:])
}

func (p *StacksTransactionSignature) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.TxHash[:], raw)
	if raw, err = r.raw(64); err != nil {
		return err
	}
	copy(p.Signature[:], raw)
	return nil
}

// DepositRef identifies a deposit request inside a pre-sign request.
type DepositRef struct {
	Txid        chainhash.Hash
	OutputIndex uint32
}

// BitcoinPreSignRequest is the coordinator's full sweep proposal, sent before
// any signing round so followers can validate the package as a whole.
type BitcoinPreSignRequest struct {
	AnchorBlockHash chainhash.Hash
	AggregateKey    keys.PublicKey
	TxBytes         []byte
	Deposits        []DepositRef
	Withdrawals     []uint64
	Fee             uint64
}

func (*BitcoinPreSignRequest) Kind() Kind { return KindBitcoinPreSignRequest }

func (p *BitcoinPreSignRequest) encode(w *writer) {
	w.raw(p.AnchorBlockHash[:])
	w.raw(p.AggregateKey[:])
	w.bytes(p.TxBytes)
	w.u32(uint32(len(p.Deposits)))
	for _, d := range p.Deposits {
		w.raw(d.Txid[:])
		w.u32(d.OutputIndex)
	}
	w.u32(uint32(len(p.Withdrawals)))
	for _, id := range p.Withdrawals {
		w.u64(id)
	}
	w.u64(p.Fee)
}

func (p *BitcoinPreSignRequest) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.AnchorBlockHash[:], raw)
	if raw, err = r.raw(33); err != nil {
		return err
	}
	if p.AggregateKey, err = keys.ParsePublicKey(raw); err != nil {
		return err
	}
	if p.TxBytes, err = r.bytes(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	if n > maxCollectionLen {
		return fmt.Errorf("deposit list too long: %d", n)
	}
	p.Deposits = make([]DepositRef, n)
	for i := range p.Deposits {
		if raw, err = r.raw(32); err != nil {
			return err
		}
		copy(p.Deposits[i].Txid[:], raw)
		if p.Deposits[i].OutputIndex, err = r.u32(); err != nil {
			return err
		}
	}
	if n, err = r.u32(); err != nil {
		return err
	}
	if n > maxCollectionLen {
		return fmt.Errorf("withdrawal list too long: %d", n)
	}
	p.Withdrawals = make([]uint64, n)
	for i := range p.Withdrawals {
		if p.Withdrawals[i], err = r.u64(); err != nil {
			return err
		}
	}
	p.Fee, err = r.u64()
	return err
}

// Digest keys the ack to the exact proposal bytes.
func (p *BitcoinPreSignRequest) Digest() [32]byte {
	return payloadDigest(p)
}

// BitcoinPreSignAck approves a pre-sign request by its digest.
type BitcoinPreSignAck struct {
	RequestDigest [32]byte
}

func (*BitcoinPreSignAck) Kind() Kind { return KindBitcoinPreSignAck }

func (p *BitcoinPreSignAck) encode(w *writer) { w.raw(p.RequestDigest[:]) }

func (p *BitcoinPreSignAck) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.RequestDigest[:], raw)
	return nil
}

// StacksTransactionSignRequest is the coordinator's proposal for one stacks
// contract call, carrying the canonical call encoding so followers can
// reconstruct and compare byte for byte.
type StacksTransactionSignRequest struct {
	AnchorBlockHash chainhash.Hash
	AggregateKey    keys.PublicKey
	ContractCall    []byte
	TxHash          [32]byte
	Nonce           uint64
	Fee             uint64
}

func (*StacksTransactionSignRequest) Kind() Kind { return KindStacksTransactionSignRequest }

func (p *StacksTransactionSignRequest) encode(w *writer) {
	w.raw(p.AnchorBlockHash[:])
	w.raw(p.AggregateKey[:])
	w.bytes(p.ContractCall)
	w.raw(p.TxHash[:])
	w.u64(p.Nonce)
	w.u64(p.Fee)
}

func (p *StacksTransactionSignRequest) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.AnchorBlockHash[:], raw)
	if raw, err = r.raw(33); err != nil {
		return err
	}
	if p.AggregateKey, err = keys.ParsePublicKey(raw); err != nil {
		return err
	}
	if p.ContractCall, err = r.bytes(); err != nil {
		return err
	}
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.TxHash[:], raw)
	if p.Nonce, err = r.u64(); err != nil {
		return err
	}
	p.Fee, err = r.u64()
	return err
}

// DkgBegin opens a DKG epoch for the listed participants.
type DkgBegin struct {
	Epoch        uint64
	Threshold    uint16
	Participants []keys.PublicKey
}

func (*DkgBegin) Kind() Kind { return KindDkgBegin }

func (p *DkgBegin) encode(w *writer) {
	w.u64(p.Epoch)
	w.u16(p.Threshold)
	w.u32(uint32(len(p.Participants)))
	for _, pk := range p.Participants {
		w.raw(pk[:])
	}
}

func (p *DkgBegin) decode(r *reader) error {
	var err error
	if p.Epoch, err = r.u64(); err != nil {
		return err
	}
	if p.Threshold, err = r.u16(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	if n > maxCollectionLen {
		return fmt.Errorf("participant list too long: %d", n)
	}
	p.Participants = make([]keys.PublicKey, n)
	for i := range p.Participants {
		raw, err := r.raw(33)
		if err != nil {
			return err
		}
		if p.Participants[i], err = keys.ParsePublicKey(raw); err != nil {
			return err
		}
	}
	return nil
}

// DkgCommitments is a participant's broadcast of its polynomial commitments.
type DkgCommitments struct {
	Epoch       uint64
	SignerIndex uint32
	Commitments [][]byte
}

func (*DkgCommitments) Kind() Kind { return KindDkgCommitments }

func (p *DkgCommitments) encode(w *writer) {
	w.u64(p.Epoch)
	w.u32(p.SignerIndex)
	w.u32(uint32(len(p.Commitments)))
	for _, c := range p.Commitments {
		w.raw(c)
	}
}

func (p *DkgCommitments) decode(r *reader) error {
	var err error
	if p.Epoch, err = r.u64(); err != nil {
		return err
	}
	if p.SignerIndex, err = r.u32(); err != nil {
		return err
	}
	n, err := r.u32()
	if err != nil {
		return err
	}
	if n > maxCollectionLen {
		return fmt.Errorf("commitment list too long: %d", n)
	}
	p.Commitments = make([][]byte, n)
	for i := range p.Commitments {
		if p.Commitments[i], err = r.raw(33); err != nil {
			return err
		}
	}
	return nil
}

// DkgShare is a pairwise encrypted polynomial evaluation.
type DkgShare struct {
	Epoch      uint64
	FromIndex  uint32
	ToIndex    uint32
	Ciphertext []byte
}

func (*DkgShare) Kind() Kind { return KindDkgShare }

func (p *DkgShare) encode(w *writer) {
	w.u64(p.Epoch)
	w.u32(p.FromIndex)
	w.u32(p.ToIndex)
	w.bytes(p.Ciphertext)
}

func (p *DkgShare) decode(r *reader) error {
	var err error
	if p.Epoch, err = r.u64(); err != nil {
		return err
	}
	if p.FromIndex, err = r.u32(); err != nil {
		return err
	}
	if p.ToIndex, err = r.u32(); err != nil {
		return err
	}
	p.Ciphertext, err = r.bytes()
	return err
}

// DkgAck acknowledges successful share verification, keyed by the digest of
// the full commitment set so only matching views count toward the threshold.
type DkgAck struct {
	Epoch            uint64
	CommitmentDigest [32]byte
	AggregateKey     keys.PublicKey
}

func (*DkgAck) Kind() Kind { return KindDkgAck }

func (p *DkgAck) encode(w *writer) {
	w.u64(p.Epoch)
	w.raw(p.CommitmentDigest[:])
	w.raw(p.AggregateKey[:])
}

func (p *DkgAck) decode(r *reader) error {
	var err error
	if p.Epoch, err = r.u64(); err != nil {
		return err
	}
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.CommitmentDigest[:], raw)
	if raw, err = r.raw(33); err != nil {
		return err
	}
	p.AggregateKey, err = keys.ParsePublicKey(raw)
	return err
}

// NonceRequest opens a signing round over a 32 byte digest bound to the
// coordinator's anchor block.
type NonceRequest struct {
	RoundID         [32]byte
	Digest          [32]byte
	AggregateKey    keys.PublicKey
	AnchorBlockHash chainhash.Hash
	SignerBitmap    uint64
}

func (*NonceRequest) Kind() Kind { return KindNonceRequest }

func (p *NonceRequest) encode(w *writer) {
	w.raw(p.RoundID[:])
	w.raw(p.Digest[:])
	w.raw(p.AggregateKey[:])
	w.raw(p.AnchorBlockHash[:])
	w.u64(p.SignerBitmap)
}

func (p *NonceRequest) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.RoundID[:], raw)
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.Digest[:], raw)
	if raw, err = r.raw(33); err != nil {
		return err
	}
	if p.AggregateKey, err = keys.ParsePublicKey(raw); err != nil {
		return err
	}
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.AnchorBlockHash[:], raw)
	p.SignerBitmap, err = r.u64()
	return err
}

// NonceCommitment is a participant's FROST nonce commitment pair.
type NonceCommitment struct {
	RoundID      [32]byte
	SignerIndex  uint32
	HidingNonce  [33]byte
	BindingNonce [33]byte
}

func (*NonceCommitment) Kind() Kind { return KindNonceCommitment }

func (p *NonceCommitment) encode(w *writer) {
	w.raw(p.RoundID[:])
	w.u32(p.SignerIndex)
	w.raw(p.HidingNonce[:])
	w.raw(p.BindingNonce[:])
}

func (p *NonceCommitment) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.RoundID[:], raw)
	if p.SignerIndex, err = r.u32(); err != nil {
		return err
	}
	if raw, err = r.raw(33); err != nil {
		return err
	}
	copy(p.HidingNonce[:], raw)
	if raw, err = r.raw(33); err != nil {
		return err
	}
	copy(p.BindingNonce[:], raw)
	return nil
}

// CommitmentRef pairs a signer index with its nonce commitments inside a
// signature request.
type CommitmentRef struct {
	SignerIndex  uint32
	HidingNonce  [33]byte
	BindingNonce [33]byte
}

// SignatureRequest distributes the collected commitments and the challenge
// for the second FROST round.
type SignatureRequest struct {
	RoundID     [32]byte
	Digest      [32]byte
	Commitments []CommitmentRef
	Challenge   [32]byte
}

func (*SignatureRequest) Kind() Kind { return KindSignatureRequest }

func (p *SignatureRequest) encode(w *writer) {
	w.raw(p.RoundID[:])
	w.raw(p.Digest[:])
	w.u32(uint32(len(p.Commitments)))
	for _, c := range p.Commitments {
		w.u32(c.SignerIndex)
		w.raw(c.HidingNonce[:])
		w.raw(c.BindingNonce[:])
	}
	w.raw(p.Challenge[:])
}

func (p *SignatureRequest) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.RoundID[:], raw)
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.Digest[:], raw)
	n, err := r.u32()
	if err != nil {
		return err
	}
	if n > maxCollectionLen {
		return fmt.Errorf("commitment list too long: %d", n)
	}
	p.Commitments = make([]CommitmentRef, n)
	for i := range p.Commitments {
		if p.Commitments[i].SignerIndex, err = r.u32(); err != nil {
			return err
		}
		if raw, err = r.raw(33); err != nil {
			return err
		}
		copy(p.Commitments[i].HidingNonce[:], raw)
		if raw, err = r.raw(33); err != nil {
			return err
		}
		copy(p.Commitments[i].BindingNonce[:], raw)
	}
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.Challenge[:], raw)
	return nil
}

// SignatureShare is a participant's FROST signature share.
type SignatureShare struct {
	RoundID     [32]byte
	SignerIndex uint32
	Share       [32]byte
}

func (*SignatureShare) Kind() Kind { return KindSignatureShare }

func (p *SignatureShare) encode(w *writer) {
	w.raw(p.RoundID[:])
	w.u32(p.SignerIndex)
	w.raw(p.Share[:])
}

func (p *SignatureShare) decode(r *reader) error {
	raw, err := r.raw(32)
	if err != nil {
		return err
	}
	copy(p.RoundID[:], raw)
	if p.SignerIndex, err = r.u32(); err != nil {
		return err
	}
	if raw, err = r.raw(32); err != nil {
		return err
	}
	copy(p.Share[:], raw)
	return nil
}

// maxCollectionLen bounds decoded list lengths so a malformed frame cannot
// force a huge allocation.
const maxCollectionLen = 1 << 16

func payloadDigest(p Payload) [32]byte {
	return SignedDigest(p)
}
