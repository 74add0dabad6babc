// Package sweep assembles the bitcoin transaction that moves the peg: it
// consumes the signers' utxo and pending deposits, pays withdrawal
// recipients, and rolls the remainder into the next signer utxo. Construction
// is deterministic: the same inputs produce the same transaction bytes on
// every signer, which is what lets followers validate the coordinator's
// proposal byte for byte.
package sweep

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/sbtcscript"
	"github.com/stacks-network/sbtc-signer/storage"
)

// numsKeyHex is the BIP341 "nothing up my sleeve" point used as the
// unspendable internal key of deposit outputs.
const numsKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// DustLimit is the smallest output the peg will create or accept.
const DustLimit = 546

// rbfSequence opts every input into replace by fee.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// Params are the inputs to sweep construction. Deposits must already be in
// canonical order (confirmation height, txid, vout) and withdrawals in
// ascending request id; Build does not reorder them.
type Params struct {
	SignerUtxo *storage.SignerUtxo
	// AggregateKey locks the current signer utxo.
	AggregateKey keys.PublicKey
	// NewAggregateKey locks output 0. Equal to AggregateKey except in the
	// rotate transaction that verifies a fresh DKG on chain.
	NewAggregateKey keys.PublicKey
	Deposits        []*storage.DepositRequest
	Withdrawals     []*storage.WithdrawalRequest
	AnchorBlock     chainhash.Hash
	FeeRate         float64
	// FeeOverride, when non zero, replaces the estimated fee. Followers
	// use it to rebuild a proposal under the coordinator's declared fee
	// after checking it against their own estimate.
	FeeOverride uint64
}

// Package is an unsigned sweep with everything needed to compute per input
// sighashes and later attach witnesses.
type Package struct {
	Tx              *wire.MsgTx
	Deposits        []*storage.DepositRequest
	Withdrawals     []*storage.WithdrawalRequest
	Fee             uint64
	AggregateKey    keys.PublicKey
	NewAggregateKey keys.PublicKey
	AnchorBlock     chainhash.Hash

	prevOuts map[wire.OutPoint]*wire.TxOut
}

// Build constructs the unsigned sweep. It fails when funds cannot cover the
// fee, when any output would be dust, or when the per request fee share
// exceeds a request's max fee.
func Build(params Params) (*Package, error) {
	if params.SignerUtxo == nil {
		return nil, fmt.Errorf("no signer utxo to spend")
	}

	tx := wire.NewMsgTx(2)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)

	signerOutpoint := wire.OutPoint{Hash: params.SignerUtxo.Txid, Index: params.SignerUtxo.OutputIndex}
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: signerOutpoint, Sequence: rbfSequence})
	currentScript, err := sbtcscript.PegScript(params.AggregateKey)
	if err != nil {
		return nil, err
	}
	prevOuts[signerOutpoint] = wire.NewTxOut(int64(params.SignerUtxo.Amount), currentScript)

	totalIn := params.SignerUtxo.Amount
	for _, deposit := range params.Deposits {
		outpoint := wire.OutPoint{Hash: deposit.Txid, Index: deposit.OutputIndex}
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: outpoint, Sequence: rbfSequence})
		script, err := depositOutputScript(deposit)
		if err != nil {
			return nil, fmt.Errorf("deposit %s:%d: %w", deposit.Txid, deposit.OutputIndex, err)
		}
		prevOuts[outpoint] = wire.NewTxOut(int64(deposit.Amount), script)
		totalIn += deposit.Amount
	}

	var totalOut uint64
	for _, withdrawal := range params.Withdrawals {
		if withdrawal.Amount < DustLimit {
			return nil, fmt.Errorf("withdrawal %d pays dust", withdrawal.RequestID)
		}
		totalOut += withdrawal.Amount
	}

	fee := estimateFee(len(params.Deposits), params.Withdrawals, params.FeeRate)
	if params.FeeOverride != 0 {
		fee = params.FeeOverride
	}
	if err := checkMaxFees(fee, params.Deposits, params.Withdrawals); err != nil {
		return nil, err
	}
	if totalIn < totalOut+fee+DustLimit {
		return nil, fmt.Errorf("insufficient funds: in %d, out %d, fee %d", totalIn, totalOut, fee)
	}

	// Output 0 is the next signer utxo; change is absorbed here.
	newScript, err := sbtcscript.PegScript(params.NewAggregateKey)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(int64(totalIn-totalOut-fee), newScript))
	for _, withdrawal := range params.Withdrawals {
		tx.AddTxOut(wire.NewTxOut(int64(withdrawal.Amount), withdrawal.RecipientScript))
	}

	return &Package{
		Tx:              tx,
		Deposits:        params.Deposits,
		Withdrawals:     params.Withdrawals,
		Fee:             fee,
		AggregateKey:    params.AggregateKey,
		NewAggregateKey: params.NewAggregateKey,
		AnchorBlock:     params.AnchorBlock,
		prevOuts:        prevOuts,
	}, nil
}

// estimateFee prices the transaction from a deterministic vsize estimate:
// the shared base, one keyspend input, one script path input per deposit,
// the peg output and each withdrawal output.
func estimateFee(deposits int, withdrawals []*storage.WithdrawalRequest, feeRate float64) uint64 {
	vsize := 11 + 58 + 43
	vsize += deposits * 110
	for _, w := range withdrawals {
		vsize += 9 + len(w.RecipientScript)
	}
	return uint64(math.Ceil(float64(vsize) * feeRate))
}

// checkMaxFees verifies that splitting the fee evenly across the serviced
// requests stays inside every request's declared max fee.
func checkMaxFees(fee uint64, deposits []*storage.DepositRequest, withdrawals []*storage.WithdrawalRequest) error {
	requests := uint64(len(deposits) + len(withdrawals))
	if requests == 0 {
		return nil
	}
	share := (fee + requests - 1) / requests
	for _, d := range deposits {
		if share > d.MaxFee {
			return fmt.Errorf("fee share %d exceeds max fee %d of deposit %s:%d",
				share, d.MaxFee, d.Txid, d.OutputIndex)
		}
	}
	for _, w := range withdrawals {
		if share > w.MaxFee {
			return fmt.Errorf("fee share %d exceeds max fee %d of withdrawal %d",
				share, w.MaxFee, w.RequestID)
		}
	}
	return nil
}

// depositOutputScript recomputes the P2TR scriptPubKey of a deposit output
// from its deposit and reclaim scripts.
func depositOutputScript(deposit *storage.DepositRequest) ([]byte, error) {
	tree := depositTapTree(deposit)
	internal, err := numsKey()
	if err != nil {
		return nil, err
	}
	rootHash := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(internal, rootHash.CloneBytes())
	return txscript.PayToTaprootScript(outputKey)
}

func depositTapTree(deposit *storage.DepositRequest) *txscript.IndexedTapScriptTree {
	depositLeaf := txscript.NewBaseTapLeaf(deposit.DepositScript)
	reclaimLeaf := txscript.NewBaseTapLeaf(deposit.ReclaimScript)
	return txscript.AssembleTaprootScriptTree(depositLeaf, reclaimLeaf)
}

func numsKey() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(numsKeyHex)
	if err != nil {
		return nil, err
	}
	return schnorr.ParsePubKey(raw)
}

// InputDigest computes the sighash a signing round must produce a signature
// over for input i: a taproot keyspend sighash for the signer utxo, a
// tapscript sighash over the deposit script leaf for deposit inputs. Both
// use SIGHASH_DEFAULT.
func (p *Package) InputDigest(i int) ([32]byte, error) {
	var out [32]byte
	if i < 0 || i >= len(p.Tx.TxIn) {
		return out, fmt.Errorf("input index %d out of range", i)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(p.prevOuts)
	sigHashes := txscript.NewTxSigHashes(p.Tx, fetcher)

	var digest []byte
	var err error
	if i == 0 {
		digest, err = txscript.CalcTaprootSignatureHash(
			sigHashes, txscript.SigHashDefault, p.Tx, i, fetcher)
	} else {
		leaf := txscript.NewBaseTapLeaf(p.Deposits[i-1].DepositScript)
		digest, err = txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, p.Tx, i, fetcher, leaf)
	}
	if err != nil {
		return out, fmt.Errorf("fail to compute sighash for input %d: %w", i, err)
	}
	copy(out[:], digest)
	return out, nil
}

// AttachSignature fills in the witness for input i once its signing round
// aggregated a signature.
func (p *Package) AttachSignature(i int, sig [64]byte) error {
	if i < 0 || i >= len(p.Tx.TxIn) {
		return fmt.Errorf("input index %d out of range", i)
	}
	if i == 0 {
		p.Tx.TxIn[i].Witness = wire.TxWitness{sig[:]}
		return nil
	}

	deposit := p.Deposits[i-1]
	tree := depositTapTree(deposit)
	internal, err := numsKey()
	if err != nil {
		return err
	}
	leaf := txscript.NewBaseTapLeaf(deposit.DepositScript)
	proofIdx, ok := tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return fmt.Errorf("deposit script missing from its own tap tree")
	}
	controlBlock := tree.LeafMerkleProofs[proofIdx].ToControlBlock(internal)
	controlBytes, err := controlBlock.ToBytes()
	if err != nil {
		return fmt.Errorf("fail to encode control block: %w", err)
	}
	p.Tx.TxIn[i].Witness = wire.TxWitness{sig[:], deposit.DepositScript, controlBytes}
	return nil
}

// TxBytes serializes the transaction in its current state.
func (p *Package) TxBytes() []byte {
	var buf bytes.Buffer
	// Serialize only fails on writer errors and bytes.Buffer has none.
	_ = p.Tx.Serialize(&buf)
	return buf.Bytes()
}

// Txid is the transaction id of the (witness stripped) transaction.
func (p *Package) Txid() chainhash.Hash {
	return p.Tx.TxHash()
}

// RoundID derives the signing round id for input i, binding the payload to
// the aggregate key and the anchor block so identical proposals dedupe and a
// reorg invalidates every round built on the stale tip.
func RoundID(digest [32]byte, aggregateKey keys.PublicKey, anchor chainhash.Hash) [32]byte {
	h := sha256.New()
	h.Write(digest[:])
	h.Write(aggregateKey[:])
	h.Write(anchor[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
