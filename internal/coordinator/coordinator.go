// Package coordinator implements the elected coordinator's duties for one
// bitcoin tip: packaging the sweep, running the pre-sign handshake, driving
// the signing rounds, broadcasting to bitcoin, and issuing the companion
// stacks contract calls. Election is a pure function of the tip hash, so
// every signer agrees on the coordinator without communication.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/internal/bitcoin"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/metrics"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/policy"
	"github.com/stacks-network/sbtc-signer/internal/round"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
	"github.com/stacks-network/sbtc-signer/internal/stacksclient"
	"github.com/stacks-network/sbtc-signer/internal/sweep"
	"github.com/stacks-network/sbtc-signer/internal/tasks"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Elect returns the coordinator for a tip: the signer whose position in the
// key sorted set equals H(tip) mod set size.
func Elect(tip chainhash.Hash, members []keys.PublicKey) keys.PublicKey {
	digest := sha256.Sum256(tip[:])
	index := binary.BigEndian.Uint64(digest[:8]) % uint64(len(members))
	return members[index]
}

// Coordinator drives peg movement when elected.
type Coordinator struct {
	Cfg        config.Config
	Store      storage.Store
	View       *chainstate.View
	Transport  network.MessageTransfer
	Bitcoin    bitcoin.Client
	Stacks     stacksclient.Interact
	Selector   *policy.Selector
	Mux        *round.Mux
	Metrics    *metrics.Client
	PrivateKey keys.PrivateKey
	// Members is the canonical key ordering of the signer set.
	Members []keys.PublicKey
	// Share is the WSTS share under the aggregate key in force.
	Share *wsts.SignerShare
	// Acks receives pre-sign acks routed by the gossip dispatcher.
	Acks <-chan *wire.Message
	// Queue defers Emily status updates; nil drops them.
	Queue *asynq.Client

	Deployer stacks.Principal

	logger *logrus.Entry
}

func (c *Coordinator) init() {
	if c.logger == nil {
		c.logger = logging.Logger.WithField("service", "coordinator")
	}
}

// IsCoordinator reports whether this signer is elected at the given tip.
func (c *Coordinator) IsCoordinator(tip chainhash.Hash) bool {
	return Elect(tip, c.Members) == c.PrivateKey.PublicKey()
}

// HandleTip runs the coordinator duties for one tip. cancelTip closes when
// the tip stops being canonical; every in flight round watches it.
func (c *Coordinator) HandleTip(ctx context.Context, tip storage.BitcoinBlock, cancelTip <-chan struct{}) error {
	c.init()
	if !c.IsCoordinator(tip.BlockHash) {
		return nil
	}
	logger := c.logger.WithFields(logrus.Fields{
		"tip":    tip.BlockHash.String(),
		"height": tip.BlockHeight,
	})
	logger.Info("elected coordinator for tip")
	c.Metrics.Incr("coordinator.elected")

	state, err := c.View.SbtcStateAt(ctx, tip.BlockHash)
	if err != nil {
		return err
	}
	if c.Share == nil || c.Share.AggregateKey != state.AggregateKey {
		return fmt.Errorf("no wsts share for the aggregate key in force")
	}

	deposits, err := c.Selector.SelectDeposits(ctx, state.Deposits)
	if err != nil {
		return err
	}
	accepted, rejected, err := c.Selector.SelectWithdrawals(ctx, state.Withdrawals)
	if err != nil {
		return err
	}

	var sweptPackage *sweep.Package
	if len(deposits) > 0 || len(accepted) > 0 {
		sweptPackage, err = c.runSweep(ctx, tip, state, deposits, accepted, cancelTip)
		if err != nil {
			// A failed sweep aborts everything for this tip; the
			// work reschedules on the next tip.
			c.Metrics.Incr("coordinator.sweep_failed")
			return err
		}
	}

	return c.runStacksCalls(ctx, tip, state, sweptPackage, rejected, cancelTip)
}

// runSweep packages, pre-signs, signs and broadcasts the sweep transaction.
func (c *Coordinator) runSweep(ctx context.Context, tip storage.BitcoinBlock, state *chainstate.SbtcState, deposits []*storage.DepositRequest, withdrawals []*storage.WithdrawalRequest, cancelTip <-chan struct{}) (*sweep.Package, error) {
	if state.SignerUtxo == nil {
		return nil, fmt.Errorf("no signer utxo under aggregate key %s", state.AggregateKey)
	}

	pkg, err := sweep.Build(sweep.Params{
		SignerUtxo:      state.SignerUtxo,
		AggregateKey:    state.AggregateKey,
		NewAggregateKey: state.AggregateKey,
		Deposits:        deposits,
		Withdrawals:     withdrawals,
		AnchorBlock:     tip.BlockHash,
		FeeRate:         c.Cfg.Signer.FeeRateSatsPerVbyte,
	})
	if err != nil {
		return nil, err
	}

	if err := c.preSign(ctx, pkg, cancelTip); err != nil {
		return nil, err
	}

	// One signing round per input; the anchor binding makes a reorg
	// cancel all of them.
	for i := range pkg.Tx.TxIn {
		digest, err := pkg.InputDigest(i)
		if err != nil {
			return nil, err
		}
		sig, err := c.runRound(ctx, digest, pkg.AggregateKey, tip.BlockHash, cancelTip)
		if err != nil {
			return nil, fmt.Errorf("signing round for input %d: %w", i, err)
		}
		if err := pkg.AttachSignature(i, sig); err != nil {
			return nil, err
		}
	}

	txid, err := c.Bitcoin.SendRawTransaction(ctx, pkg.Tx)
	if err != nil {
		return nil, fmt.Errorf("fail to broadcast sweep: %w", err)
	}

	record := &storage.SweepTransaction{
		Txid:            *txid,
		AnchorBlockHash: tip.BlockHash,
		Fee:             pkg.Fee,
		BroadcastAt:     time.Now().UTC(),
	}
	for _, d := range deposits {
		record.Deposits = append(record.Deposits, storage.DepositOutpoint{Txid: d.Txid, OutputIndex: d.OutputIndex})
	}
	for _, w := range withdrawals {
		record.WithdrawalIDs = append(record.WithdrawalIDs, w.RequestID)
	}
	if err := c.Store.WriteSweepTransaction(ctx, record); err != nil {
		return nil, err
	}
	c.Metrics.Incr("coordinator.sweep_broadcast")
	c.logger.WithField("txid", txid.String()).Info("sweep transaction broadcast")

	c.enqueueEmilyUpdates(deposits, withdrawals, txid)
	return pkg, nil
}

// preSign distributes the full proposal and waits for threshold acks. Fewer
// acks than the threshold aborts the sweep.
func (c *Coordinator) preSign(ctx context.Context, pkg *sweep.Package, cancelTip <-chan struct{}) error {
	request := &wire.BitcoinPreSignRequest{
		AnchorBlockHash: pkg.AnchorBlock,
		AggregateKey:    pkg.AggregateKey,
		TxBytes:         pkg.TxBytes(),
		Fee:             pkg.Fee,
	}
	for _, d := range pkg.Deposits {
		request.Deposits = append(request.Deposits, wire.DepositRef{Txid: d.Txid, OutputIndex: d.OutputIndex})
	}
	for _, w := range pkg.Withdrawals {
		request.Withdrawals = append(request.Withdrawals, w.RequestID)
	}
	digest := request.Digest()

	msg, err := wire.NewSignedMessage(request, c.PrivateKey)
	if err != nil {
		return err
	}
	if err := c.Transport.Broadcast(ctx, msg); err != nil {
		return err
	}

	// Our own ack counts toward the threshold.
	acked := map[keys.PublicKey]bool{c.PrivateKey.PublicKey(): true}
	deadline := time.NewTimer(c.Cfg.Signer.BitcoinPresignRequestMaxDuration)
	defer deadline.Stop()

	for len(acked) < int(c.Selector.Threshold) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cancelTip:
			return round.ErrReorgInvalidated
		case <-deadline.C:
			return fmt.Errorf("%w: %d of %d pre-sign acks",
				round.ErrThresholdNotMet, len(acked), c.Selector.Threshold)
		case msg := <-c.Acks:
			ack, ok := msg.Payload.(*wire.BitcoinPreSignAck)
			if !ok || ack.RequestDigest != digest {
				continue
			}
			acked[msg.Sender] = true
		}
	}
	return nil
}

// runRound drives one signing round over a digest.
func (c *Coordinator) runRound(ctx context.Context, digest [32]byte, aggregateKey keys.PublicKey, anchor chainhash.Hash, cancelTip <-chan struct{}) ([64]byte, error) {
	roundID := sweep.RoundID(digest, aggregateKey, anchor)
	inbound := c.Mux.Register(roundID)
	defer c.Mux.Unregister(roundID)

	candidates := make([]uint32, len(c.Members))
	for i := range c.Members {
		candidates[i] = uint32(i + 1)
	}

	started := time.Now()
	sig, err := round.RunCoordinator(ctx, round.CoordinatorParams{
		Transport:    c.Transport,
		Inbound:      inbound,
		PrivateKey:   c.PrivateKey,
		Share:        c.Share,
		AggregateKey: aggregateKey,
		Digest:       digest,
		Anchor:       anchor,
		RoundID:      roundID,
		Members:      c.Members,
		Candidates:   candidates,
		Threshold:    c.Selector.Threshold,
		Deadline:     c.Cfg.Signer.SignerRoundMaxDuration,
		CancelTip:    cancelTip,
	})
	c.Metrics.Timing("round.duration", time.Since(started))
	if err != nil {
		c.Metrics.Incr("round.failed")
		return sig, err
	}
	c.Metrics.Incr("round.aggregated")
	return sig, nil
}

// runStacksCalls issues the contract calls that finalize peg state on
// stacks: complete-deposit for swept deposits, accept for serviced
// withdrawals, reject for withdrawals that cannot reach the threshold.
// Failures here are reported per request; the bitcoin spend does not roll
// back.
func (c *Coordinator) runStacksCalls(ctx context.Context, tip storage.BitcoinBlock, state *chainstate.SbtcState, pkg *sweep.Package, rejected []*storage.WithdrawalRequest, cancelTip <-chan struct{}) error {
	var calls []*stacks.ContractCall
	if pkg != nil {
		sweepTxid := pkg.Txid()
		bitmap := round.BitmapFromIndices(allIndices(len(c.Members)))
		for _, d := range pkg.Deposits {
			recipient, _, err := stacks.ParsePrincipalHex(d.Recipient)
			if err != nil {
				c.logger.WithError(err).WithField("deposit", d.Txid.String()).
					Error("undecodable deposit recipient, skipping mint")
				continue
			}
			calls = append(calls, stacks.CompleteDepositCall(c.Deployer, &d.Txid,
				d.OutputIndex, d.Amount, recipient, &tip.BlockHash,
				uint64(tip.BlockHeight), &sweepTxid))
		}
		for _, w := range pkg.Withdrawals {
			calls = append(calls, stacks.AcceptWithdrawalCall(c.Deployer, w.RequestID,
				bitmap, pkg.Fee, &tip.BlockHash, uint64(tip.BlockHeight), &sweepTxid))
		}
	}
	for _, w := range rejected {
		bitmap := round.BitmapFromIndices(allIndices(len(c.Members)))
		calls = append(calls, stacks.RejectWithdrawalCall(c.Deployer, w.RequestID, bitmap))
	}
	if len(calls) == 0 {
		return nil
	}

	nonce, err := c.Stacks.GetAccountNonce(ctx, c.Cfg.Stacks.DeployerAddress)
	if err != nil {
		return fmt.Errorf("fail to fetch account nonce: %w", err)
	}

	var firstErr error
	for _, call := range calls {
		if err := c.runStacksCall(ctx, tip, state, call, nonce, cancelTip); err != nil {
			c.logger.WithError(err).WithField("function", call.FunctionName).
				Error("stacks contract call failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		nonce++
	}
	return firstErr
}

func (c *Coordinator) runStacksCall(ctx context.Context, tip storage.BitcoinBlock, state *chainstate.SbtcState, call *stacks.ContractCall, nonce uint64, cancelTip <-chan struct{}) error {
	fee := c.Cfg.Signer.StacksFeesMaxUstx
	txHash := call.TxHash(nonce, fee)

	request := &wire.StacksTransactionSignRequest{
		AnchorBlockHash: tip.BlockHash,
		AggregateKey:    state.AggregateKey,
		ContractCall:    call.Encode(),
		TxHash:          txHash,
		Nonce:           nonce,
		Fee:             fee,
	}
	msg, err := wire.NewSignedMessage(request, c.PrivateKey)
	if err != nil {
		return err
	}
	if err := c.Transport.Broadcast(ctx, msg); err != nil {
		return err
	}

	sig, err := c.runRound(ctx, txHash, state.AggregateKey, tip.BlockHash, cancelTip)
	if err != nil {
		return err
	}

	if _, err := c.Stacks.BroadcastContractCall(ctx, call, nonce, fee, sig); err != nil {
		return err
	}

	announcement := &wire.StacksTransactionSignature{TxHash: txHash, Signature: sig}
	if signed, err := wire.NewSignedMessage(announcement, c.PrivateKey); err == nil {
		if err := c.Transport.Broadcast(ctx, signed); err != nil {
			c.logger.WithError(err).Warn("fail to announce stacks signature")
		}
	}
	return nil
}

func (c *Coordinator) enqueueEmilyUpdates(deposits []*storage.DepositRequest, withdrawals []*storage.WithdrawalRequest, sweepTxid *chainhash.Hash) {
	if c.Queue == nil {
		return
	}
	for _, d := range deposits {
		task, err := tasks.NewEmilyDepositUpdateTask(tasks.EmilyDepositUpdatePayload{
			Txid:        d.Txid.String(),
			OutputIndex: d.OutputIndex,
			Status:      "confirmed",
			FulfillTxid: sweepTxid.String(),
		})
		if err == nil {
			if _, err := c.Queue.Enqueue(task); err != nil {
				c.logger.WithError(err).Warn("fail to enqueue emily deposit update")
			}
		}
	}
	for _, w := range withdrawals {
		task, err := tasks.NewEmilyWithdrawalUpdateTask(tasks.EmilyWithdrawalUpdatePayload{
			RequestID:   w.RequestID,
			Status:      "confirmed",
			FulfillTxid: sweepTxid.String(),
		})
		if err == nil {
			if _, err := c.Queue.Enqueue(task); err != nil {
				c.logger.WithError(err).Warn("fail to enqueue emily withdrawal update")
			}
		}
	}
}

func allIndices(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i + 1)
	}
	return out
}

// RunRotateSweep drives the on-chain verification of a fresh DKG output: a
// sweep with no requests whose output 0 pays the new aggregate key. The
// shares stay Unverified until this transaction confirms.
func (c *Coordinator) RunRotateSweep(ctx context.Context, tip storage.BitcoinBlock, newAggregateKey keys.PublicKey, cancelTip <-chan struct{}) (*chainhash.Hash, error) {
	c.init()
	state, err := c.View.SbtcStateAt(ctx, tip.BlockHash)
	if err != nil {
		return nil, err
	}
	if state.SignerUtxo == nil {
		return nil, errors.New("no signer utxo to rotate")
	}

	pkg, err := sweep.Build(sweep.Params{
		SignerUtxo:      state.SignerUtxo,
		AggregateKey:    state.AggregateKey,
		NewAggregateKey: newAggregateKey,
		AnchorBlock:     tip.BlockHash,
		FeeRate:         c.Cfg.Signer.FeeRateSatsPerVbyte,
	})
	if err != nil {
		return nil, err
	}
	if err := c.preSign(ctx, pkg, cancelTip); err != nil {
		return nil, err
	}

	digest, err := pkg.InputDigest(0)
	if err != nil {
		return nil, err
	}
	sig, err := c.runRound(ctx, digest, state.AggregateKey, tip.BlockHash, cancelTip)
	if err != nil {
		return nil, err
	}
	if err := pkg.AttachSignature(0, sig); err != nil {
		return nil, err
	}

	txid, err := c.Bitcoin.SendRawTransaction(ctx, pkg.Tx)
	if err != nil {
		return nil, fmt.Errorf("fail to broadcast rotate transaction: %w", err)
	}
	record := &storage.SweepTransaction{
		Txid:            *txid,
		AnchorBlockHash: tip.BlockHash,
		Fee:             pkg.Fee,
		BroadcastAt:     time.Now().UTC(),
	}
	if err := c.Store.WriteSweepTransaction(ctx, record); err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"txid":          txid.String(),
		"aggregate_key": newAggregateKey.String(),
	}).Info("rotate transaction broadcast")
	return txid, nil
}
