// Package signer wires the long running loops of the process: the gossip
// dispatcher, the tick loop driven by bitcoin tip events, the DKG lifecycle,
// and the follower side of coordinator driven rounds. Shutdown is a single
// context cancellation; every loop is cancel aware at its suspension points.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/internal/bitcoin"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/coordinator"
	"github.com/stacks-network/sbtc-signer/internal/decider"
	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/emily"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/metrics"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/round"
	"github.com/stacks-network/sbtc-signer/internal/sbtcscript"
	"github.com/stacks-network/sbtc-signer/internal/sweep"
	"github.com/stacks-network/sbtc-signer/internal/tasks"
	"github.com/stacks-network/sbtc-signer/internal/validation"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Signer owns the runtime state of one member of the signer set.
type Signer struct {
	Cfg           config.Config
	Store         storage.Store
	View          *chainstate.View
	Transport     network.MessageTransfer
	BitcoinClient bitcoin.Client
	Emily         emily.Interact
	Decider       *decider.RequestDecider
	Validator     *validation.Validator
	Coordinator   *coordinator.Coordinator
	Mux           *round.Mux
	Metrics       *metrics.Client
	PrivateKey    keys.PrivateKey
	Members       []keys.PublicKey
	// Queue defers background jobs; nil drops them.
	Queue *asynq.Client

	// Acks routes pre-sign acks to the coordinator. Owned here, consumed
	// there.
	Acks chan *wire.Message

	mu    sync.Mutex
	share *wsts.SignerShare
	// approved maps input digests to approval, set by the validator when
	// a pre-sign request checks out. A nonce request for an unapproved
	// digest is ignored.
	approved map[[32]byte]bool
	// dkgInbound is non nil while a DKG epoch is in flight.
	dkgInbound chan *wire.Message
	// dkgBacklog buffers DKG packets that race ahead of the DkgBegin;
	// the bus only guarantees per sender ordering.
	dkgBacklog []*wire.Message
	// pendingRotate is a DKG output awaiting its on chain verification.
	pendingRotate *storage.EncryptedDkgShares
	rotateShare   *wsts.SignerShare
	rotateExpiry  int64
	// cancelTip closes when the current tip is replaced.
	cancelTip chan struct{}

	logger *logrus.Entry
}

// SetShare installs the WSTS share in force.
func (s *Signer) SetShare(share *wsts.SignerShare) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.share = share
	if s.Coordinator != nil {
		s.Coordinator.Share = share
	}
}

func (s *Signer) currentShare() *wsts.SignerShare {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.share
}

// Run starts the gossip and tick loops and blocks until the context is
// cancelled or a loop fails fatally.
func (s *Signer) Run(ctx context.Context) error {
	s.logger = logging.Logger.WithField("service", "signer")
	s.approved = make(map[[32]byte]bool)
	s.cancelTip = make(chan struct{})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 2)
	go func() { fatal <- s.gossipLoop(ctx) }()
	go func() { fatal <- s.tickLoop(ctx) }()

	err := <-fatal
	cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// gossipLoop reads inbound messages and dispatches by type.
func (s *Signer) gossipLoop(ctx context.Context) error {
	for {
		msg, err := s.Transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gossip receive failed: %w", err)
		}
		if err := s.dispatch(ctx, msg); err != nil {
			s.logger.WithError(err).Error("error handling signer message")
		}
	}
}

func (s *Signer) dispatch(ctx context.Context, msg *wire.Message) error {
	switch payload := msg.Payload.(type) {
	case *wire.SignerDepositDecision, *wire.SignerWithdrawalDecision:
		return s.Decider.HandleSignerMessage(ctx, msg)

	case *wire.BitcoinPreSignRequest:
		return s.handleBitcoinPreSign(ctx, msg, payload)

	case *wire.BitcoinPreSignAck:
		select {
		case s.Acks <- msg:
		default:
		}
		return nil

	case *wire.StacksTransactionSignRequest:
		return s.handleStacksSignRequest(ctx, msg, payload)

	case *wire.NonceRequest:
		return s.handleNonceRequest(ctx, msg, payload)

	case *wire.NonceCommitment, *wire.SignatureRequest, *wire.SignatureShare:
		if roundID, ok := round.RoundIDOf(msg.Payload); ok {
			s.Mux.Deliver(roundID, msg)
		}
		return nil

	case *wire.DkgBegin:
		return s.handleDkgBegin(ctx, msg, payload)

	case *wire.DkgCommitments, *wire.DkgShare, *wire.DkgAck:
		s.mu.Lock()
		inbound := s.dkgInbound
		if inbound == nil && len(s.dkgBacklog) < 1024 {
			s.dkgBacklog = append(s.dkgBacklog, msg)
		}
		s.mu.Unlock()
		if inbound != nil {
			select {
			case inbound <- msg:
			default:
			}
		}
		return nil

	case *wire.StacksTransactionSignature:
		// Informational; the coordinator already broadcast the call.
		return nil

	default:
		return nil
	}
}

// handleBitcoinPreSign validates the coordinator's proposal; approval
// whitelists every input digest for the nonce requests that follow.
func (s *Signer) handleBitcoinPreSign(ctx context.Context, msg *wire.Message, req *wire.BitcoinPreSignRequest) error {
	tip, ok := s.View.Tip()
	if !ok {
		return storage.ErrNoChainTip
	}
	if coordinator.Elect(tip.BlockHash, s.Members) != msg.Sender {
		s.Metrics.Incr("validator.refused", "reason:not_coordinator")
		return fmt.Errorf("pre-sign request from non coordinator %s", msg.Sender)
	}

	pkg, err := s.Validator.ValidateBitcoinPreSign(ctx, req)
	if errors.Is(err, validation.ErrValidationMismatch) {
		s.Metrics.Incr("validator.refused", "reason:mismatch")
		s.logger.WithError(err).Warn("refusing coordinator proposal")
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range pkg.Tx.TxIn {
		digest, digestErr := pkg.InputDigest(i)
		if digestErr != nil {
			err = digestErr
			break
		}
		s.approved[digest] = true
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	ack := &wire.BitcoinPreSignAck{RequestDigest: req.Digest()}
	signed, err := wire.NewSignedMessage(ack, s.PrivateKey)
	if err != nil {
		return err
	}
	return s.Transport.Broadcast(ctx, signed)
}

func (s *Signer) handleStacksSignRequest(ctx context.Context, msg *wire.Message, req *wire.StacksTransactionSignRequest) error {
	tip, ok := s.View.Tip()
	if !ok {
		return storage.ErrNoChainTip
	}
	if coordinator.Elect(tip.BlockHash, s.Members) != msg.Sender {
		return fmt.Errorf("stacks sign request from non coordinator %s", msg.Sender)
	}

	err := s.Validator.ValidateStacksSignRequest(ctx, req)
	if errors.Is(err, validation.ErrValidationMismatch) {
		s.Metrics.Incr("validator.refused", "reason:stacks_mismatch")
		s.logger.WithError(err).Warn("refusing stacks contract call proposal")
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.approved[req.TxHash] = true
	s.mu.Unlock()
	return nil
}

// handleNonceRequest spawns the participant side of a round, but only for
// digests the validator approved and anchors that are still canonical.
func (s *Signer) handleNonceRequest(ctx context.Context, msg *wire.Message, req *wire.NonceRequest) error {
	share := s.currentShare()
	if share == nil || share.AggregateKey != req.AggregateKey {
		return nil
	}
	if !s.View.IsCanonical(req.AnchorBlockHash) {
		s.logger.WithField("anchor", req.AnchorBlockHash.String()).
			Debug("ignoring nonce request for non canonical anchor")
		return nil
	}
	tip, ok := s.View.Tip()
	if !ok || coordinator.Elect(tip.BlockHash, s.Members) != msg.Sender {
		return fmt.Errorf("nonce request from non coordinator %s", msg.Sender)
	}

	s.mu.Lock()
	approved := s.approved[req.Digest]
	cancelTip := s.cancelTip
	s.mu.Unlock()
	if !approved {
		s.Metrics.Incr("validator.refused", "reason:unapproved_digest")
		s.logger.Warn("ignoring nonce request for unapproved digest")
		return nil
	}

	expectedRound := sweep.RoundID(req.Digest, req.AggregateKey, req.AnchorBlockHash)
	if expectedRound != req.RoundID {
		return fmt.Errorf("round id does not bind digest, key and anchor")
	}

	inbound := s.Mux.Register(req.RoundID)
	go func() {
		defer s.Mux.Unregister(req.RoundID)
		err := round.RunParticipant(ctx, round.ParticipantParams{
			Transport:   s.Transport,
			Inbound:     inbound,
			PrivateKey:  s.PrivateKey,
			Share:       share,
			Coordinator: msg.Sender,
			Request:     req,
			Deadline:    s.Cfg.Signer.SignerRoundMaxDuration,
			CancelTip:   cancelTip,
		})
		switch {
		case err == nil:
		case errors.Is(err, round.ErrReorgInvalidated):
			s.Metrics.Incr("round.cancelled", "reason:reorg")
			s.logger.Info("participant round cancelled by reorg")
		case errors.Is(err, round.ErrRoundTimeout):
			s.Metrics.Incr("round.cancelled", "reason:timeout")
		default:
			s.logger.WithError(err).Warn("participant round failed")
		}
	}()
	return nil
}

// tickLoop reacts to bitcoin tip events: decision retries, coordinator
// packaging, DKG triggers and rotate verification tracking.
func (s *Signer) tickLoop(ctx context.Context) error {
	tips := s.View.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-tips:
			if s.Cfg.Signer.BitcoinProcessingDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.Cfg.Signer.BitcoinProcessingDelay):
				}
			}
			s.handleTick(ctx, event)
		}
	}
}

func (s *Signer) handleTick(ctx context.Context, event chainstate.TipEvent) {
	// Replace the cancel channel: rounds anchored on the previous tip
	// are cancelled, with reorgs logged distinctly.
	s.mu.Lock()
	close(s.cancelTip)
	s.cancelTip = make(chan struct{})
	cancelTip := s.cancelTip
	// Approvals are per tip; a new tip invalidates old proposals.
	s.approved = make(map[[32]byte]bool)
	s.mu.Unlock()

	if event.Reorged {
		s.Metrics.Incr("chain.reorg")
	}

	if err := s.syncEmilyDeposits(ctx); err != nil {
		s.logger.WithError(err).Warn("emily deposit sync failed")
	}
	if err := s.Decider.HandleNewRequests(ctx); err != nil {
		s.logger.WithError(err).Warn("error handling new requests; skipping this round")
	}

	s.checkRotateProgress(ctx, event.Tip)
	s.maybeTriggerDkg(ctx, event.Tip, cancelTip)

	if s.Coordinator != nil {
		if err := s.Coordinator.HandleTip(ctx, event.Tip, cancelTip); err != nil {
			s.logger.WithError(err).Warn("coordinator duties failed for tip")
		}
	}
}

// syncEmilyDeposits pulls pending deposit requests from the read side API,
// validates their scripts, and persists them for the decider.
func (s *Signer) syncEmilyDeposits(ctx context.Context) error {
	if s.Emily == nil {
		return nil
	}
	deposits, err := s.Emily.GetPendingDeposits(ctx)
	if err != nil {
		return err
	}
	for _, d := range deposits {
		txid, outputIndex, err := d.Outpoint()
		if err != nil {
			s.logger.WithError(err).Warn("skipping malformed emily deposit")
			continue
		}
		if _, err := s.Store.GetDepositRequest(ctx, txid, outputIndex); err == nil {
			continue
		}
		depositScript, reclaimScript, err := d.Scripts()
		if err != nil {
			s.logger.WithError(err).Warn("skipping emily deposit with bad scripts")
			continue
		}
		inputs, err := sbtcscript.ParseDepositScript(depositScript)
		if err != nil {
			s.logger.WithError(err).Warn("skipping emily deposit with invalid deposit script")
			continue
		}
		lockTime, err := sbtcscript.ParseReclaimLockTime(reclaimScript)
		if err != nil {
			s.logger.WithError(err).Warn("skipping emily deposit with invalid reclaim script")
			continue
		}
		var confirmation [32]byte
		if err := decodeHash(d.ConfirmationHash, &confirmation); err != nil {
			continue
		}
		request := &storage.DepositRequest{
			Txid:               *txid,
			OutputIndex:        outputIndex,
			Amount:             d.Amount,
			MaxFee:             inputs.MaxFee,
			Recipient:          fmt.Sprintf("%x", inputs.Recipient.Serialize()),
			DepositScript:      depositScript,
			ReclaimScript:      reclaimScript,
			LockTime:           lockTime,
			SignersPublicKey:   inputs.SignersPublicKey,
			ConfirmationHeight: d.ConfirmationHeight,
		}
		copy(request.ConfirmationHash[:], confirmation[:])
		if err := s.Store.WriteDepositRequest(ctx, request); err != nil {
			return err
		}
	}
	return nil
}

// maybeTriggerDkg starts a DKG epoch when one is due: first boot with no
// verified shares past the start height, or a manual re-run gated by the
// minimum height and target rounds. Only the elected coordinator opens the
// epoch; everyone joins on the DkgBegin message.
func (s *Signer) maybeTriggerDkg(ctx context.Context, tip storage.BitcoinBlock, cancelTip <-chan struct{}) {
	s.mu.Lock()
	running := s.dkgInbound != nil
	rotatePending := s.pendingRotate != nil
	s.mu.Unlock()
	if running || rotatePending {
		return
	}
	if coordinator.Elect(tip.BlockHash, s.Members) != s.PrivateKey.PublicKey() {
		return
	}

	var epoch uint64 = 1
	latest, err := s.Store.GetLatestDkgShares(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if tip.BlockHeight < s.Cfg.Signer.SbtcBitcoinStartHeight {
			return
		}
	case err != nil:
		s.logger.WithError(err).Warn("fail to inspect dkg state")
		return
	default:
		epoch = latest.Epoch + 1
		pastMinHeight := tip.BlockHeight >= s.Cfg.Signer.Dkg.MinBitcoinBlockHeight
		rerunsWanted := uint64(s.Cfg.Signer.Dkg.TargetRounds) > latest.Epoch
		retryFailed := latest.Status == storage.DkgSharesFailed
		if !pastMinHeight || (!rerunsWanted && !retryFailed) {
			return
		}
	}

	begin := &wire.DkgBegin{
		Epoch:        epoch,
		Threshold:    s.Cfg.Signer.SigningThreshold,
		Participants: s.Members,
	}
	msg, err := wire.NewSignedMessage(begin, s.PrivateKey)
	if err != nil {
		s.logger.WithError(err).Error("fail to sign dkg begin")
		return
	}
	if err := s.Transport.Broadcast(ctx, msg); err != nil {
		s.logger.WithError(err).Error("fail to broadcast dkg begin")
		return
	}
	s.startDkg(ctx, epoch, tip, cancelTip, true)
}

// handleDkgBegin joins an epoch opened by the coordinator, waiting the
// configured pause first to smooth fan out.
func (s *Signer) handleDkgBegin(ctx context.Context, msg *wire.Message, begin *wire.DkgBegin) error {
	tip, ok := s.View.Tip()
	if !ok {
		return storage.ErrNoChainTip
	}
	if coordinator.Elect(tip.BlockHash, s.Members) != msg.Sender {
		return fmt.Errorf("dkg begin from non coordinator %s", msg.Sender)
	}
	if len(begin.Participants) != len(s.Members) {
		return fmt.Errorf("dkg begin with %d participants, expected %d",
			len(begin.Participants), len(s.Members))
	}
	for i, pk := range begin.Participants {
		if pk != s.Members[i] {
			return fmt.Errorf("dkg begin participant set differs from ours")
		}
	}
	if begin.Threshold != s.Cfg.Signer.SigningThreshold {
		return fmt.Errorf("dkg begin threshold %d, expected %d",
			begin.Threshold, s.Cfg.Signer.SigningThreshold)
	}

	s.mu.Lock()
	running := s.dkgInbound != nil
	cancelTip := s.cancelTip
	s.mu.Unlock()
	if running {
		return nil
	}

	if s.Cfg.Signer.Dkg.BeginPause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Cfg.Signer.Dkg.BeginPause):
		}
	}
	s.startDkg(ctx, begin.Epoch, tip, cancelTip, false)
	return nil
}

// startDkg launches the epoch in its own task.
func (s *Signer) startDkg(ctx context.Context, epoch uint64, tip storage.BitcoinBlock, cancelTip <-chan struct{}, isCoordinator bool) {
	inbound := make(chan *wire.Message, 256)
	s.mu.Lock()
	if s.dkgInbound != nil {
		s.mu.Unlock()
		return
	}
	s.dkgInbound = inbound
	backlog := s.dkgBacklog
	s.dkgBacklog = nil
	s.mu.Unlock()
	for _, msg := range backlog {
		select {
		case inbound <- msg:
		default:
		}
	}

	go func() {
		defer func() {
			s.mu.Lock()
			s.dkgInbound = nil
			s.mu.Unlock()
		}()

		result, err := dkg.Run(ctx, dkg.Params{
			Transport:       s.Transport,
			Inbound:         inbound,
			PrivateKey:      s.PrivateKey,
			Members:         s.Members,
			Threshold:       s.Cfg.Signer.SigningThreshold,
			Epoch:           epoch,
			MaxDuration:     s.Cfg.Signer.Dkg.MaxDuration,
			StartedAtHeight: tip.BlockHeight,
		})
		if err != nil {
			s.Metrics.Incr("dkg.failed")
			s.logger.WithError(err).Warn("dkg epoch aborted; will retry on a later tick")
			return
		}
		if err := s.Store.WriteEncryptedDkgShares(ctx, result.Row); err != nil {
			s.logger.WithError(err).Error("fail to persist dkg shares")
			return
		}
		s.Metrics.Incr("dkg.produced")
		s.enqueueShareBackup(result.Row)

		s.mu.Lock()
		s.pendingRotate = result.Row
		s.rotateShare = result.Share
		s.rotateExpiry = tip.BlockHeight + int64(s.Cfg.Signer.Dkg.VerificationWindow)
		s.mu.Unlock()

		if isCoordinator && s.Coordinator != nil {
			if _, err := s.Coordinator.RunRotateSweep(ctx, tip, result.Row.AggregateKey, cancelTip); err != nil {
				s.logger.WithError(err).Warn("rotate sweep failed; awaiting verification window")
			}
		}
	}()
}

// checkRotateProgress resolves a pending DKG verification: shares become
// Verified when the rotate output appears under the new key within the
// window, Failed when the window elapses first.
func (s *Signer) checkRotateProgress(ctx context.Context, tip storage.BitcoinBlock) {
	s.mu.Lock()
	pending := s.pendingRotate
	share := s.rotateShare
	expiry := s.rotateExpiry
	s.mu.Unlock()
	if pending == nil {
		return
	}

	script, err := sbtcscript.PegScript(pending.AggregateKey)
	if err != nil {
		s.logger.WithError(err).Error("invalid pending aggregate key")
		return
	}
	utxo, err := s.Store.GetSignerUtxo(ctx, script)
	if err == nil && utxo != nil {
		if err := s.Store.SetDkgSharesStatus(ctx, pending.AggregateKey, storage.DkgSharesVerified); err != nil {
			s.logger.WithError(err).Error("fail to mark dkg shares verified")
			return
		}
		rotation := &storage.RotateKeysTransaction{
			Txid:         utxo.Txid,
			BlockHash:    tip.BlockHash,
			AggregateKey: pending.AggregateKey,
			SignerSet:    pending.SignerSet,
			Threshold:    pending.Threshold,
		}
		if err := s.Store.WriteRotateKeysTransaction(ctx, rotation); err != nil {
			s.logger.WithError(err).Error("fail to record key rotation")
			return
		}
		s.SetShare(share)
		s.mu.Lock()
		s.pendingRotate = nil
		s.rotateShare = nil
		s.mu.Unlock()
		s.Metrics.Incr("dkg.verified")
		s.logger.WithField("aggregate_key", pending.AggregateKey.String()).
			Info("dkg output verified on chain; new aggregate key in force")
		return
	}

	if tip.BlockHeight > expiry {
		if err := s.Store.SetDkgSharesStatus(ctx, pending.AggregateKey, storage.DkgSharesFailed); err != nil {
			s.logger.WithError(err).Error("fail to mark dkg shares failed")
			return
		}
		s.mu.Lock()
		s.pendingRotate = nil
		s.rotateShare = nil
		s.mu.Unlock()
		s.Metrics.Incr("dkg.verification_failed")
		s.logger.WithField("aggregate_key", pending.AggregateKey.String()).
			Warn("dkg verification window elapsed; shares marked failed")
	}
}

// enqueueShareBackup defers the encrypted share upload to the queue; the
// blob is already ciphertext.
func (s *Signer) enqueueShareBackup(row *storage.EncryptedDkgShares) {
	if s.Queue == nil {
		return
	}
	task, err := tasks.NewShareBackupTask(tasks.ShareBackupPayload{
		AggregateKey: row.AggregateKey.String(),
		Blob:         row.EncryptedShares,
	})
	if err != nil {
		s.logger.WithError(err).Warn("fail to build share backup task")
		return
	}
	if _, err := s.Queue.Enqueue(task); err != nil {
		s.logger.WithError(err).Warn("fail to enqueue share backup")
	}
}

func decodeHash(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}
