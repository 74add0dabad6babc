// Package decider implements the request decider: for every pending deposit
// and withdrawal request it computes this signer's decision, persists it,
// signs it, and gossips it to the set. Decisions for the last few blocks are
// re-emitted on every tip advance to heal missed gossip.
package decider

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/blocklist"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/sbtcscript"
	"github.com/stacks-network/sbtc-signer/internal/sweep"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/storage"
)

// lockTimeBuffer is how many blocks of reclaim lock time must remain at the
// current tip for a deposit to still be safely sweepable.
const lockTimeBuffer = 6

// RequestDecider computes and gossips this signer's request decisions.
type RequestDecider struct {
	Store            storage.Store
	View             *chainstate.View
	Transport        network.MessageTransfer
	Blocklist        blocklist.Checker
	PrivateKey       keys.PrivateKey
	ChainParams      *chaincfg.Params
	DepositWindow    uint32
	WithdrawalWindow uint32

	logger *logrus.Entry
}

func (d *RequestDecider) init() {
	if d.logger == nil {
		d.logger = logging.Logger.WithFields(logrus.Fields{
			"service":    "request-decider",
			"public_key": d.PrivateKey.PublicKey().String(),
		})
	}
}

// HandleNewRequests runs once per observed bitcoin tip: it walks the pending
// requests inside the retry windows and emits a decision for each. Writes
// and wire artifacts are idempotent, so re-emitting is safe.
func (d *RequestDecider) HandleNewRequests(ctx context.Context) error {
	d.init()
	tip, ok := d.View.Tip()
	if !ok {
		return storage.ErrNoChainTip
	}

	deposits, err := d.Store.GetPendingDepositRequests(ctx, &tip.BlockHash, d.DepositWindow)
	if err != nil {
		return fmt.Errorf("fail to load pending deposit requests: %w", err)
	}
	for _, request := range deposits {
		if err := d.handlePendingDepositRequest(ctx, request, &tip); err != nil {
			return err
		}
	}

	withdrawals, err := d.Store.GetPendingWithdrawalRequests(ctx, &tip.BlockHash, d.WithdrawalWindow)
	if err != nil {
		return fmt.Errorf("fail to load pending withdrawal requests: %w", err)
	}
	for _, request := range withdrawals {
		if err := d.handlePendingWithdrawalRequest(ctx, request); err != nil {
			return err
		}
	}
	return nil
}

func (d *RequestDecider) handlePendingDepositRequest(ctx context.Context, request *storage.DepositRequest, tip *storage.BitcoinBlock) error {
	canSign := d.canSignDeposit(ctx, request, tip)
	canAccept := d.canAcceptDeposit(ctx, request)

	decision := &storage.DepositSigner{
		Txid:         request.Txid,
		OutputIndex:  request.OutputIndex,
		SignerPubKey: d.PrivateKey.PublicKey(),
		CanAccept:    canAccept,
		CanSign:      canSign,
	}
	if err := d.Store.WriteDepositSignerDecision(ctx, decision); err != nil {
		return fmt.Errorf("fail to persist own deposit decision: %w", err)
	}

	payload := &wire.SignerDepositDecision{
		Txid:        request.Txid,
		OutputIndex: request.OutputIndex,
		CanAccept:   canAccept,
		CanSign:     canSign,
	}
	return d.send(ctx, payload)
}

// canSignDeposit checks everything that does not involve the blocklist: the
// deposit script parses and matches the aggregate key we hold shares for,
// the amount clears dust, and enough reclaim lock time remains.
func (d *RequestDecider) canSignDeposit(ctx context.Context, request *storage.DepositRequest, tip *storage.BitcoinBlock) bool {
	inputs, err := sbtcscript.ParseDepositScript(request.DepositScript)
	if err != nil {
		d.logger.WithError(err).Debug("deposit script does not validate")
		return false
	}
	aggregateKey, err := d.View.AggregateKeyAt(ctx, tip.BlockHash)
	if err != nil {
		d.logger.WithError(err).Warn("fail to resolve aggregate key")
		return false
	}
	if inputs.SignersPublicKey != aggregateKey.XOnly() {
		return false
	}
	if request.Amount <= sweep.DustLimit {
		return false
	}

	lockTime, err := sbtcscript.ParseReclaimLockTime(request.ReclaimScript)
	if err != nil {
		d.logger.WithError(err).Debug("reclaim script does not validate")
		return false
	}
	expiry := request.ConfirmationHeight + int64(lockTime)
	return expiry-tip.BlockHeight > lockTimeBuffer
}

// canAcceptDeposit screens the deposit's funding addresses. With no
// blocklist configured every deposit passes; with one configured, any
// passing input address is enough.
func (d *RequestDecider) canAcceptDeposit(ctx context.Context, request *storage.DepositRequest) bool {
	if d.Blocklist == nil {
		return true
	}
	for _, script := range request.SenderScriptPubKeys {
		_, addresses, _, err := txscript.ExtractPkScriptAddrs(script, d.ChainParams)
		if err != nil {
			continue
		}
		for _, address := range addresses {
			ok, err := d.Blocklist.CanAccept(ctx, address.EncodeAddress())
			if err != nil {
				d.logger.WithError(err).Error("blocklist client issue")
				continue
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func (d *RequestDecider) handlePendingWithdrawalRequest(ctx context.Context, request *storage.WithdrawalRequest) error {
	accepted := d.canAcceptWithdrawal(ctx, request)

	decision := &storage.WithdrawalSigner{
		RequestID:     request.RequestID,
		StacksBlockID: request.StacksBlockID,
		SignerPubKey:  d.PrivateKey.PublicKey(),
		Accepted:      accepted,
	}
	if err := d.Store.WriteWithdrawalSignerDecision(ctx, decision); err != nil {
		return fmt.Errorf("fail to persist own withdrawal decision: %w", err)
	}

	payload := &wire.SignerWithdrawalDecision{
		RequestID:     request.RequestID,
		StacksBlockID: request.StacksBlockID,
		StacksTxid:    request.StacksTxid,
		Accepted:      accepted,
	}
	return d.send(ctx, payload)
}

func (d *RequestDecider) canAcceptWithdrawal(ctx context.Context, request *storage.WithdrawalRequest) bool {
	if request.Amount <= sweep.DustLimit {
		return false
	}
	if !recipientScriptSupported(request.RecipientScript) {
		return false
	}
	if d.Blocklist == nil {
		return true
	}
	ok, err := d.Blocklist.CanAccept(ctx, request.Sender)
	if err != nil {
		d.logger.WithError(err).Error("blocklist client issue")
		return false
	}
	return ok
}

// recipientScriptSupported restricts withdrawal recipients to the standard
// output types the peg will create.
func recipientScriptSupported(script []byte) bool {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy, txscript.ScriptHashTy,
		txscript.WitnessV0PubKeyHashTy, txscript.WitnessV0ScriptHashTy,
		txscript.WitnessV1TaprootTy:
		return true
	default:
		return false
	}
}

// HandleSignerMessage persists decisions received from other signers. The
// transport has already authenticated the envelope.
func (d *RequestDecider) HandleSignerMessage(ctx context.Context, msg *wire.Message) error {
	d.init()
	switch payload := msg.Payload.(type) {
	case *wire.SignerDepositDecision:
		decision := &storage.DepositSigner{
			Txid:         payload.Txid,
			OutputIndex:  payload.OutputIndex,
			SignerPubKey: msg.Sender,
			CanAccept:    payload.CanAccept,
			CanSign:      payload.CanSign,
		}
		return d.Store.WriteDepositSignerDecision(ctx, decision)

	case *wire.SignerWithdrawalDecision:
		decision := &storage.WithdrawalSigner{
			RequestID:     payload.RequestID,
			StacksBlockID: payload.StacksBlockID,
			SignerPubKey:  msg.Sender,
			Accepted:      payload.Accepted,
		}
		return d.Store.WriteWithdrawalSignerDecision(ctx, decision)

	default:
		return nil
	}
}

func (d *RequestDecider) send(ctx context.Context, payload wire.Payload) error {
	msg, err := wire.NewSignedMessage(payload, d.PrivateKey)
	if err != nil {
		return err
	}
	return d.Transport.Broadcast(ctx, msg)
}
