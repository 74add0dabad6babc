// Package observer contains the long running bitcoin block observer. The
// stacks event observer handlers live in package api.
package observer

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/bitcoin"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/storage"
)

// pollInterval is the RPC fallback cadence when zmq is quiet.
const pollInterval = 30 * time.Second

// maxBackfill bounds how many blocks a single catch-up walk will fetch.
const maxBackfill = 500

// BitcoinObserver advances the chain view from the hashblock stream, with
// RPC polling as fallback, and records sweep confirmations.
type BitcoinObserver struct {
	client bitcoin.Client
	view   *chainstate.View
	store  storage.Store
	stream *bitcoin.HashBlockStream
	logger *logrus.Entry

	backoff time.Duration
}

func NewBitcoinObserver(client bitcoin.Client, view *chainstate.View, store storage.Store, stream *bitcoin.HashBlockStream) *BitcoinObserver {
	return &BitcoinObserver{
		client: client,
		view:   view,
		store:  store,
		stream: stream,
		logger: logging.Logger.WithField("service", "bitcoin-observer"),
	}
}

// Run consumes tip notifications until the context is cancelled.
func (o *BitcoinObserver) Run(ctx context.Context) error {
	hashes := make(chan chainhash.Hash, 8)
	if o.stream != nil {
		go o.stream.Run(ctx, hashes)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hash := <-hashes:
			o.handleTip(ctx, &hash)
		case <-ticker.C:
			best, err := o.client.GetBestBlockHash(ctx)
			if err != nil {
				o.transientError(ctx, err, "fail to poll best block hash")
				continue
			}
			o.handleTip(ctx, best)
		}
	}
}

// handleTip ingests the chain ending at hash, walking back until it connects
// to an already observed block. The view never advances past a gap, so the
// walk always lands the blocks oldest first.
func (o *BitcoinObserver) handleTip(ctx context.Context, hash *chainhash.Hash) {
	if o.view.IsCanonical(*hash) {
		return
	}

	var pending []*storage.BitcoinBlock
	cursor := *hash
	for i := 0; i < maxBackfill; i++ {
		if _, err := o.view.Ancestors(cursor, 0); err == nil {
			break
		}
		header, err := o.client.GetBlockHeader(ctx, &cursor)
		if err != nil {
			o.transientError(ctx, err, "fail to fetch block header")
			return
		}
		pending = append(pending, &storage.BitcoinBlock{
			BlockHash:   header.Hash,
			BlockHeight: header.Height,
			ParentHash:  header.PreviousHash,
		})
		if _, ok := o.view.Tip(); !ok {
			// First observed block seeds the view; no need to walk
			// to genesis.
			break
		}
		cursor = header.PreviousHash
	}

	for i := len(pending) - 1; i >= 0; i-- {
		block := pending[i]
		event, err := o.view.AddBlock(ctx, block)
		if errors.Is(err, chainstate.ErrGapDetected) {
			o.logger.WithField("block", block.BlockHash.String()).
				Warn("gap in observed chain, waiting for backfill")
			return
		}
		if err != nil {
			o.transientError(ctx, err, "fail to ingest block")
			return
		}
		o.backoff = 0
		if event != nil {
			o.recordConfirmations(ctx, block)
		}
	}
}

// recordConfirmations marks any of our broadcast sweeps that confirmed in
// this block and rolls the signer utxo forward.
func (o *BitcoinObserver) recordConfirmations(ctx context.Context, block *storage.BitcoinBlock) {
	msgBlock, err := o.client.GetBlock(ctx, &block.BlockHash)
	if err != nil {
		o.transientError(ctx, err, "fail to fetch block body")
		return
	}

	for _, tx := range msgBlock.Transactions {
		txid := tx.TxHash()
		sweep, err := o.store.GetSweepTransaction(ctx, &txid)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			o.transientError(ctx, err, "fail to look up sweep")
			continue
		}
		if err := o.store.MarkSweepConfirmed(ctx, &sweep.Txid, &block.BlockHash, block.BlockHeight); err != nil {
			o.transientError(ctx, err, "fail to mark sweep confirmed")
			continue
		}
		// Output 0 of every sweep is the next signer utxo.
		if len(tx.TxOut) > 0 {
			utxo := &storage.SignerUtxo{
				Txid:         txid,
				OutputIndex:  0,
				Amount:       uint64(tx.TxOut[0].Value),
				ScriptPubKey: tx.TxOut[0].PkScript,
			}
			if err := o.store.WriteSignerUtxo(ctx, utxo); err != nil {
				o.transientError(ctx, err, "fail to roll signer utxo")
			}
		}
		o.logger.WithFields(logrus.Fields{
			"sweep":  txid.String(),
			"block":  block.BlockHash.String(),
			"height": block.BlockHeight,
		}).Info("sweep transaction confirmed")
	}
}

// transientError logs and applies exponential backoff; ingestion errors are
// never surfaced to the protocol.
func (o *BitcoinObserver) transientError(ctx context.Context, err error, msg string) {
	if o.backoff == 0 {
		o.backoff = time.Second
	} else if o.backoff < time.Minute {
		o.backoff *= 2
	}
	o.logger.WithError(err).WithField("backoff", o.backoff.String()).Warn(msg)
	select {
	case <-ctx.Done():
	case <-time.After(o.backoff):
	}
}
