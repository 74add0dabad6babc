// Package bitcoin wraps bitcoin core access: JSON-RPC with multi endpoint
// failover and the ZMQ hashblock subscription used for tip notifications.
package bitcoin

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/internal/logging"
)

// BlockHeader is the subset of header data the chain view needs.
type BlockHeader struct {
	Hash         chainhash.Hash
	Height       int64
	PreviousHash chainhash.Hash
}

// Client is the narrow bitcoin core surface the signer consumes.
type Client interface {
	GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*BlockHeader, error)
	GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error)
	GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error)
	SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)
}

// RPCClient fans requests out over the configured endpoints. Each call tries
// the endpoints in random order and returns the first success.
type RPCClient struct {
	clients []*rpcclient.Client
	logger  *logrus.Entry
}

// NewRPCClient connects to every configured endpoint in HTTP POST mode.
func NewRPCClient(cfg config.Config) (*RPCClient, error) {
	if len(cfg.Bitcoin.RpcEndpoints) == 0 {
		return nil, fmt.Errorf("no bitcoin rpc endpoints configured")
	}
	clients := make([]*rpcclient.Client, 0, len(cfg.Bitcoin.RpcEndpoints))
	for _, endpoint := range cfg.Bitcoin.RpcEndpoints {
		client, err := rpcclient.New(&rpcclient.ConnConfig{
			Host:         endpoint,
			User:         cfg.Bitcoin.RpcUser,
			Pass:         cfg.Bitcoin.RpcPassword,
			HTTPPostMode: true,
			DisableTLS:   true,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("fail to create rpc client for %s: %w", endpoint, err)
		}
		clients = append(clients, client)
	}
	return &RPCClient{
		clients: clients,
		logger:  logging.Logger.WithField("service", "bitcoin-rpc"),
	}, nil
}

// each runs fn against the endpoints in random order until one succeeds.
func (c *RPCClient) each(ctx context.Context, fn func(*rpcclient.Client) error) error {
	order := rand.Perm(len(c.clients))
	var lastErr error
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c.clients[i]); err != nil {
			c.logger.WithField("endpoint", i).WithError(err).Debug("rpc endpoint failed, trying next")
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all bitcoin rpc endpoints failed: %w", lastErr)
}

func (c *RPCClient) GetBestBlockHash(ctx context.Context) (*chainhash.Hash, error) {
	var out *chainhash.Hash
	err := c.each(ctx, func(client *rpcclient.Client) error {
		hash, err := client.GetBestBlockHash()
		out = hash
		return err
	})
	return out, err
}

func (c *RPCClient) GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*BlockHeader, error) {
	var out *BlockHeader
	err := c.each(ctx, func(client *rpcclient.Client) error {
		header, err := client.GetBlockHeaderVerbose(hash)
		if err != nil {
			return err
		}
		prev, err := chainhash.NewHashFromStr(header.PreviousHash)
		if err != nil {
			return fmt.Errorf("invalid previous hash %q: %w", header.PreviousHash, err)
		}
		out = &BlockHeader{
			Hash:         *hash,
			Height:       int64(header.Height),
			PreviousHash: *prev,
		}
		return nil
	})
	return out, err
}

func (c *RPCClient) GetBlock(ctx context.Context, hash *chainhash.Hash) (*wire.MsgBlock, error) {
	var out *wire.MsgBlock
	err := c.each(ctx, func(client *rpcclient.Client) error {
		block, err := client.GetBlock(hash)
		out = block
		return err
	})
	return out, err
}

func (c *RPCClient) GetBlockHash(ctx context.Context, height int64) (*chainhash.Hash, error) {
	var out *chainhash.Hash
	err := c.each(ctx, func(client *rpcclient.Client) error {
		hash, err := client.GetBlockHash(height)
		out = hash
		return err
	})
	return out, err
}

func (c *RPCClient) SendRawTransaction(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error) {
	var out *chainhash.Hash
	err := c.each(ctx, func(client *rpcclient.Client) error {
		txid, err := client.SendRawTransaction(tx, false)
		out = txid
		return err
	})
	return out, err
}

// Shutdown closes every endpoint connection.
func (c *RPCClient) Shutdown() {
	for _, client := range c.clients {
		client.Shutdown()
	}
}

var _ Client = (*RPCClient)(nil)
