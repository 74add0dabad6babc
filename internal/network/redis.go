package network

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/metrics"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/storage"
)

const gossipChannel = "sbtc-signer.gossip"

// seenTTL bounds the duplicate suppression set. Decisions are re-broadcast
// within the retry window, so anything older can be forgotten.
const seenTTL = 2 * time.Hour

// RedisTransport gossips framed messages over a redis pub/sub channel shared
// by the signer set. Redis delivers per publisher in order, which gives the
// per sender FIFO the consumers assume.
type RedisTransport struct {
	client  *redis.Client
	store   *storage.RedisStorage
	sub     *redis.PubSub
	metrics *metrics.Client
	logger  *logrus.Entry
}

func NewRedisTransport(store *storage.RedisStorage, m *metrics.Client) *RedisTransport {
	client := store.Client()
	return &RedisTransport{
		client:  client,
		store:   store,
		sub:     client.Subscribe(context.Background(), gossipChannel),
		metrics: m,
		logger:  logging.Logger.WithField("service", "gossip"),
	}
}

func (t *RedisTransport) Broadcast(ctx context.Context, msg *wire.Message) error {
	if err := t.client.Publish(ctx, gossipChannel, msg.Encode()).Err(); err != nil {
		return fmt.Errorf("fail to publish gossip message: %w", err)
	}
	t.metrics.Incr("gossip.out", "kind:"+fmt.Sprintf("%#02x", byte(msg.Payload.Kind())))
	return nil
}

func (t *RedisTransport) Receive(ctx context.Context) (*wire.Message, error) {
	ch := t.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("gossip subscription closed")
			}
			msg, err := wire.Decode([]byte(raw.Payload))
			if err != nil {
				t.metrics.Incr("gossip.protocol_violation", "reason:malformed")
				t.logger.WithError(err).Warn("dropping malformed gossip frame")
				continue
			}
			if !msg.Verify() {
				t.metrics.Incr("gossip.protocol_violation",
					"reason:bad_signature", "peer:"+msg.Sender.String())
				t.logger.WithField("peer", msg.Sender.String()).
					Warn("dropping unauthenticated gossip message")
				continue
			}
			dup, err := t.store.MarkMessageSeen(ctx, msg.ID(), seenTTL)
			if err != nil {
				// Losing the dedupe set only risks duplicate work;
				// handlers are idempotent.
				t.logger.WithError(err).Warn("duplicate suppression unavailable")
			}
			if dup {
				continue
			}
			t.metrics.Incr("gossip.in", "kind:"+fmt.Sprintf("%#02x", byte(msg.Payload.Kind())))
			return msg, nil
		}
	}
}

func (t *RedisTransport) Close() error {
	return t.sub.Close()
}

var _ MessageTransfer = (*RedisTransport)(nil)
