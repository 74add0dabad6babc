package bitcoin

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-zeromq/zmq4"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/logging"
)

// HashBlockStream subscribes to bitcoin core's zmq hashblock topic and feeds
// new block hashes into a channel. Endpoints are tried in declared order; on
// any error the stream reconnects after a short pause.
type HashBlockStream struct {
	endpoints []string
	logger    *logrus.Entry
}

func NewHashBlockStream(endpoints []string) *HashBlockStream {
	return &HashBlockStream{
		endpoints: endpoints,
		logger:    logging.Logger.WithField("service", "bitcoin-zmq"),
	}
}

// Run pushes block hashes into out until the context is cancelled. The
// channel is not closed on exit; it is owned by the caller.
func (s *HashBlockStream) Run(ctx context.Context, out chan<- chainhash.Hash) {
	if len(s.endpoints) == 0 {
		s.logger.Warn("no zmq endpoints configured; relying on rpc polling")
		return
	}
	for i := 0; ctx.Err() == nil; i = (i + 1) % len(s.endpoints) {
		endpoint := s.endpoints[i]
		if err := s.consume(ctx, endpoint, out); err != nil && ctx.Err() == nil {
			s.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    err,
			}).Warn("zmq stream interrupted, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *HashBlockStream) consume(ctx context.Context, endpoint string, out chan<- chainhash.Hash) error {
	sub := zmq4.NewSub(ctx)
	defer sub.Close()

	if err := sub.Dial(endpoint); err != nil {
		return err
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, "hashblock"); err != nil {
		return err
	}
	s.logger.WithField("endpoint", endpoint).Info("subscribed to hashblock notifications")

	for {
		msg, err := sub.Recv()
		if err != nil {
			return err
		}
		if len(msg.Frames) < 2 || string(msg.Frames[0]) != "hashblock" {
			continue
		}
		hash, err := chainhash.NewHash(msg.Frames[1])
		if err != nil {
			s.logger.WithError(err).Warn("malformed hashblock frame")
			continue
		}
		select {
		case out <- *hash:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
