package chainrpc

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/go-zeromq/zmq4"

	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// ZMQConfig configures the two push subscriptions.
type ZMQConfig struct {
	Enabled   bool
	BlockURL  string // e.g. tcp://127.0.0.1:28332, subscribes to "rawblock"
	TxURL     string // e.g. tcp://127.0.0.1:28332, subscribes to "rawtx"
	ReconnectBackoff time.Duration
}

// subscribeZMQ owns a single SUB socket for one topic and republishes
// decoded payloads on a channel, reconnecting with backoff on failure:
// a goroutine owning its own context, selecting on ctx.Done() to exit.
func subscribeZMQ(ctx context.Context, url, topic string, backoff time.Duration, log *logging.Logger, handle func(payload []byte)) {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := runZMQSubscriber(ctx, url, topic, handle); err != nil {
				log.Warn("zmq subscriber disconnected", "topic", topic, "url", url, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}()
}

func runZMQSubscriber(ctx context.Context, url, topic string, handle func(payload []byte)) error {
	sock := zmq4.NewSub(ctx)
	defer sock.Close()

	if err := sock.Dial(url); err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	for {
		msg, err := sock.Recv()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// ZMQ multipart message: [topic, payload, sequence]
		if len(msg.Frames) < 2 {
			continue
		}
		handle(msg.Frames[1])
	}
}

// SubscribeBlocks subscribes to the node's rawblock publisher, parsing
// each payload's header to produce a BlockNotification. The height is
// re-derived via RPC since a raw block payload carries only the
// previous-block hash, not its own height.
func (c *BitcoindClient) SubscribeBlocks(ctx context.Context) (<-chan BlockNotification, error) {
	out := make(chan BlockNotification, 16)
	if !c.zmq.Enabled {
		return out, nil
	}
	subscribeZMQ(ctx, c.zmq.BlockURL, "rawblock", c.zmq.ReconnectBackoff, c.log, func(payload []byte) {
		var header wire.BlockHeader
		if err := header.Deserialize(bytes.NewReader(payload)); err != nil {
			c.log.Debug("failed to parse rawblock payload", "error", err)
			return
		}
		height, err := c.Tip(ctx)
		if err != nil {
			c.log.Debug("failed to refresh tip after rawblock", "error", err)
			return
		}
		select {
		case out <- BlockNotification{Height: height, Hash: header.BlockHash().String()}:
		case <-ctx.Done():
		default:
			c.log.Warn("block notification channel full, dropping", "height", height)
		}
	})
	return out, nil
}

// SubscribeTxs subscribes to the node's rawtx publisher, parsing each
// payload into its consumed outpoints.
func (c *BitcoindClient) SubscribeTxs(ctx context.Context) (<-chan TxNotification, error) {
	out := make(chan TxNotification, 256)
	if !c.zmq.Enabled {
		return out, nil
	}
	subscribeZMQ(ctx, c.zmq.TxURL, "rawtx", c.zmq.ReconnectBackoff, c.log, func(payload []byte) {
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(payload)); err != nil {
			c.log.Debug("failed to parse rawtx payload", "error", err)
			return
		}
		inputs := make([]TxInput, 0, len(tx.TxIn))
		for _, in := range tx.TxIn {
			inputs = append(inputs, TxInput{
				Txid: in.PreviousOutPoint.Hash.String(),
				Vout: in.PreviousOutPoint.Index,
			})
		}
		notif := TxNotification{Txid: tx.TxHash().String(), Inputs: inputs}
		select {
		case out <- notif:
		case <-ctx.Done():
		default:
			c.log.Warn("tx notification channel full, dropping", "txid", notif.Txid)
		}
	})
	return out, nil
}
