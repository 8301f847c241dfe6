// Package pipeline wires the two redundant event sources — ZMQ push
// notifications and periodic polling — onto the state engine. Both
// paths converge on the same engine.Evaluate call; the pipeline's only
// job is delivering (listing, tip, maybe-spend) triples and persisting
// whatever the engine decides.
package pipeline

import (
	"context"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
	"github.com/klingon-exchange/pepebroker/internal/engine"
	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/internal/store"
	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// Store is the subset of *store.Store the event pipeline needs.
type Store interface {
	NonTerminalListings(ctx context.Context) ([]listing.Listing, error)
	ListingsWatchingUTXO(ctx context.Context, txid string, vout uint32) ([]listing.Listing, error)
	Steps(ctx context.Context, listingID int64) ([]listing.PsbtStep, error)
	UpdateStatus(ctx context.Context, id int64, newStatus listing.Status, spend *store.SpendFields) error
}

// Config configures the two poll intervals. Zero values select the
// 5-minute defaults.
type Config struct {
	BlockPollInterval time.Duration
	UTXOPollInterval  time.Duration
}

const defaultPollInterval = 5 * time.Minute

// Pipeline owns the push subscriber and poll-scheduler goroutines.
type Pipeline struct {
	chain chainrpc.Oracle
	store Store
	cfg   Config
	log   *logging.Logger
}

// New builds a Pipeline. Run must be called to start its goroutines.
func New(chain chainrpc.Oracle, store Store, cfg Config) *Pipeline {
	if cfg.BlockPollInterval <= 0 {
		cfg.BlockPollInterval = defaultPollInterval
	}
	if cfg.UTXOPollInterval <= 0 {
		cfg.UTXOPollInterval = defaultPollInterval
	}
	return &Pipeline{
		chain: chain,
		store: store,
		cfg:   cfg,
		log:   logging.GetDefault().Component("event-pipeline"),
	}
}

// Run starts the push subscribers and the two poll tickers. It blocks
// until ctx is cancelled. Sweeps and push handling run one at a time on
// Run's own loop, so none is in flight once Run returns; the push
// subscriptions themselves stop on the same ctx.
func (p *Pipeline) Run(ctx context.Context) error {
	blocks, err := p.chain.SubscribeBlocks(ctx)
	if err != nil {
		return err
	}
	txs, err := p.chain.SubscribeTxs(ctx)
	if err != nil {
		return err
	}

	blockTicker := time.NewTicker(p.cfg.BlockPollInterval)
	defer blockTicker.Stop()
	utxoTicker := time.NewTicker(p.cfg.UTXOPollInterval)
	defer utxoTicker.Stop()

	p.log.Info("event pipeline started",
		"block_poll_interval", p.cfg.BlockPollInterval,
		"utxo_poll_interval", p.cfg.UTXOPollInterval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("event pipeline stopping")
			return nil
		case notif, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			p.onBlockNotification(ctx, notif)
		case notif, ok := <-txs:
			if !ok {
				txs = nil
				continue
			}
			p.onTxNotification(ctx, notif)
		case <-blockTicker.C:
			p.sweepBlockDriven(ctx)
		case <-utxoTicker.C:
			p.sweepSpendDetection(ctx)
		}
	}
}

func (p *Pipeline) onBlockNotification(ctx context.Context, notif chainrpc.BlockNotification) {
	listings, err := p.store.NonTerminalListings(ctx)
	if err != nil {
		p.log.Warn("failed to load non-terminal listings for block sweep", "error", err)
		return
	}
	for _, l := range listings {
		p.applyTip(ctx, l, notif.Height)
	}
}

func (p *Pipeline) sweepBlockDriven(ctx context.Context) {
	tip, err := p.chain.Tip(ctx)
	if err != nil {
		p.log.Debug("poll: failed to fetch tip", "error", err)
		return
	}
	listings, err := p.store.NonTerminalListings(ctx)
	if err != nil {
		p.log.Warn("poll: failed to load non-terminal listings", "error", err)
		return
	}
	for _, l := range listings {
		p.applyTip(ctx, l, tip)
	}
}

func (p *Pipeline) applyTip(ctx context.Context, l listing.Listing, tip int64) {
	t := engine.Evaluate(l, tip, nil, nil, time.Now)
	p.commit(ctx, l, t)
}

func (p *Pipeline) onTxNotification(ctx context.Context, notif chainrpc.TxNotification) {
	for _, in := range notif.Inputs {
		listings, err := p.store.ListingsWatchingUTXO(ctx, in.Txid, in.Vout)
		if err != nil {
			p.log.Warn("failed to load listings watching utxo", "txid", in.Txid, "vout", in.Vout, "error", err)
			continue
		}
		for _, l := range listings {
			p.evaluateSpend(ctx, l)
		}
	}
}

func (p *Pipeline) sweepSpendDetection(ctx context.Context) {
	listings, err := p.store.NonTerminalListings(ctx)
	if err != nil {
		p.log.Warn("poll: failed to load non-terminal listings", "error", err)
		return
	}
	for _, l := range listings {
		spent, err := p.chain.IsSpent(ctx, l.UTXO.Txid, l.UTXO.Vout)
		if err != nil {
			p.log.Debug("poll: failed to check utxo spend status", "listing", l.ID, "error", err)
			continue
		}
		if !spent {
			continue
		}
		p.evaluateSpend(ctx, l)
	}
}

func (p *Pipeline) evaluateSpend(ctx context.Context, l listing.Listing) {
	spend, err := p.chain.SpendingTx(ctx, l.UTXO.Txid, l.UTXO.Vout)
	if err != nil {
		p.log.Debug("failed to fetch spending tx", "listing", l.ID, "error", err)
		return
	}
	if spend == nil {
		// Oracle reports the utxo spent but could not locate the
		// spending transaction within its scan window (or a reorg
		// made it unspent again); skip this cycle and let the next
		// poll or push event retry.
		return
	}

	steps, err := p.store.Steps(ctx, l.ID)
	if err != nil {
		p.log.Warn("failed to load steps for spend classification", "listing", l.ID, "error", err)
		return
	}
	prices := make([]int64, len(steps))
	for i, s := range steps {
		prices[i] = s.PriceSats
	}

	tip, err := p.chain.Tip(ctx)
	if err != nil {
		p.log.Debug("failed to fetch tip for spend evaluation", "error", err)
		return
	}

	t := engine.Evaluate(l, tip, spend, prices, time.Now)
	p.commit(ctx, l, t)
}

func (p *Pipeline) commit(ctx context.Context, l listing.Listing, t engine.Transition) {
	if !t.Changed {
		return
	}
	if err := p.store.UpdateStatus(ctx, l.ID, t.NewStatus, t.Spend); err != nil {
		p.log.Warn("failed to persist transition", "listing", l.ID, "to", t.NewStatus, "error", err)
		return
	}
	p.log.Info("listing transitioned", "listing", l.ID, "from", l.Status, "to", t.NewStatus)
}
