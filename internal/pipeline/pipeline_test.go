package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/internal/store"
)

type fakeChain struct {
	tip        int64
	spendByKey map[string]*chainrpc.SpendingTx
	isSpent    map[string]bool
}

func key(txid string, vout uint32) string {
	return txid + ":" + string(rune(vout))
}

func (f *fakeChain) Tip(ctx context.Context) (int64, error) { return f.tip, nil }
func (f *fakeChain) UTXO(ctx context.Context, txid string, vout uint32) (chainrpc.UTXOInfo, error) {
	return chainrpc.UTXOInfo{}, nil
}
func (f *fakeChain) IsSpent(ctx context.Context, txid string, vout uint32) (bool, error) {
	return f.isSpent[key(txid, vout)], nil
}
func (f *fakeChain) SpendingTx(ctx context.Context, txid string, vout uint32) (*chainrpc.SpendingTx, error) {
	return f.spendByKey[key(txid, vout)], nil
}
func (f *fakeChain) SubscribeBlocks(ctx context.Context) (<-chan chainrpc.BlockNotification, error) {
	ch := make(chan chainrpc.BlockNotification)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}
func (f *fakeChain) SubscribeTxs(ctx context.Context) (<-chan chainrpc.TxNotification, error) {
	ch := make(chan chainrpc.TxNotification)
	go func() { <-ctx.Done(); close(ch) }()
	return ch, nil
}

type fakeStore struct {
	listings map[int64]*listing.Listing
	steps    map[int64][]listing.PsbtStep
	updates  []update
}

type update struct {
	id     int64
	status listing.Status
}

func (f *fakeStore) NonTerminalListings(ctx context.Context) ([]listing.Listing, error) {
	var out []listing.Listing
	for _, l := range f.listings {
		if l.Status.IsNonTerminal() {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeStore) ListingsWatchingUTXO(ctx context.Context, txid string, vout uint32) ([]listing.Listing, error) {
	var out []listing.Listing
	for _, l := range f.listings {
		if l.UTXO.Txid == txid && l.UTXO.Vout == vout && l.Status.IsNonTerminal() {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f *fakeStore) Steps(ctx context.Context, listingID int64) ([]listing.PsbtStep, error) {
	return f.steps[listingID], nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id int64, newStatus listing.Status, spend *store.SpendFields) error {
	f.updates = append(f.updates, update{id: id, status: newStatus})
	f.listings[id].Status = newStatus
	return nil
}

func TestSweepBlockDrivenActivatesUpcomingListing(t *testing.T) {
	l := &listing.Listing{ID: 1, StartBlock: 100, EndBlock: 102, BlocksAfterEnd: 6, Status: listing.Upcoming}
	st := &fakeStore{listings: map[int64]*listing.Listing{1: l}}
	chain := &fakeChain{tip: 100}

	p := New(chain, st, Config{})
	p.sweepBlockDriven(context.Background())

	if len(st.updates) != 1 || st.updates[0].status != listing.Active {
		t.Fatalf("updates = %+v, want one Active transition", st.updates)
	}
}

func TestSweepSpendDetectionClassifiesSale(t *testing.T) {
	l := &listing.Listing{
		ID: 1, UTXO: listing.Outpoint{Txid: "tx1", Vout: 0},
		StartBlock: 100, EndBlock: 102, BlocksAfterEnd: 6, Status: listing.Active,
	}
	st := &fakeStore{
		listings: map[int64]*listing.Listing{1: l},
		steps: map[int64][]listing.PsbtStep{
			1: {{BlockNumber: 101, PriceSats: 20000}},
		},
	}
	spend := &chainrpc.SpendingTx{
		Txid: "spender", BlockHeight: 101,
		Outputs: []chainrpc.TxOutput{{ValueSats: 20000, Address: "bc1qbuyer"}},
	}
	chain := &fakeChain{
		tip:        101,
		isSpent:    map[string]bool{key("tx1", 0): true},
		spendByKey: map[string]*chainrpc.SpendingTx{key("tx1", 0): spend},
	}

	p := New(chain, st, Config{})
	p.sweepSpendDetection(context.Background())

	if len(st.updates) != 1 || st.updates[0].status != listing.Sold {
		t.Fatalf("updates = %+v, want one Sold transition", st.updates)
	}
}

func TestOnBlockNotificationAppliesToAllNonTerminalListings(t *testing.T) {
	l1 := &listing.Listing{ID: 1, StartBlock: 100, EndBlock: 102, BlocksAfterEnd: 6, Status: listing.Upcoming}
	l2 := &listing.Listing{ID: 2, StartBlock: 200, EndBlock: 202, BlocksAfterEnd: 6, Status: listing.Upcoming}
	st := &fakeStore{listings: map[int64]*listing.Listing{1: l1, 2: l2}}
	chain := &fakeChain{}

	p := New(chain, st, Config{})
	p.onBlockNotification(context.Background(), chainrpc.BlockNotification{Height: 100})

	if len(st.updates) != 1 || st.updates[0].id != 1 {
		t.Fatalf("updates = %+v, want only listing 1 to activate at height 100", st.updates)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := &fakeStore{listings: map[int64]*listing.Listing{}}
	chain := &fakeChain{}
	p := New(chain, st, Config{BlockPollInterval: time.Hour, UTXOPollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
