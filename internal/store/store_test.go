package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/apperr"
	"github.com/klingon-exchange/pepebroker/internal/listing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "pepebroker-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	st, err := New(Config{Path: filepath.Join(tmpDir, "listings.db")})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleListing() *listing.Listing {
	return &listing.Listing{
		AssetName:      "PEPECASH",
		AssetQty:       100000000,
		AssetDivisible: true,
		UTXO:           listing.Outpoint{Txid: "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1", Vout: 0},
		StartBlock:     100,
		EndBlock:       102,
		BlocksAfterEnd: 6,
		StartPriceSats: 30000,
		EndPriceSats:   10000,
		PriceDecrement: 10000,
		Seller:         "bc1qseller",
		CreatedAt:      time.Now().UTC(),
	}
}

func sampleSteps() []listing.PsbtStep {
	return []listing.PsbtStep{
		{BlockNumber: 100, PriceSats: 30000, PsbtData: "cHNidP8="},
		{BlockNumber: 101, PriceSats: 20000, PsbtData: "cHNidP8="},
		{BlockNumber: 102, PriceSats: 10000, PsbtData: "cHNidP8="},
	}
}

func TestInsertListingAtomicAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l := sampleListing()
	id, err := st.InsertListingAtomic(ctx, l, sampleSteps())
	if err != nil {
		t.Fatalf("InsertListingAtomic() error = %v", err)
	}
	if id == 0 {
		t.Fatal("InsertListingAtomic() returned id 0")
	}
	if l.Status != listing.Upcoming {
		t.Errorf("Status after insert = %s, want upcoming", l.Status)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.AssetName != "PEPECASH" || got.UTXO.Vout != 0 {
		t.Errorf("Get() = %+v, unexpected fields", got)
	}

	steps, err := st.Steps(ctx, id)
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("Steps() returned %d, want 3", len(steps))
	}
	if steps[0].BlockNumber != 100 || steps[2].BlockNumber != 102 {
		t.Errorf("Steps() not ordered by block_number: %+v", steps)
	}
}

func TestInsertListingAtomicRejectsDuplicateUTXO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := sampleListing()
	if _, err := st.InsertListingAtomic(ctx, first, sampleSteps()); err != nil {
		t.Fatalf("first InsertListingAtomic() error = %v", err)
	}

	second := sampleListing()
	_, err := st.InsertListingAtomic(ctx, second, sampleSteps())
	if err == nil {
		t.Fatal("expected second insert on the same utxo to fail")
	}
	if !apperr.Is(err, apperr.UtxoInUse) {
		t.Errorf("error kind = %v, want UtxoInUse", err)
	}
}

func TestInsertListingAtomicAllowsReuseAfterTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := sampleListing()
	id, err := st.InsertListingAtomic(ctx, first, sampleSteps())
	if err != nil {
		t.Fatalf("first InsertListingAtomic() error = %v", err)
	}
	if err := st.UpdateStatus(ctx, id, listing.Expired, nil); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	second := sampleListing()
	if _, err := st.InsertListingAtomic(ctx, second, sampleSteps()); err != nil {
		t.Fatalf("insert after terminal should succeed, got error = %v", err)
	}
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l := sampleListing()
	id, err := st.InsertListingAtomic(ctx, l, sampleSteps())
	if err != nil {
		t.Fatalf("InsertListingAtomic() error = %v", err)
	}

	if err := st.UpdateStatus(ctx, id, listing.Active, nil); err != nil {
		t.Fatalf("UpdateStatus(Active) error = %v", err)
	}
	if err := st.UpdateStatus(ctx, id, listing.Active, nil); err != nil {
		t.Fatalf("re-applying Active should be a no-op, got error = %v", err)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != listing.Active {
		t.Errorf("Status = %s, want active", got.Status)
	}
}

func TestUpdateStatusIsStickyOnceTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l := sampleListing()
	id, err := st.InsertListingAtomic(ctx, l, sampleSteps())
	if err != nil {
		t.Fatalf("InsertListingAtomic() error = %v", err)
	}

	spend := &SpendFields{SpentTxid: "deadbeef", SpentBlock: 101, SpentAt: time.Now(), Recipient: "bc1qbuyer"}
	if err := st.UpdateStatus(ctx, id, listing.Sold, spend); err != nil {
		t.Fatalf("UpdateStatus(Sold) error = %v", err)
	}

	// Attempting to leave a terminal status is silently rejected.
	if err := st.UpdateStatus(ctx, id, listing.Closed, nil); err != nil {
		t.Fatalf("UpdateStatus() after terminal should not error, got %v", err)
	}

	got, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != listing.Sold {
		t.Errorf("Status = %s, want sold (terminal status must stick)", got.Status)
	}
	if got.SpentTxid == nil || *got.SpentTxid != "deadbeef" {
		t.Errorf("SpentTxid = %v, want deadbeef", got.SpentTxid)
	}
}

func TestListFiltersByStatusSellerAndBuyer(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l1 := sampleListing()
	id1, err := st.InsertListingAtomic(ctx, l1, sampleSteps())
	if err != nil {
		t.Fatalf("insert l1: %v", err)
	}

	l2 := sampleListing()
	l2.UTXO.Txid = "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"
	l2.Seller = "bc1qother"
	if _, err := st.InsertListingAtomic(ctx, l2, sampleSteps()); err != nil {
		t.Fatalf("insert l2: %v", err)
	}

	spend := &SpendFields{SpentTxid: "deadbeef", SpentBlock: 101, SpentAt: time.Now(), Recipient: "bc1qbuyer"}
	if err := st.UpdateStatus(ctx, id1, listing.Sold, spend); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	sold, err := st.List(ctx, listing.Filter{Statuses: []listing.Status{listing.Sold}})
	if err != nil {
		t.Fatalf("List(sold) error = %v", err)
	}
	if len(sold) != 1 || sold[0].ID != id1 {
		t.Errorf("List(sold) = %+v, want just id1", sold)
	}

	bySeller, err := st.List(ctx, listing.Filter{Seller: "bc1qother"})
	if err != nil {
		t.Fatalf("List(seller) error = %v", err)
	}
	if len(bySeller) != 1 || bySeller[0].Seller != "bc1qother" {
		t.Errorf("List(seller=bc1qother) = %+v", bySeller)
	}

	byBuyer, err := st.List(ctx, listing.Filter{Buyer: "bc1qbuyer"})
	if err != nil {
		t.Fatalf("List(buyer) error = %v", err)
	}
	if len(byBuyer) != 1 || byBuyer[0].ID != id1 {
		t.Errorf("List(buyer=bc1qbuyer) = %+v", byBuyer)
	}
}

func TestNonTerminalListingsExcludesTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	l := sampleListing()
	id, err := st.InsertListingAtomic(ctx, l, sampleSteps())
	if err != nil {
		t.Fatalf("InsertListingAtomic() error = %v", err)
	}

	active, err := st.NonTerminalListings(ctx)
	if err != nil {
		t.Fatalf("NonTerminalListings() error = %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("NonTerminalListings() = %d, want 1", len(active))
	}

	if err := st.UpdateStatus(ctx, id, listing.Expired, nil); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}

	active, err = st.NonTerminalListings(ctx)
	if err != nil {
		t.Fatalf("NonTerminalListings() error = %v", err)
	}
	if len(active) != 0 {
		t.Errorf("NonTerminalListings() after expiry = %d, want 0", len(active))
	}
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.Get(ctx, 999)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("Get(missing) error kind = %v, want NotFound", err)
	}
}
