package query

import (
	"context"
	"testing"

	"github.com/klingon-exchange/pepebroker/internal/apperr"
	"github.com/klingon-exchange/pepebroker/internal/listing"
)

type fakeStore struct {
	listings map[int64]*listing.Listing
	steps    map[int64]map[int64]*listing.PsbtStep
	listArg  listing.Filter
}

func (f *fakeStore) Get(ctx context.Context, id int64) (*listing.Listing, error) {
	l, ok := f.listings[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "not found")
	}
	return l, nil
}

func (f *fakeStore) List(ctx context.Context, filter listing.Filter) ([]listing.Listing, error) {
	f.listArg = filter
	var out []listing.Listing
	for _, l := range f.listings {
		if filter.Seller != "" && l.Seller != filter.Seller {
			continue
		}
		if filter.Buyer != "" && (l.Recipient == nil || *l.Recipient != filter.Buyer) {
			continue
		}
		out = append(out, *l)
	}
	return out, nil
}

func (f *fakeStore) StepFor(ctx context.Context, listingID, block int64) (*listing.PsbtStep, error) {
	steps, ok := f.steps[listingID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no step")
	}
	s, ok := steps[block]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no step")
	}
	return s, nil
}

type fakeChain struct {
	tip int64
}

func (f *fakeChain) Tip(ctx context.Context) (int64, error) { return f.tip, nil }

func TestByAddressSeller(t *testing.T) {
	buyer := "bc1qbuyer"
	store := &fakeStore{listings: map[int64]*listing.Listing{
		1: {ID: 1, Seller: "bc1qseller", Recipient: &buyer},
	}}
	svc := New(store, &fakeChain{})

	_, err := svc.ByAddress(context.Background(), "bc1qseller", RoleSeller, nil)
	if err != nil {
		t.Fatalf("ByAddress() error = %v", err)
	}
	if store.listArg.Seller != "bc1qseller" || store.listArg.Buyer != "" {
		t.Errorf("filter = %+v, want Seller set and Buyer empty", store.listArg)
	}
}

func TestByAddressBuyer(t *testing.T) {
	store := &fakeStore{listings: map[int64]*listing.Listing{}}
	svc := New(store, &fakeChain{})

	_, err := svc.ByAddress(context.Background(), "bc1qbuyer", RoleBuyer, nil)
	if err != nil {
		t.Fatalf("ByAddress() error = %v", err)
	}
	if store.listArg.Buyer != "bc1qbuyer" || store.listArg.Seller != "" {
		t.Errorf("filter = %+v, want Buyer set and Seller empty", store.listArg)
	}
}

func TestCurrentPSBTUsesLiveTip(t *testing.T) {
	l := &listing.Listing{ID: 1, StartBlock: 100, EndBlock: 102, BlocksAfterEnd: 6, Status: listing.Active}
	step := &listing.PsbtStep{ListingID: 1, BlockNumber: 101, PriceSats: 20000, PsbtData: "cHNidP8="}

	store := &fakeStore{
		listings: map[int64]*listing.Listing{1: l},
		steps:    map[int64]map[int64]*listing.PsbtStep{1: {101: step}},
	}
	svc := New(store, &fakeChain{tip: 101})

	result, err := svc.CurrentPSBT(context.Background(), 1)
	if err != nil {
		t.Fatalf("CurrentPSBT() error = %v", err)
	}
	if result.Step == nil || result.Step.BlockNumber != 101 {
		t.Errorf("CurrentPSBT() = %+v, want step at block 101", result)
	}
}

func TestCurrentPSBTPropagatesGetError(t *testing.T) {
	store := &fakeStore{listings: map[int64]*listing.Listing{}}
	svc := New(store, &fakeChain{tip: 100})

	_, err := svc.CurrentPSBT(context.Background(), 999)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("CurrentPSBT() error = %v, want NotFound", err)
	}
}
