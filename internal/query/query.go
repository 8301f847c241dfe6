// Package query implements the broker's read-only projections: list by
// filters, by address, and single-listing lookups (including the
// current-PSBT revelation result).
package query

import (
	"context"

	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/internal/revelation"
)

// Store is the subset of *store.Store the query surface needs.
type Store interface {
	Get(ctx context.Context, id int64) (*listing.Listing, error)
	List(ctx context.Context, filter listing.Filter) ([]listing.Listing, error)
	StepFor(ctx context.Context, listingID, block int64) (*listing.PsbtStep, error)
}

// Chain is the subset of chainrpc.Oracle the query surface needs.
type Chain interface {
	Tip(ctx context.Context) (int64, error)
}

// Service answers read-only queries over the store.
type Service struct {
	Store Store
	Chain Chain
}

// New builds a query Service.
func New(store Store, chain Chain) *Service {
	return &Service{Store: store, Chain: chain}
}

// Get returns a single listing's metadata (never its PSBT schedule).
func (s *Service) Get(ctx context.Context, id int64) (*listing.Listing, error) {
	return s.Store.Get(ctx, id)
}

// List returns listings matching filter.
func (s *Service) List(ctx context.Context, filter listing.Filter) ([]listing.Listing, error) {
	return s.Store.List(ctx, filter)
}

// Role selects which listing field an address is matched against.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// ByAddress returns listings where addr is the seller or the recipient,
// further narrowed by an optional status filter.
func (s *Service) ByAddress(ctx context.Context, addr string, role Role, statuses []listing.Status) ([]listing.Listing, error) {
	filter := listing.Filter{Statuses: statuses}
	if role == RoleBuyer {
		filter.Buyer = addr
	} else {
		filter.Seller = addr
	}
	return s.Store.List(ctx, filter)
}

// CurrentPSBT delegates to Revelation using the live chain tip.
func (s *Service) CurrentPSBT(ctx context.Context, id int64) (revelation.Result, error) {
	l, err := s.Store.Get(ctx, id)
	if err != nil {
		return revelation.Result{}, err
	}
	tip, err := s.Chain.Tip(ctx)
	if err != nil {
		return revelation.Result{}, err
	}
	return revelation.Reveal(*l, tip, func(block int64) (*listing.PsbtStep, error) {
		return s.Store.StepFor(ctx, id, block)
	})
}
