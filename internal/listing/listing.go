// Package listing defines the aggregate types shared by the store,
// admission, revelation and state engine packages.
package listing

import "time"

// Status is the lifecycle state of a Listing.
type Status string

const (
	Upcoming Status = "upcoming"
	Active   Status = "active"
	Finished Status = "finished"
	Expired  Status = "expired"
	Sold     Status = "sold"
	Closed   Status = "closed"
)

// IsTerminal reports whether a listing in this status never transitions further.
func (s Status) IsTerminal() bool {
	switch s {
	case Sold, Closed, Expired:
		return true
	default:
		return false
	}
}

// IsNonTerminal is the complement of IsTerminal, matching the set that
// counts against the single-active-listing-per-UTXO invariant.
func (s Status) IsNonTerminal() bool {
	switch s {
	case Upcoming, Active, Finished:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the six defined statuses.
func (s Status) Valid() bool {
	switch s {
	case Upcoming, Active, Finished, Expired, Sold, Closed:
		return true
	default:
		return false
	}
}

// Outpoint identifies a Bitcoin UTXO.
type Outpoint struct {
	Txid string // 32-byte hex, no 0x prefix
	Vout uint32
}

// Listing is the aggregate root: a Dutch-auction (or fixed-price)
// sale of a Counterparty asset pinned to a single Bitcoin UTXO.
type Listing struct {
	ID              int64
	AssetName       string
	AssetQty        uint64 // fixed-point: 8 fractional digits if AssetDivisible, else 0
	AssetDivisible  bool
	UTXO            Outpoint
	StartBlock      int64
	EndBlock        int64
	BlocksAfterEnd  int64
	StartPriceSats  int64
	EndPriceSats    int64
	PriceDecrement  int64
	Status          Status
	Seller          string
	CreatedAt       time.Time
	SpentTxid       *string
	SpentBlock      *int64
	SpentAt         *time.Time
	Recipient       *string
}

// PsbtStep is a child of Listing, unique on (ListingID, BlockNumber).
type PsbtStep struct {
	ListingID   int64
	BlockNumber int64
	PriceSats   int64
	PsbtData    string // opaque base64 blob
}

// Filter narrows a Store.List query. A zero-value Filter matches everything.
type Filter struct {
	Statuses []Status
	Seller   string
	Buyer    string // matched against Recipient
}
