// Package admission validates a candidate listing against its declared
// schedule and against live oracle state, then atomically persists it.
// Every check in the pipeline either passes or fails the whole
// submission with no side effect; nothing is written until the final
// single-active-UTXO guard succeeds inside the store's own transaction.
package admission

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/pepebroker/internal/apperr"
	"github.com/klingon-exchange/pepebroker/internal/assetoracle"
	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// psbtMagic is the 5-byte PSBT magic every psbt_data blob must begin with.
var psbtMagic = [5]byte{0x70, 0x73, 0x62, 0x74, 0xff}

// Store is the subset of *store.Store admission needs.
type Store interface {
	InsertListingAtomic(ctx context.Context, l *listing.Listing, steps []listing.PsbtStep) (int64, error)
}

// Service runs the admission pipeline.
type Service struct {
	Chain  chainrpc.Oracle
	Assets assetoracle.Oracle
	Store  Store
	log    *logging.Logger
}

// NewService builds an admission Service.
func NewService(chain chainrpc.Oracle, assets assetoracle.Oracle, store Store) *Service {
	return &Service{
		Chain:  chain,
		Assets: assets,
		Store:  store,
		log:    logging.GetDefault().Component("admission"),
	}
}

// Submit runs the ordered admission checks and, on success, persists
// the listing with status upcoming and returns its id.
func (s *Service) Submit(ctx context.Context, req Request) (int64, error) {
	submissionID := uuid.NewString()
	log := s.log.With("submission", submissionID)

	if err := checkShape(req); err != nil {
		return 0, err
	}
	if err := checkPsbtFormat(req); err != nil {
		return 0, err
	}
	if err := checkScheduleConsistency(req); err != nil {
		return 0, err
	}

	tip, err := s.Chain.Tip(ctx)
	if err != nil {
		return 0, oracleErr(err)
	}
	if req.StartBlock <= tip {
		return 0, apperr.New(apperr.TemporalInvalid, "start_block must be after the current tip")
	}

	utxo, err := s.Chain.UTXO(ctx, req.Txid, req.Vout)
	if err != nil {
		return 0, oracleErr(err)
	}
	if !utxo.Exists || utxo.Confirmations < 1 {
		return 0, apperr.New(apperr.UtxoUnavailable, "utxo missing, spent, or unconfirmed")
	}

	balances, err := s.Assets.Balances(ctx, req.Txid, req.Vout)
	if err != nil {
		return 0, oracleErr(err)
	}
	if len(balances) != 1 || balances[0].AssetName != req.AssetName || balances[0].Quantity != req.AssetQty {
		return 0, apperr.New(apperr.AssetMismatch, "utxo does not bind exactly one matching asset balance")
	}

	l := &listing.Listing{
		AssetName:      req.AssetName,
		AssetQty:       req.AssetQty,
		AssetDivisible: req.AssetDivisible,
		UTXO:           listing.Outpoint{Txid: req.Txid, Vout: req.Vout},
		StartBlock:     req.StartBlock,
		EndBlock:       req.EndBlock,
		BlocksAfterEnd: req.BlocksAfterEnd,
		StartPriceSats: req.StartPriceSats,
		EndPriceSats:   req.EndPriceSats,
		PriceDecrement: req.PriceDecrement,
		Seller:         utxo.Address,
		CreatedAt:      time.Now().UTC(),
	}

	steps := make([]listing.PsbtStep, len(req.Steps))
	for i, st := range req.Steps {
		steps[i] = listing.PsbtStep{BlockNumber: st.BlockNumber, PriceSats: st.PriceSats, PsbtData: st.PsbtData}
	}

	id, err := s.Store.InsertListingAtomic(ctx, l, steps)
	if err != nil {
		return 0, err
	}

	log.Info("listing admitted", "id", id, "asset", req.AssetName, "utxo", req.Txid, "vout", req.Vout)
	return id, nil
}

func oracleErr(err error) error {
	if chainrpc.IsTransient(err) {
		return apperr.Wrap(apperr.OracleTransient, "oracle unavailable", err)
	}
	return apperr.Wrap(apperr.OracleFatal, "oracle error", err)
}

func checkShape(req Request) error {
	if req.AssetName == "" {
		return apperr.New(apperr.ShapeInvalid, "asset_name is required")
	}
	if req.AssetQty == 0 {
		return apperr.New(apperr.ShapeInvalid, "asset_qty must be positive")
	}
	if req.Txid == "" {
		return apperr.New(apperr.ShapeInvalid, "txid is required")
	}
	if req.StartBlock > req.EndBlock {
		return apperr.New(apperr.ShapeInvalid, "start_block must not exceed end_block")
	}
	if req.BlocksAfterEnd < 0 {
		return apperr.New(apperr.ShapeInvalid, "blocks_after_end must be non-negative")
	}
	wantSteps := req.EndBlock - req.StartBlock + 1
	if int64(len(req.Steps)) != wantSteps {
		return apperr.New(apperr.ShapeInvalid, "step count must equal end_block - start_block + 1")
	}
	return nil
}

func checkPsbtFormat(req Request) error {
	for _, st := range req.Steps {
		raw, err := base64.StdEncoding.DecodeString(st.PsbtData)
		if err != nil {
			return apperr.New(apperr.ShapeInvalid, "psbt_data is not valid base64")
		}
		if len(raw) < len(psbtMagic) {
			return apperr.New(apperr.ShapeInvalid, "psbt_data too short to carry the psbt magic")
		}
		for i, b := range psbtMagic {
			if raw[i] != b {
				return apperr.New(apperr.ShapeInvalid, "psbt_data does not begin with the psbt magic bytes")
			}
		}
	}
	return nil
}

func checkScheduleConsistency(req Request) error {
	steps := req.Steps
	seen := make(map[int64]bool, len(steps))
	for _, st := range steps {
		if st.BlockNumber < req.StartBlock || st.BlockNumber > req.EndBlock {
			return apperr.New(apperr.ScheduleInvalid, "step block number outside [start_block, end_block]")
		}
		if seen[st.BlockNumber] {
			return apperr.New(apperr.ScheduleInvalid, "duplicate step block number")
		}
		seen[st.BlockNumber] = true
	}
	for h := req.StartBlock; h <= req.EndBlock; h++ {
		if !seen[h] {
			return apperr.New(apperr.ScheduleInvalid, "step coverage has a gap")
		}
	}

	byBlock := make(map[int64]int64, len(steps))
	for _, st := range steps {
		byBlock[st.BlockNumber] = st.PriceSats
	}
	if byBlock[req.StartBlock] != req.StartPriceSats {
		return apperr.New(apperr.ScheduleInvalid, "first step price must equal start_price_sats")
	}
	if byBlock[req.EndBlock] != req.EndPriceSats {
		return apperr.New(apperr.ScheduleInvalid, "last step price must equal end_price_sats")
	}

	if req.StartBlock == req.EndBlock {
		if req.StartPriceSats != req.EndPriceSats || req.PriceDecrement != 0 || len(steps) != 1 {
			return apperr.New(apperr.ScheduleInvalid, "fixed-price listing must have one step and zero decrement")
		}
		return nil
	}

	if req.PriceDecrement <= 0 {
		return apperr.New(apperr.ScheduleInvalid, "price_decrement must be positive for multi-block schedules")
	}

	var prev int64 = -1
	for h := req.StartBlock; h <= req.EndBlock; h++ {
		price := byBlock[h]
		if prev >= 0 && price > prev {
			return apperr.New(apperr.ScheduleInvalid, "prices must be non-increasing across successive steps")
		}
		prev = price

		k := h - req.StartBlock
		want := req.StartPriceSats - k*req.PriceDecrement
		if h == req.EndBlock {
			want = req.EndPriceSats
		}
		if price != want {
			return apperr.New(apperr.ScheduleInvalid, "declared price sequence does not match start - k*decrement")
		}
	}
	return nil
}
