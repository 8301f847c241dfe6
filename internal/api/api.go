// Package api is the thin HTTP transport exposing health, listing
// queries, admission, and revelation. It holds no business logic
// beyond decoding requests, calling the admission/query services, and
// encoding responses — the behavior that matters is covered by the
// core packages' own tests.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/admission"
	"github.com/klingon-exchange/pepebroker/internal/apperr"
	"github.com/klingon-exchange/pepebroker/internal/listing"
	"github.com/klingon-exchange/pepebroker/internal/query"
	"github.com/klingon-exchange/pepebroker/internal/revelation"
	"github.com/klingon-exchange/pepebroker/pkg/helpers"
	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// Chain is the subset of chainrpc.Oracle the health endpoint needs.
type Chain interface {
	Tip(ctx context.Context) (int64, error)
}

// Server is the HTTP transport. Construct with NewServer and call Start.
type Server struct {
	admission *admission.Service
	query     *query.Service
	chain     Chain
	apiKey    string
	log       *logging.Logger

	httpServer *http.Server
}

// NewServer builds a Server; call Start to begin listening.
func NewServer(adm *admission.Service, q *query.Service, chain Chain, apiKey string) *Server {
	return &Server{
		admission: adm,
		query:     q,
		chain:     chain,
		apiKey:    apiKey,
		log:       logging.GetDefault().Component("api"),
	}
}

// Start binds addr and begins serving in a background goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /listings", s.handleList)
	mux.HandleFunc("POST /listings", s.requireAPIKey(s.handleAdmit))
	mux.HandleFunc("GET /listings/{id}", s.handleGet)
	mux.HandleFunc("GET /listings/{id}/current-psbt", s.handleCurrentPSBT)
	mux.HandleFunc("GET /address/{addr}", s.handleByAddress)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.log.Info("http server listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || !helpers.ConstantTimeCompare([]byte(r.Header.Get("X-API-Key")), []byte(s.apiKey)) {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tip, err := s.chain.Tip(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "chain oracle unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "tip": tip})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := listing.Filter{Statuses: parseStatuses(r.URL.Query().Get("status"))}
	listings, err := s.query.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaries(listings))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	l, err := s.query.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummary(*l))
}

func (s *Server) handleCurrentPSBT(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}
	result, err := s.query.CurrentPSBT(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRevealResponse(result))
}

func (s *Server) handleByAddress(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	role := query.RoleSeller
	if r.URL.Query().Get("role") == "buyer" {
		role = query.RoleBuyer
	}
	statuses := parseStatuses(r.URL.Query().Get("status"))
	listings, err := s.query.ByAddress(r.Context(), addr, role, statuses)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaries(listings))
}

type stepBody struct {
	BlockNumber int64  `json:"block_number"`
	PriceSats   int64  `json:"price_sats"`
	PsbtData    string `json:"psbt_data"`
}

type admitRequestBody struct {
	AssetName      string     `json:"asset_name"`
	AssetQty       uint64     `json:"asset_qty"`
	AssetDivisible bool       `json:"asset_divisible"`
	Txid           string     `json:"txid"`
	Vout           uint32     `json:"vout"`
	StartBlock     int64      `json:"start_block"`
	EndBlock       int64      `json:"end_block"`
	BlocksAfterEnd int64      `json:"blocks_after_end"`
	StartPriceSats int64      `json:"start_price_sats"`
	EndPriceSats   int64      `json:"end_price_sats"`
	PriceDecrement int64      `json:"price_decrement"`
	Steps          []stepBody `json:"steps"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var body admitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	steps := make([]admission.StepRequest, len(body.Steps))
	for i, st := range body.Steps {
		steps[i] = admission.StepRequest{BlockNumber: st.BlockNumber, PriceSats: st.PriceSats, PsbtData: st.PsbtData}
	}

	id, err := s.admission.Submit(r.Context(), admission.Request{
		AssetName:      body.AssetName,
		AssetQty:       body.AssetQty,
		AssetDivisible: body.AssetDivisible,
		Txid:           body.Txid,
		Vout:           body.Vout,
		StartBlock:     body.StartBlock,
		EndBlock:       body.EndBlock,
		BlocksAfterEnd: body.BlocksAfterEnd,
		StartPriceSats: body.StartPriceSats,
		EndPriceSats:   body.EndPriceSats,
		PriceDecrement: body.PriceDecrement,
		Steps:          steps,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func parseStatuses(raw string) []listing.Status {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]listing.Status, 0, len(parts))
	for _, p := range parts {
		out = append(out, listing.Status(strings.TrimSpace(p)))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErr(w http.ResponseWriter, err error) {
	kind, ok := apperr.KindOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch kind {
	case apperr.ShapeInvalid, apperr.ScheduleInvalid, apperr.TemporalInvalid, apperr.UtxoUnavailable, apperr.AssetMismatch:
		writeError(w, http.StatusBadRequest, err.Error())
	case apperr.UtxoInUse:
		writeError(w, http.StatusConflict, err.Error())
	case apperr.NotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case apperr.OracleTransient, apperr.StoreConflict:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// listingSummary is never augmented with the PSBT schedule.
type listingSummary struct {
	ID             int64   `json:"id"`
	AssetName      string  `json:"asset_name"`
	AssetQty       string  `json:"asset_qty"`
	UTXO           string  `json:"utxo"`
	StartBlock     int64   `json:"start_block"`
	EndBlock       int64   `json:"end_block"`
	BlocksAfterEnd int64   `json:"blocks_after_end"`
	StartPriceSats int64   `json:"start_price_sats"`
	EndPriceSats   int64   `json:"end_price_sats"`
	Status         string  `json:"status"`
	Seller         string  `json:"seller"`
	CreatedAt      string  `json:"created_at"`
	SpentTxid      *string `json:"spent_txid,omitempty"`
	Recipient      *string `json:"recipient,omitempty"`
}

func toSummary(l listing.Listing) listingSummary {
	decimals := uint8(0)
	if l.AssetDivisible {
		decimals = 8
	}
	return listingSummary{
		ID:             l.ID,
		AssetName:      l.AssetName,
		AssetQty:       helpers.FormatAmount(l.AssetQty, decimals),
		UTXO:           l.UTXO.Txid + ":" + strconv.FormatUint(uint64(l.UTXO.Vout), 10),
		StartBlock:     l.StartBlock,
		EndBlock:       l.EndBlock,
		BlocksAfterEnd: l.BlocksAfterEnd,
		StartPriceSats: l.StartPriceSats,
		EndPriceSats:   l.EndPriceSats,
		Status:         string(l.Status),
		Seller:         l.Seller,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
		SpentTxid:      l.SpentTxid,
		Recipient:      l.Recipient,
	}
}

func toSummaries(listings []listing.Listing) []listingSummary {
	out := make([]listingSummary, len(listings))
	for i, l := range listings {
		out[i] = toSummary(l)
	}
	return out
}

type revealResponse struct {
	Kind        string `json:"kind"`
	BlockNumber *int64 `json:"block_number,omitempty"`
	PriceSats   *int64 `json:"price_sats,omitempty"`
	PsbtData    string `json:"psbt_data,omitempty"`
}

func toRevealResponse(r revelation.Result) revealResponse {
	resp := revealResponse{Kind: string(r.Kind)}
	if r.Step != nil {
		resp.BlockNumber = &r.Step.BlockNumber
		resp.PriceSats = &r.Step.PriceSats
		resp.PsbtData = r.Step.PsbtData
	}
	return resp
}
