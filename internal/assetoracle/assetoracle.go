// Package assetoracle adapts the broker to a Counterparty indexer:
// which overlay assets, if any, are bound to a given Bitcoin UTXO.
package assetoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/chainrpc"
)

// Balance is one asset binding reported for a (txid, vout).
type Balance struct {
	AssetName    string
	Quantity     uint64
	Divisibility uint8
}

// Oracle is consumed exclusively by Admission.
type Oracle interface {
	Balances(ctx context.Context, txid string, vout uint32) ([]Balance, error)
}

// Config points at a Counterparty indexer's HTTP API.
type Config struct {
	Host           string
	Port           int
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 10 * time.Second

// CounterpartyClient implements Oracle against GET
// /v2/utxos/{txid}:{vout}/balances.
type CounterpartyClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCounterpartyClient builds a client from Config.
func NewCounterpartyClient(cfg Config) *CounterpartyClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &CounterpartyClient{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func transientErr(cause error) error {
	return &chainrpc.OracleError{Severity: chainrpc.Transient, Cause: cause}
}

func fatalErr(cause error) error {
	return &chainrpc.OracleError{Severity: chainrpc.Fatal, Cause: cause}
}

type balanceRecord struct {
	Asset             string `json:"asset"`
	QuantityNormalized string `json:"quantity_normalized"`
	Divisibility      int    `json:"divisibility"`
}

// Balances fetches the full set of asset balances bound to (txid, vout).
func (c *CounterpartyClient) Balances(ctx context.Context, txid string, vout uint32) ([]Balance, error) {
	url := fmt.Sprintf("%s/v2/utxos/%s:%d/balances", c.baseURL, txid, vout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fatalErr(fmt.Errorf("build balances request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientErr(fmt.Errorf("balances request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 500 {
		return nil, transientErr(fmt.Errorf("balances request: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fatalErr(fmt.Errorf("balances request: unexpected status %d", resp.StatusCode))
	}

	var envelope struct {
		Result []balanceRecord `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fatalErr(fmt.Errorf("decode balances response: %w", err))
	}

	out := make([]Balance, 0, len(envelope.Result))
	for _, rec := range envelope.Result {
		qty, divisible, err := parseNormalizedQuantity(rec.QuantityNormalized, rec.Divisibility)
		if err != nil {
			return nil, fatalErr(fmt.Errorf("parse quantity for asset %s: %w", rec.Asset, err))
		}
		out = append(out, Balance{
			AssetName:    rec.Asset,
			Quantity:     qty,
			Divisibility: divisible,
		})
	}
	return out, nil
}
