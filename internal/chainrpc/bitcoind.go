package chainrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/pepebroker/pkg/logging"
)

// Config holds the connection details for a Bitcoin Core JSON-RPC endpoint.
type Config struct {
	Host string
	Port int
	User string
	Pass string

	// HistoryScanBlocks bounds how far back SpendingTx scans looking for
	// the transaction that consumed a watched UTXO. Zero selects a
	// sensible default.
	HistoryScanBlocks int64

	// RequestTimeout bounds every individual JSON-RPC call. Zero selects
	// a sensible default.
	RequestTimeout time.Duration
}

const defaultHistoryScanBlocks = 2016
const defaultRequestTimeout = 10 * time.Second

// BitcoindClient implements Oracle against a Bitcoin Core JSON-RPC endpoint,
// with the two push subscriptions backed by ZMQ.
type BitcoindClient struct {
	url        string
	user, pass string
	httpClient *http.Client
	requestID  atomic.Uint64
	scanDepth  int64
	zmq        ZMQConfig
	log        *logging.Logger
}

// NewBitcoindClient builds a client from Config and zmqCfg. log may be
// nil, in which case the package default logger is used.
func NewBitcoindClient(cfg Config, zmqCfg ZMQConfig, log *logging.Logger) *BitcoindClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	depth := cfg.HistoryScanBlocks
	if depth <= 0 {
		depth = defaultHistoryScanBlocks
	}
	if log == nil {
		log = logging.GetDefault().Component("chain-oracle")
	}
	return &BitcoindClient{
		url:        fmt.Sprintf("http://%s:%d/", cfg.Host, cfg.Port),
		user:       cfg.User,
		pass:       cfg.Pass,
		httpClient: &http.Client{Timeout: timeout},
		scanDepth:  depth,
		zmq:        zmqCfg,
		log:        log,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *BitcoindClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	id := c.requestID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fatalErr(fmt.Errorf("encode %s request: %w", method, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fatalErr(fmt.Errorf("build %s request: %w", method, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.user, c.pass)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transientErr(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fatalErr(fmt.Errorf("%s: unauthorized", method))
	}
	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return transientErr(fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, respBody))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fatalErr(fmt.Errorf("%s: decode response: %w", method, err))
	}
	if envelope.Error != nil {
		return fatalErr(fmt.Errorf("%s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fatalErr(fmt.Errorf("%s: decode result: %w", method, err))
	}
	return nil
}

// Tip returns the current best-chain height via getblockcount.
func (c *BitcoindClient) Tip(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

type gettxoutResult struct {
	Confirmations int64 `json:"confirmations"`
	Value         float64 `json:"value"`
	ScriptPubKey  struct {
		Address string `json:"address"`
	} `json:"scriptPubKey"`
}

// UTXO reports the confirmation/value/address state of an output via gettxout.
func (c *BitcoindClient) UTXO(ctx context.Context, txid string, vout uint32) (UTXOInfo, error) {
	var result *gettxoutResult
	if err := c.call(ctx, "gettxout", []interface{}{txid, vout, true}, &result); err != nil {
		return UTXOInfo{}, err
	}
	if result == nil {
		return UTXOInfo{Exists: false}, nil
	}
	return UTXOInfo{
		Exists:        true,
		Confirmations: result.Confirmations,
		ValueSats:     btcToSats(result.Value),
		Address:       result.ScriptPubKey.Address,
	}, nil
}

// IsSpent is a convenience wrapper over UTXO: any output gettxout does
// not report is treated as spent. An outpoint that never existed is not
// told apart from one that was spent.
func (c *BitcoindClient) IsSpent(ctx context.Context, txid string, vout uint32) (bool, error) {
	info, err := c.UTXO(ctx, txid, vout)
	if err != nil {
		return false, err
	}
	return !info.Exists, nil
}

type verboseBlock struct {
	Height int64         `json:"height"`
	Hash   string        `json:"hash"`
	Tx     []verboseTx   `json:"tx"`
}

type verboseTx struct {
	Txid string `json:"txid"`
	Vin  []struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"vin"`
	Vout []struct {
		Value        float64 `json:"value"`
		ScriptPubKey struct {
			Address string `json:"address"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

// SpendingTx scans recent blocks, newest first, for a transaction whose
// inputs consume (txid, vout). Bitcoin Core's JSON-RPC has no direct
// "find the spender of this outpoint" call without txindex+an address
// index, so this is a bounded best-effort scan over a fixed lookback
// window rather than an exhaustive search.
func (c *BitcoindClient) SpendingTx(ctx context.Context, txid string, vout uint32) (*SpendingTx, error) {
	tip, err := c.Tip(ctx)
	if err != nil {
		return nil, err
	}

	oldest := tip - c.scanDepth
	if oldest < 0 {
		oldest = 0
	}

	for height := tip; height >= oldest; height-- {
		var hash string
		if err := c.call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
			return nil, err
		}
		var block verboseBlock
		if err := c.call(ctx, "getblock", []interface{}{hash, 2}, &block); err != nil {
			return nil, err
		}
		for _, tx := range block.Tx {
			for _, in := range tx.Vin {
				if in.Txid == txid && in.Vout == vout {
					outputs := make([]TxOutput, 0, len(tx.Vout))
					for _, o := range tx.Vout {
						outputs = append(outputs, TxOutput{
							ValueSats: btcToSats(o.Value),
							Address:   o.ScriptPubKey.Address,
						})
					}
					inputs := make([]TxInput, 0, len(tx.Vin))
					for _, i := range tx.Vin {
						inputs = append(inputs, TxInput{Txid: i.Txid, Vout: i.Vout})
					}
					return &SpendingTx{
						Txid:        tx.Txid,
						BlockHeight: block.Height,
						Outputs:     outputs,
						Inputs:      inputs,
					}, nil
				}
			}
		}
	}
	return nil, nil
}

func btcToSats(btc float64) int64 {
	return int64(btc*1e8 + 0.5)
}
