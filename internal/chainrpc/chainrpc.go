// Package chainrpc adapts the broker to a Bitcoin node: tip height, UTXO
// status, spending-transaction lookup, and block/tx push notifications.
//
// Callers depend on the Oracle interface rather than a concrete client so
// that admission, the state engine and the event pipeline can be tested
// against a fake without a live node.
package chainrpc

import (
	"context"
	"errors"
)

// Severity classifies an Oracle failure so callers know whether it is
// safe to retry (Transient) or requires operator attention (Fatal).
type Severity int

const (
	// Transient covers network errors and timeouts; the caller should
	// retry on the next scheduler tick or push event without mutating
	// any listing state.
	Transient Severity = iota
	// Fatal covers auth failures and malformed responses.
	Fatal
)

// OracleError wraps a Chain/Asset Oracle failure with its severity.
type OracleError struct {
	Severity Severity
	Cause    error
}

func (e *OracleError) Error() string { return e.Cause.Error() }
func (e *OracleError) Unwrap() error { return e.Cause }

func transientErr(cause error) error { return &OracleError{Severity: Transient, Cause: cause} }
func fatalErr(cause error) error     { return &OracleError{Severity: Fatal, Cause: cause} }

// IsTransient reports whether err (or a wrapped cause) is a Transient OracleError.
func IsTransient(err error) bool {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Severity == Transient
	}
	return false
}

// UTXOInfo describes the chain state of a single output.
type UTXOInfo struct {
	Exists        bool
	Confirmations int64
	ValueSats     int64
	Address       string
}

// TxOutput is one output of a transaction, as reported by the oracle.
type TxOutput struct {
	ValueSats int64
	Address   string
}

// TxInput is one input of a transaction: the outpoint it consumes.
type TxInput struct {
	Txid string
	Vout uint32
}

// SpendingTx is the transaction that consumed a watched UTXO.
type SpendingTx struct {
	Txid        string
	BlockHeight int64
	Outputs     []TxOutput
	Inputs      []TxInput
}

// BlockNotification is a push-channel payload announcing a new tip.
type BlockNotification struct {
	Height int64
	Hash   string
}

// TxNotification is a push-channel payload announcing a new transaction,
// already parsed down to the outpoints it spends.
type TxNotification struct {
	Txid   string
	Inputs []TxInput
}

// Oracle is the capability set the rest of the system depends on. It is
// satisfied by *BitcoindClient in production and by fakes in tests.
type Oracle interface {
	Tip(ctx context.Context) (int64, error)
	UTXO(ctx context.Context, txid string, vout uint32) (UTXOInfo, error)
	IsSpent(ctx context.Context, txid string, vout uint32) (bool, error)
	SpendingTx(ctx context.Context, txid string, vout uint32) (*SpendingTx, error)
	SubscribeBlocks(ctx context.Context) (<-chan BlockNotification, error)
	SubscribeTxs(ctx context.Context) (<-chan TxNotification, error)
}
