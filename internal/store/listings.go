package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/pepebroker/internal/apperr"
	"github.com/klingon-exchange/pepebroker/internal/listing"
)

// InsertListingAtomic enforces at most one non-terminal listing per
// UTXO and inserts the listing and its steps in a single
// write transaction. The partial unique index on (utxo_txid, utxo_vout)
// WHERE status IN (non-terminal) makes the verify-then-insert atomic
// against concurrent callers: a second writer's INSERT simply fails
// the constraint rather than racing a separate existence check.
func (s *Store) InsertListingAtomic(ctx context.Context, l *listing.Listing, steps []listing.PsbtStep) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreConflict, "begin transaction", err)
	}
	defer tx.Rollback()

	now := l.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO listings (
			asset_name, asset_qty, asset_divisible, utxo_txid, utxo_vout,
			start_block, end_block, blocks_after_end,
			start_price_sats, end_price_sats, price_decrement,
			status, seller, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.AssetName, l.AssetQty, l.AssetDivisible, l.UTXO.Txid, l.UTXO.Vout,
		l.StartBlock, l.EndBlock, l.BlocksAfterEnd,
		l.StartPriceSats, l.EndPriceSats, l.PriceDecrement,
		listing.Upcoming, l.Seller, now,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, apperr.New(apperr.UtxoInUse, "a non-terminal listing already exists for this utxo")
		}
		return 0, apperr.Wrap(apperr.StoreConflict, "insert listing", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreConflict, "read inserted listing id", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO psbt_steps (listing_id, block_number, price_sats, psbt_data)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, apperr.Wrap(apperr.StoreConflict, "prepare step insert", err)
	}
	defer stmt.Close()

	for _, step := range steps {
		if _, err := stmt.ExecContext(ctx, id, step.BlockNumber, step.PriceSats, step.PsbtData); err != nil {
			return 0, apperr.Wrap(apperr.StoreConflict, "insert step", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueConstraintErr(err) {
			return 0, apperr.New(apperr.UtxoInUse, "a non-terminal listing already exists for this utxo")
		}
		return 0, apperr.Wrap(apperr.StoreConflict, "commit listing insert", err)
	}

	l.ID = id
	l.Status = listing.Upcoming
	l.CreatedAt = now
	return id, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// Get fetches a listing by id.
func (s *Store) Get(ctx context.Context, id int64) (*listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, listingSelectColumns+" FROM listings WHERE id = ?", id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("listing %d not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreConflict, "get listing", err)
	}
	return l, nil
}

// StepFor fetches the PsbtStep for a listing at a given height.
func (s *Store) StepFor(ctx context.Context, listingID, block int64) (*listing.PsbtStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT listing_id, block_number, price_sats, psbt_data FROM psbt_steps
		 WHERE listing_id = ? AND block_number = ?`, listingID, block)

	var step listing.PsbtStep
	err := row.Scan(&step.ListingID, &step.BlockNumber, &step.PriceSats, &step.PsbtData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "no psbt step at that height")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreConflict, "get step", err)
	}
	return &step, nil
}

// Steps returns every PsbtStep belonging to a listing, ordered by height.
func (s *Store) Steps(ctx context.Context, listingID int64) ([]listing.PsbtStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT listing_id, block_number, price_sats, psbt_data FROM psbt_steps
		 WHERE listing_id = ? ORDER BY block_number ASC`, listingID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreConflict, "list steps", err)
	}
	defer rows.Close()

	var steps []listing.PsbtStep
	for rows.Next() {
		var step listing.PsbtStep
		if err := rows.Scan(&step.ListingID, &step.BlockNumber, &step.PriceSats, &step.PsbtData); err != nil {
			return nil, apperr.Wrap(apperr.StoreConflict, "scan step", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// List returns listings matching filter. An empty filter matches everything.
func (s *Store) List(ctx context.Context, filter listing.Filter) ([]listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := listingSelectColumns + " FROM listings WHERE 1=1"
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.Seller != "" {
		query += " AND seller = ?"
		args = append(args, filter.Seller)
	}
	if filter.Buyer != "" {
		query += " AND recipient = ?"
		args = append(args, filter.Buyer)
	}
	query += " ORDER BY id ASC"

	return s.queryListings(ctx, query, args...)
}

// NonTerminalListings returns every listing whose status is in
// {upcoming, active, finished}, for scheduled sweeps.
func (s *Store) NonTerminalListings(ctx context.Context) ([]listing.Listing, error) {
	return s.List(ctx, listing.Filter{Statuses: []listing.Status{listing.Upcoming, listing.Active, listing.Finished}})
}

// ListingsWatchingUTXO returns the non-terminal listings pinned to (txid, vout),
// for push-driven spend handling.
func (s *Store) ListingsWatchingUTXO(ctx context.Context, txid string, vout uint32) ([]listing.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := listingSelectColumns + ` FROM listings
		WHERE utxo_txid = ? AND utxo_vout = ?
		AND status IN ('upcoming', 'active', 'finished')
		ORDER BY id ASC`
	return s.queryListings(ctx, query, txid, vout)
}

func (s *Store) queryListings(ctx context.Context, query string, args ...interface{}) ([]listing.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.StoreConflict, "list listings", err)
	}
	defer rows.Close()

	var out []listing.Listing
	for rows.Next() {
		l, err := scanListingRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.StoreConflict, "scan listing", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// SpendFields carries the terminal-state fields a sold/closed
// transition records alongside the status change.
type SpendFields struct {
	SpentTxid  string
	SpentBlock int64
	SpentAt    time.Time
	Recipient  string
}

// UpdateStatus transitions a listing to newStatus, idempotently.
// Re-applying the same status is a no-op; attempting to leave a
// terminal status is silently rejected (the row is left unchanged and
// nil is returned) so the state engine's idempotence holds regardless
// of how many times a duplicated event triggers re-evaluation.
func (s *Store) UpdateStatus(ctx context.Context, id int64, newStatus listing.Status, spend *SpendFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.StoreConflict, "begin transaction", err)
	}
	defer tx.Rollback()

	var current listing.Status
	if err := tx.QueryRowContext(ctx, "SELECT status FROM listings WHERE id = ?", id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.NotFound, fmt.Sprintf("listing %d not found", id))
		}
		return apperr.Wrap(apperr.StoreConflict, "read current status", err)
	}

	if current == newStatus {
		return tx.Commit()
	}
	if current.IsTerminal() {
		// Terminal statuses never transition again; re-applying the
		// same terminal observation is therefore a silent no-op
		// rather than an error, which is what keeps the engine
		// idempotent under duplicate push+poll events.
		return tx.Commit()
	}

	if spend != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE listings SET status = ?, spent_txid = ?, spent_block = ?, spent_at = ?, recipient = ?
			WHERE id = ?`,
			newStatus, spend.SpentTxid, spend.SpentBlock, spend.SpentAt, spend.Recipient, id)
	} else {
		_, err = tx.ExecContext(ctx, "UPDATE listings SET status = ? WHERE id = ?", newStatus, id)
	}
	if err != nil {
		return apperr.Wrap(apperr.StoreConflict, "update status", err)
	}

	return tx.Commit()
}

const listingSelectColumns = `SELECT
	id, asset_name, asset_qty, asset_divisible, utxo_txid, utxo_vout,
	start_block, end_block, blocks_after_end,
	start_price_sats, end_price_sats, price_decrement,
	status, seller, created_at,
	spent_txid, spent_block, spent_at, recipient`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row *sql.Row) (*listing.Listing, error) {
	return scanListingRow(row)
}

func scanListingRow(row rowScanner) (*listing.Listing, error) {
	var l listing.Listing
	var spentTxid, recipient sql.NullString
	var spentBlock sql.NullInt64
	var spentAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.AssetName, &l.AssetQty, &l.AssetDivisible, &l.UTXO.Txid, &l.UTXO.Vout,
		&l.StartBlock, &l.EndBlock, &l.BlocksAfterEnd,
		&l.StartPriceSats, &l.EndPriceSats, &l.PriceDecrement,
		&l.Status, &l.Seller, &l.CreatedAt,
		&spentTxid, &spentBlock, &spentAt, &recipient,
	)
	if err != nil {
		return nil, err
	}

	if spentTxid.Valid {
		l.SpentTxid = &spentTxid.String
	}
	if spentBlock.Valid {
		l.SpentBlock = &spentBlock.Int64
	}
	if spentAt.Valid {
		l.SpentAt = &spentAt.Time
	}
	if recipient.Valid {
		l.Recipient = &recipient.String
	}
	return &l, nil
}
