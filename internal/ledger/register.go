package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/store"
)

// RegisterQuery selects a page of an account's history. A nil EndDate
// means no date bound; Limit <= 0 returns everything from Offset on.
type RegisterQuery struct {
	Limit   int
	Offset  int
	EndDate *time.Time
}

// RegisterRow is one transaction in an account's register together with
// the account's net quantity in it and the running balance immediately
// after it. The transaction carries all of its splits so counterpart
// accounts can be displayed.
type RegisterRow struct {
	Transaction *Transaction    `json:"transaction"`
	Quantity    numeric.Numeric `json:"quantity"`
	Balance     numeric.Numeric `json:"balance"`
}

// RegisterPage is a newest-first page of rows plus the aggregates the
// walk was anchored on.
type RegisterPage struct {
	Rows            []RegisterRow   `json:"rows"`
	TotalBalance    numeric.Numeric `json:"total_balance"`
	StartingBalance numeric.Numeric `json:"starting_balance"`
}

// registerOrder is the shared transaction ordering of the register:
// newest first, entry timestamp then guid as tie-breaks. The aggregate
// window and the page fetch must agree on this or running balances
// diverge across page boundaries.
const registerOrder = "t.post_date DESC, t.enter_date DESC, t.guid DESC"

// AccountRegister reconstructs running balances for one account: a page
// of transactions ordered newest-first where each row shows the balance
// immediately after that transaction. The full history is never walked;
// the page is anchored on two aggregate sums.
func (s *Service) AccountRegister(ctx context.Context, bookGUID, accountGUID string, q RegisterQuery) (*RegisterPage, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM accounts WHERE guid = ? AND book_guid = ?", accountGUID, bookGUID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("account", accountGUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check account: %w", err)
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var endBound interface{}
	if q.EndDate != nil {
		endBound = store.FormatTime(*q.EndDate)
	}

	total, err := s.quantitySum(ctx, `
		SELECT s.quantity_denom, SUM(s.quantity_num)
		FROM splits s
		JOIN transactions t ON t.guid = s.tx_guid
		WHERE s.account_guid = ? AND (? IS NULL OR t.post_date <= ?)
		GROUP BY s.quantity_denom
	`, accountGUID, endBound, endBound)
	if err != nil {
		return nil, err
	}

	starting := total
	if q.Offset > 0 {
		newer, err := s.quantitySum(ctx, `
			SELECT s.quantity_denom, SUM(s.quantity_num)
			FROM splits s
			JOIN (
				SELECT t.guid
				FROM transactions t
				WHERE t.guid IN (SELECT tx_guid FROM splits WHERE account_guid = ?)
					AND (? IS NULL OR t.post_date <= ?)
				ORDER BY `+registerOrder+`
				LIMIT ?
			) newer ON newer.guid = s.tx_guid
			WHERE s.account_guid = ?
			GROUP BY s.quantity_denom
		`, accountGUID, endBound, endBound, q.Offset, accountGUID)
		if err != nil {
			return nil, err
		}
		starting = numeric.Sub(total, newer)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = math.MaxInt32 // effectively unbounded, portable across backends
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.guid
		FROM transactions t
		WHERE t.guid IN (SELECT tx_guid FROM splits WHERE account_guid = ?)
			AND (? IS NULL OR t.post_date <= ?)
		ORDER BY `+registerOrder+`
		LIMIT ? OFFSET ?
	`, accountGUID, endBound, endBound, limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch register page: %w", err)
	}
	defer rows.Close()

	var txGUIDs []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("failed to scan transaction guid: %w", err)
		}
		txGUIDs = append(txGUIDs, guid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &RegisterPage{TotalBalance: total, StartingBalance: starting}
	if len(txGUIDs) == 0 {
		return page, nil
	}

	txns, err := s.transactionsByGUID(ctx, txGUIDs)
	if err != nil {
		return nil, err
	}

	// Newest to oldest: show the carried balance, then peel this row's
	// quantity off for the next (older) row.
	carry := starting
	for _, guid := range txGUIDs {
		txn := txns[guid]
		if txn == nil {
			return nil, errs.NotFound("transaction", guid)
		}
		qty := numeric.Zero(1)
		for _, sp := range txn.Splits {
			if sp.AccountGUID == accountGUID {
				qty = numeric.Add(qty, sp.Quantity)
			}
		}
		page.Rows = append(page.Rows, RegisterRow{Transaction: txn, Quantity: qty, Balance: carry})
		carry = numeric.Sub(carry, qty)
	}
	return page, nil
}

// quantitySum runs an aggregate that groups split quantities by
// denominator, then combines the partial sums exactly. SQL SUM stays on
// integers this way and rational exactness survives the trip.
func (s *Service) quantitySum(ctx context.Context, query string, args ...interface{}) (numeric.Numeric, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return numeric.Numeric{}, fmt.Errorf("failed to aggregate balance: %w", err)
	}
	defer rows.Close()

	total := numeric.Zero(1)
	for rows.Next() {
		var denom, num sql.NullInt64
		if err := rows.Scan(&denom, &num); err != nil {
			return numeric.Numeric{}, fmt.Errorf("failed to scan balance aggregate: %w", err)
		}
		if !denom.Valid || denom.Int64 <= 0 {
			continue
		}
		total = numeric.Add(total, numeric.Numeric{Num: num.Int64, Denom: denom.Int64})
	}
	return total, rows.Err()
}

// TotalBalance is the direct full-history aggregate of an account's
// split quantities, optionally bounded by post date.
func (s *Service) TotalBalance(ctx context.Context, bookGUID, accountGUID string, endDate *time.Time) (numeric.Numeric, error) {
	page, err := s.AccountRegister(ctx, bookGUID, accountGUID, RegisterQuery{Limit: 1, EndDate: endDate})
	if err != nil {
		return numeric.Numeric{}, err
	}
	return page.TotalBalance, nil
}

// transactionsByGUID loads the named transactions with all their splits.
func (s *Service) transactionsByGUID(ctx context.Context, guids []string) (map[string]*Transaction, error) {
	query := fmt.Sprintf(`
		SELECT guid, book_guid, currency_guid, num, post_date, enter_date, description
		FROM transactions WHERE guid IN (%s)`, placeholders(len(guids)))
	args := make([]interface{}, len(guids))
	for i, g := range guids {
		args[i] = g
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Transaction, len(guids))
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		out[txn.GUID] = txn
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byTx, err := s.loadSplits(ctx, guids)
	if err != nil {
		return nil, err
	}
	for guid, txn := range out {
		txn.Splits = byTx[guid]
	}
	return out, nil
}
