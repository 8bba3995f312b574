package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/store"
	"github.com/example/bookledger/pkg/audit"
)

// Service provides the ledger engine API.
type Service struct {
	db       *store.DB
	log      zerolog.Logger
	recorder audit.Recorder
}

// NewService creates a ledger service. recorder may be nil when no audit
// sink is attached.
func NewService(db *store.DB, log zerolog.Logger, recorder audit.Recorder) *Service {
	return &Service{db: db, log: log.With().Str("component", "ledger").Logger(), recorder: recorder}
}

func (s *Service) record(op audit.Op, entity, guid string, before, after interface{}) {
	if s.recorder == nil {
		return
	}
	ev := audit.Event{Op: op, Entity: entity, GUID: guid}
	if before != nil {
		ev.Before, _ = json.Marshal(before)
	}
	if after != nil {
		ev.After, _ = json.Marshal(after)
	}
	s.recorder.Record(ev)
}

// validated is the outcome of input validation: storage-ready splits with
// values and quantities normalized to their commodity fractions.
type validated struct {
	currencyFraction int64
	splits           []*Split
}

// validateInput checks the transaction input against the book: known
// currency, at least two splits, every account known and in-book, every
// amount representable, and the split values summing to exactly zero.
// Nothing is written here; all errors are detected before any mutation.
func (s *Service) validateInput(ctx context.Context, in TransactionInput) (*validated, error) {
	if in.CurrencyGUID == "" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "currency", "transaction currency is required")
	}
	var namespace string
	var fraction int64
	err := s.db.QueryRowContext(ctx,
		"SELECT namespace, fraction FROM commodities WHERE guid = ?", in.CurrencyGUID).
		Scan(&namespace, &fraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Validationf(errs.CodeInvalidInput, "currency", "unknown currency %s", in.CurrencyGUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up currency: %w", err)
	}
	if namespace != "CURRENCY" {
		return nil, errs.Validationf(errs.CodeInvalidInput, "currency", "commodity %s is not a currency", in.CurrencyGUID)
	}

	if len(in.Splits) < 2 {
		return nil, errs.Validationf(errs.CodeInvalidInput, "splits", "a transaction needs at least 2 splits, got %d", len(in.Splits))
	}

	// One bulk account lookup for the whole split set.
	guids := make([]string, 0, len(in.Splits))
	seen := make(map[string]bool)
	for _, sp := range in.Splits {
		if sp.AccountGUID != "" && !seen[sp.AccountGUID] {
			seen[sp.AccountGUID] = true
			guids = append(guids, sp.AccountGUID)
		}
	}
	type acctInfo struct {
		commodityGUID string
		fraction      int64
	}
	known := make(map[string]acctInfo, len(guids))
	if len(guids) > 0 {
		query := fmt.Sprintf(`
			SELECT a.guid, COALESCE(a.commodity_guid, ''), COALESCE(c.fraction, 0)
			FROM accounts a
			LEFT JOIN commodities c ON c.guid = a.commodity_guid
			WHERE a.guid IN (%s) AND a.book_guid = ?`, placeholders(len(guids)))
		args := make([]interface{}, 0, len(guids)+1)
		for _, g := range guids {
			args = append(args, g)
		}
		args = append(args, in.BookGUID)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to look up split accounts: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var guid string
			var info acctInfo
			if err := rows.Scan(&guid, &info.commodityGUID, &info.fraction); err != nil {
				return nil, fmt.Errorf("failed to scan account: %w", err)
			}
			known[guid] = info
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	var missing []string
	for _, g := range guids {
		if _, ok := known[g]; !ok {
			missing = append(missing, g)
		}
	}
	for _, sp := range in.Splits {
		if sp.AccountGUID == "" {
			missing = append(missing, "(empty)")
			break
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &errs.ValidationError{
			Code:   errs.CodeUnknownAccount,
			Field:  "splits",
			Detail: "splits reference accounts outside this book",
			GUIDs:  missing,
		}
	}

	out := &validated{currencyFraction: fraction}
	values := make([]numeric.Numeric, 0, len(in.Splits))
	for i, sp := range in.Splits {
		value, err := sp.Value.Convert(fraction)
		if err != nil {
			return nil, errs.Validationf(errs.CodeMalformedAmount, fmt.Sprintf("splits[%d].value", i),
				"value %d/%d is not representable in the transaction currency (1/%d)", sp.Value.Num, sp.Value.Denom, fraction)
		}
		values = append(values, value)

		info := known[sp.AccountGUID]
		var quantity numeric.Numeric
		switch {
		case info.commodityGUID == "" || info.commodityGUID == in.CurrencyGUID:
			// Same commodity as the transaction currency: the
			// quantity is the value by definition.
			quantity = value
		case sp.Quantity == nil:
			return nil, errs.Validationf(errs.CodeInvalidInput, fmt.Sprintf("splits[%d].quantity", i),
				"quantity is required when the account commodity differs from the transaction currency")
		default:
			quantity, err = sp.Quantity.Convert(info.fraction)
			if err != nil {
				return nil, errs.Validationf(errs.CodeMalformedAmount, fmt.Sprintf("splits[%d].quantity", i),
					"quantity is not representable in the account commodity (1/%d)", info.fraction)
			}
		}

		state := sp.State
		if state == "" {
			state = ReconcileNone
		}
		if !state.Valid() {
			return nil, errs.Validationf(errs.CodeInvalidInput, fmt.Sprintf("splits[%d].reconcile_state", i),
				"unknown reconcile state %q", sp.State)
		}
		var reconcileDate *time.Time
		if state == ReconcileReconciled {
			if sp.ReconcileDate == nil {
				return nil, errs.Validationf(errs.CodeInvalidInput, fmt.Sprintf("splits[%d].reconcile_date", i),
					"a reconciled split needs a reconcile date")
			}
			d := *sp.ReconcileDate
			reconcileDate = &d
		}

		out.splits = append(out.splits, &Split{
			GUID:          uuid.New().String(),
			AccountGUID:   sp.AccountGUID,
			Memo:          sp.Memo,
			Action:        sp.Action,
			State:         state,
			ReconcileDate: reconcileDate,
			Value:         value,
			Quantity:      quantity,
			LotGUID:       sp.LotGUID,
		})
	}

	// New entries must balance exactly; the 0.001 epsilon exists only
	// for legacy imported data.
	if total := numeric.Sum(values); !total.IsZero() {
		return nil, errs.Validationf(errs.CodeUnbalanced, "splits",
			"splits sum to %s, not zero", total.StringFixed(fraction))
	}
	return out, nil
}

// CreateTransaction validates and inserts a transaction and all of its
// splits as one atomic unit, and returns the materialized transaction.
func (s *Service) CreateTransaction(ctx context.Context, in TransactionInput) (*Transaction, error) {
	v, err := s.validateInput(ctx, in)
	if err != nil {
		return nil, err
	}

	txn := &Transaction{
		GUID:         uuid.New().String(),
		BookGUID:     in.BookGUID,
		CurrencyGUID: in.CurrencyGUID,
		Num:          in.Num,
		PostDate:     in.PostDate,
		EnterDate:    time.Now(),
	}
	if txn.PostDate.IsZero() {
		txn.PostDate = txn.EnterDate
	}
	txn.Description = in.Description

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (guid, book_guid, currency_guid, num, post_date, enter_date, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, txn.GUID, txn.BookGUID, txn.CurrencyGUID, txn.Num,
		store.FormatTime(txn.PostDate), store.FormatTime(txn.EnterDate), txn.Description)
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if err := insertSplits(ctx, tx, txn.GUID, v.splits); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	created, err := s.GetTransaction(ctx, txn.GUID)
	if err != nil {
		return nil, err
	}
	s.record(audit.OpCreate, "transaction", created.GUID, nil, created)
	s.log.Info().Str("transaction", created.GUID).Int("splits", len(created.Splits)).Msg("transaction created")
	return created, nil
}

func insertSplits(ctx context.Context, tx *store.Tx, txGUID string, splits []*Split) error {
	for _, sp := range splits {
		var reconcileDate interface{}
		if sp.ReconcileDate != nil {
			reconcileDate = store.FormatTime(*sp.ReconcileDate)
		}
		var lot interface{}
		if sp.LotGUID != "" {
			lot = sp.LotGUID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO splits (guid, tx_guid, account_guid, memo, action, reconcile_state, reconcile_date,
				value_num, value_denom, quantity_num, quantity_denom, lot_guid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sp.GUID, txGUID, sp.AccountGUID, sp.Memo, sp.Action, string(sp.State), reconcileDate,
			sp.Value.Num, sp.Value.Denom, sp.Quantity.Num, sp.Quantity.Denom, lot)
		if err != nil {
			return fmt.Errorf("failed to insert split: %w", err)
		}
	}
	return nil
}

// beginHook runs after a mutation transaction opens and before its guard
// reads. Tests use it to interleave a concurrent write.
var beginHook func(ctx context.Context, tx *store.Tx)

// rowLock is the row-locking clause for guard reads, on backends that
// have one. SQLite serializes writers on a single connection, so the
// plain read inside the transaction already suffices there.
func (s *Service) rowLock() string {
	if s.db.Driver() == store.DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// assertMutable locks the transaction's splits and fails when any of them
// is reconciled. The read runs on the mutation's own transaction so a
// reconcile committed by another client cannot slip in between the check
// and the write.
func (s *Service) assertMutable(ctx context.Context, tx *store.Tx, txGUID string) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT reconcile_state FROM splits WHERE tx_guid = ?"+s.rowLock(), txGUID)
	if err != nil {
		return fmt.Errorf("failed to check reconcile states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return fmt.Errorf("failed to scan reconcile state: %w", err)
		}
		if ReconcileState(state) == ReconcileReconciled {
			return errs.Conflictf(errs.CodeReconciledLock,
				"transaction %s holds a reconciled split and cannot be modified", txGUID)
		}
	}
	return rows.Err()
}

// UpdateTransaction replaces a transaction's fields and its entire split
// set atomically. Rejected while any existing split is reconciled.
func (s *Service) UpdateTransaction(ctx context.Context, guid string, in TransactionInput) (*Transaction, error) {
	before, err := s.GetTransaction(ctx, guid)
	if err != nil {
		return nil, err
	}
	in.BookGUID = before.BookGUID

	v, err := s.validateInput(ctx, in)
	if err != nil {
		return nil, err
	}

	postDate := in.PostDate
	if postDate.IsZero() {
		postDate = before.PostDate
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if beginHook != nil {
		beginHook(ctx, tx)
	}
	if err := s.assertMutable(ctx, tx, guid); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions SET currency_guid = ?, num = ?, post_date = ?, description = ?
		WHERE guid = ?
	`, in.CurrencyGUID, in.Num, store.FormatTime(postDate), in.Description, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	// Full replacement, never a per-split diff.
	if _, err := tx.ExecContext(ctx, "DELETE FROM splits WHERE tx_guid = ?", guid); err != nil {
		return nil, fmt.Errorf("failed to delete prior splits: %w", err)
	}
	if err := insertSplits(ctx, tx, guid, v.splits); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction update: %w", err)
	}

	after, err := s.GetTransaction(ctx, guid)
	if err != nil {
		return nil, err
	}
	s.record(audit.OpUpdate, "transaction", guid, before, after)
	return after, nil
}

// DeleteTransaction removes a transaction and its splits atomically.
// Rejected while any split is reconciled.
func (s *Service) DeleteTransaction(ctx context.Context, guid string) error {
	before, err := s.GetTransaction(ctx, guid)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if beginHook != nil {
		beginHook(ctx, tx)
	}
	if err := s.assertMutable(ctx, tx, guid); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM splits WHERE tx_guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete splits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM transactions WHERE guid = ?", guid); err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction deletion: %w", err)
	}

	s.record(audit.OpDelete, "transaction", guid, before, nil)
	return nil
}

// GetTransaction loads a transaction with all of its splits.
func (s *Service) GetTransaction(ctx context.Context, guid string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, book_guid, currency_guid, num, post_date, enter_date, description
		FROM transactions WHERE guid = ?
	`, guid)
	txn, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("transaction", guid)
	}
	if err != nil {
		return nil, err
	}

	byTx, err := s.loadSplits(ctx, []string{guid})
	if err != nil {
		return nil, err
	}
	txn.Splits = byTx[guid]
	return txn, nil
}

// ListTransactions returns every transaction of the book with splits,
// ordered oldest-first. Used by export and integrity checks.
func (s *Service) ListTransactions(ctx context.Context, bookGUID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, book_guid, currency_guid, num, post_date, enter_date, description
		FROM transactions WHERE book_guid = ?
		ORDER BY post_date ASC, enter_date ASC, guid ASC
	`, bookGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	var guids []string
	for rows.Next() {
		txn, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
		guids = append(guids, txn.GUID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	byTx, err := s.loadSplits(ctx, guids)
	if err != nil {
		return nil, err
	}
	for _, txn := range txns {
		txn.Splits = byTx[txn.GUID]
	}
	return txns, nil
}

func scanTransaction(scan func(dest ...interface{}) error) (*Transaction, error) {
	var txn Transaction
	var postDate, enterDate string
	err := scan(&txn.GUID, &txn.BookGUID, &txn.CurrencyGUID, &txn.Num, &postDate, &enterDate, &txn.Description)
	if err != nil {
		return nil, err
	}
	if txn.PostDate, err = store.ParseTime(postDate); err != nil {
		return nil, err
	}
	if txn.EnterDate, err = store.ParseTime(enterDate); err != nil {
		return nil, err
	}
	return &txn, nil
}

// loadSplits fetches the splits of many transactions in one query.
func (s *Service) loadSplits(ctx context.Context, txGUIDs []string) (map[string][]*Split, error) {
	out := make(map[string][]*Split)
	if len(txGUIDs) == 0 {
		return out, nil
	}

	query := fmt.Sprintf(`
		SELECT guid, tx_guid, account_guid, memo, action, reconcile_state, reconcile_date,
			value_num, value_denom, quantity_num, quantity_denom, lot_guid
		FROM splits WHERE tx_guid IN (%s)
		ORDER BY tx_guid, guid`, placeholders(len(txGUIDs)))
	args := make([]interface{}, len(txGUIDs))
	for i, g := range txGUIDs {
		args[i] = g
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load splits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sp Split
		var reconcileDate, lot sql.NullString
		err := rows.Scan(&sp.GUID, &sp.TxGUID, &sp.AccountGUID, &sp.Memo, &sp.Action,
			(*string)(&sp.State), &reconcileDate,
			&sp.Value.Num, &sp.Value.Denom, &sp.Quantity.Num, &sp.Quantity.Denom, &lot)
		if err != nil {
			return nil, fmt.Errorf("failed to scan split: %w", err)
		}
		if reconcileDate.Valid {
			t, err := store.ParseTime(reconcileDate.String)
			if err != nil {
				return nil, err
			}
			sp.ReconcileDate = &t
		}
		sp.LotGUID = lot.String
		sp.ValueDisplay = sp.Value.String()
		sp.QuantityDisplay = sp.Quantity.String()
		out[sp.TxGUID] = append(out[sp.TxGUID], &sp)
	}
	return out, rows.Err()
}

// BulkReconcile sets the reconcile state across many splits in one pass.
// date is required and stored only for state y. Reconciliation does not
// change economic content, so no balance re-validation happens here.
// Splits already reconciled cannot be downgraded through this path; see
// Unreconcile.
func (s *Service) BulkReconcile(ctx context.Context, splitGUIDs []string, state ReconcileState, date *time.Time) error {
	if len(splitGUIDs) == 0 {
		return nil
	}
	if !state.Valid() {
		return errs.Validationf(errs.CodeInvalidInput, "state", "unknown reconcile state %q", state)
	}
	if state == ReconcileReconciled && date == nil {
		return errs.Validationf(errs.CodeInvalidInput, "date", "a reconcile date is required for state y")
	}

	var storedDate interface{}
	if state == ReconcileReconciled {
		storedDate = store.FormatTime(*date)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if beginHook != nil {
		beginHook(ctx, tx)
	}

	states, err := s.splitStates(ctx, tx, splitGUIDs)
	if err != nil {
		return err
	}
	if state != ReconcileReconciled {
		for guid, cur := range states {
			if cur == ReconcileReconciled {
				return errs.Conflictf(errs.CodeReconciledLock,
					"split %s is reconciled; unreconciling is an explicit administrative action", guid)
			}
		}
	}

	query := fmt.Sprintf(
		"UPDATE splits SET reconcile_state = ?, reconcile_date = ? WHERE guid IN (%s)",
		placeholders(len(splitGUIDs)))
	args := make([]interface{}, 0, len(splitGUIDs)+2)
	args = append(args, string(state), storedDate)
	for _, g := range splitGUIDs {
		args = append(args, g)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update reconcile state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile: %w", err)
	}

	s.record(audit.OpReconcile, "split", strings.Join(splitGUIDs, ","), states, state)
	return nil
}

// Unreconcile is the explicit administrative action that takes splits out
// of the terminal reconciled state, back to n with the date cleared.
func (s *Service) Unreconcile(ctx context.Context, splitGUIDs []string) error {
	if len(splitGUIDs) == 0 {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	states, err := s.splitStates(ctx, tx, splitGUIDs)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(
		"UPDATE splits SET reconcile_state = 'n', reconcile_date = NULL WHERE guid IN (%s)",
		placeholders(len(splitGUIDs)))
	args := make([]interface{}, len(splitGUIDs))
	for i, g := range splitGUIDs {
		args[i] = g
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to unreconcile splits: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit unreconcile: %w", err)
	}

	s.record(audit.OpReconcile, "split", strings.Join(splitGUIDs, ","), states, ReconcileNone)
	return nil
}

// splitStates loads and locks the current reconcile state per guid on
// the mutation's own transaction, failing with NotFound when any guid is
// unknown.
func (s *Service) splitStates(ctx context.Context, tx *store.Tx, splitGUIDs []string) (map[string]ReconcileState, error) {
	query := fmt.Sprintf(
		"SELECT guid, reconcile_state FROM splits WHERE guid IN (%s)%s",
		placeholders(len(splitGUIDs)), s.rowLock())
	args := make([]interface{}, len(splitGUIDs))
	for i, g := range splitGUIDs {
		args[i] = g
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load split states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]ReconcileState, len(splitGUIDs))
	for rows.Next() {
		var guid, state string
		if err := rows.Scan(&guid, &state); err != nil {
			return nil, fmt.Errorf("failed to scan split state: %w", err)
		}
		states[guid] = ReconcileState(state)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, g := range splitGUIDs {
		if _, ok := states[g]; !ok {
			return nil, errs.NotFound("split", g)
		}
	}
	return states, nil
}

// placeholders returns n comma-separated `?` markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
