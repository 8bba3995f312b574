package store

import (
	"context"
	"fmt"
)

// schema is the relational shape of a book: a commodity registry, an
// account tree per book, balanced transactions with their splits, dated
// price quotes and per-period budget targets. All monetary columns are
// (num, denom) integer pairs; timestamps are RFC3339 TEXT in UTC.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS books (
		guid              TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		root_account_guid TEXT NOT NULL,
		created_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commodities (
		guid      TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		mnemonic  TEXT NOT NULL,
		fullname  TEXT NOT NULL DEFAULT '',
		fraction  INTEGER NOT NULL,
		UNIQUE (namespace, mnemonic)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		guid           TEXT PRIMARY KEY,
		book_guid      TEXT NOT NULL REFERENCES books(guid),
		parent_guid    TEXT REFERENCES accounts(guid),
		name           TEXT NOT NULL,
		account_type   TEXT NOT NULL,
		commodity_guid TEXT REFERENCES commodities(guid),
		code           TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		hidden         INTEGER NOT NULL DEFAULT 0,
		placeholder    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_book ON accounts(book_guid)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_parent ON accounts(parent_guid)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		guid          TEXT PRIMARY KEY,
		book_guid     TEXT NOT NULL REFERENCES books(guid),
		currency_guid TEXT NOT NULL REFERENCES commodities(guid),
		num           TEXT NOT NULL DEFAULT '',
		post_date     TEXT NOT NULL,
		enter_date    TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_book_post ON transactions(book_guid, post_date)`,
	`CREATE TABLE IF NOT EXISTS splits (
		guid            TEXT PRIMARY KEY,
		tx_guid         TEXT NOT NULL REFERENCES transactions(guid) ON DELETE CASCADE,
		account_guid    TEXT NOT NULL REFERENCES accounts(guid),
		memo            TEXT NOT NULL DEFAULT '',
		action          TEXT NOT NULL DEFAULT '',
		reconcile_state TEXT NOT NULL DEFAULT 'n',
		reconcile_date  TEXT,
		value_num       INTEGER NOT NULL,
		value_denom     INTEGER NOT NULL,
		quantity_num    INTEGER NOT NULL,
		quantity_denom  INTEGER NOT NULL,
		lot_guid        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_splits_tx ON splits(tx_guid)`,
	`CREATE INDEX IF NOT EXISTS idx_splits_account ON splits(account_guid)`,
	`CREATE TABLE IF NOT EXISTS budgets (
		guid        TEXT PRIMARY KEY,
		book_guid   TEXT NOT NULL REFERENCES books(guid),
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		num_periods INTEGER NOT NULL,
		period_type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS budget_amounts (
		budget_guid  TEXT NOT NULL REFERENCES budgets(guid) ON DELETE CASCADE,
		account_guid TEXT NOT NULL REFERENCES accounts(guid),
		period_num   INTEGER NOT NULL,
		amount_num   INTEGER NOT NULL,
		amount_denom INTEGER NOT NULL,
		PRIMARY KEY (budget_guid, account_guid, period_num)
	)`,
}

// pricesSchema is per driver so seq is allocated by the database itself.
// Same-day quotes tie-break on seq, so two writers must never share one;
// MAX+1 in a read-committed transaction can.
var pricesSchema = map[string][]string{
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS prices (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			guid           TEXT NOT NULL UNIQUE,
			commodity_guid TEXT NOT NULL REFERENCES commodities(guid),
			currency_guid  TEXT NOT NULL REFERENCES commodities(guid),
			quote_date     TEXT NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			price_type     TEXT NOT NULL DEFAULT '',
			value_num      INTEGER NOT NULL,
			value_denom    INTEGER NOT NULL
		)`,
	},
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS prices (
			seq            BIGSERIAL PRIMARY KEY,
			guid           TEXT NOT NULL UNIQUE,
			commodity_guid TEXT NOT NULL REFERENCES commodities(guid),
			currency_guid  TEXT NOT NULL REFERENCES commodities(guid),
			quote_date     TEXT NOT NULL,
			source         TEXT NOT NULL DEFAULT '',
			price_type     TEXT NOT NULL DEFAULT '',
			value_num      INTEGER NOT NULL,
			value_denom    INTEGER NOT NULL
		)`,
	},
}

// Migrate applies the schema. Statements are idempotent so the call is
// safe on every startup.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := append([]string{}, schema...)
	stmts = append(stmts, pricesSchema[db.driver]...)
	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_prices_lookup ON prices(commodity_guid, currency_guid, quote_date)`)
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
