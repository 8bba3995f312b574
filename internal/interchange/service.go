package interchange

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/bookledger/internal/accounts"
	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/ledger"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/prices"
	"github.com/example/bookledger/internal/store"
	"github.com/example/bookledger/pkg/audit"
)

// importEpsilon is the balance tolerance applied to imported
// transactions. Documents written by other tools carry rounding residue;
// anything inside a thousandth of a unit is accepted as balanced.
var importEpsilon = numeric.Numeric{Num: 1, Denom: 1000}

// Service imports and exports whole-book documents.
type Service struct {
	db       *store.DB
	log      zerolog.Logger
	recorder audit.Recorder
	ledgers  *ledger.Service
	accounts *accounts.Service
	prices   *prices.Service
}

// NewService creates an interchange service.
func NewService(db *store.DB, log zerolog.Logger, recorder audit.Recorder,
	ledgers *ledger.Service, acc *accounts.Service, pr *prices.Service) *Service {
	return &Service{
		db:       db,
		log:      log.With().Str("component", "interchange").Logger(),
		recorder: recorder,
		ledgers:  ledgers,
		accounts: acc,
		prices:   pr,
	}
}

// Import loads a document into the given book. In preview mode the
// document is parsed and validated but nothing is written; the report
// shows exactly what a commit would do. A commit writes every accepted
// record in one database transaction: it lands whole or not at all.
func (s *Service) Import(ctx context.Context, bookGUID string, data []byte, preview bool) (*Report, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, err
	}

	plan, err := s.plan(ctx, bookGUID, doc)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Preview:  preview,
		Counts:   plan.counts(),
		Skipped:  doc.Skipped,
		Warnings: plan.warnings,
	}
	if preview {
		return report, nil
	}

	if err := s.commit(ctx, plan); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.Record(audit.Event{
			Op:     audit.OpImport,
			Entity: "book",
			GUID:   bookGUID,
		})
	}
	s.log.Info().
		Str("book_guid", bookGUID).
		Int("transactions", report.Counts.Transactions).
		Int("warnings", len(report.Warnings)).
		Msg("document imported")
	return report, nil
}

// importPlan is the resolved, validated set of records a commit will
// write. Every guid in it refers either to an existing row or to an
// earlier entry of the plan itself.
type importPlan struct {
	bookGUID    string
	rootGUID    string
	commodities []prices.Commodity
	accounts    []*accounts.Account
	txns        []*ledger.Transaction
	prices      []parsedPrice
	budgets     []parsedBudget
	warnings    []string
}

func (p *importPlan) counts() Counts {
	c := Counts{
		Commodities:  len(p.commodities),
		Accounts:     len(p.accounts),
		Transactions: len(p.txns),
		Prices:       len(p.prices),
		Budgets:      len(p.budgets),
	}
	for _, t := range p.txns {
		c.Splits += len(t.Splits)
	}
	for _, b := range p.budgets {
		c.BudgetAmounts += len(b.Amounts)
	}
	return c
}

func (p *importPlan) warnf(format string, args ...interface{}) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

// plan resolves document references against the target book and decides
// record by record what a commit would write. Records that cannot be
// resolved or do not balance produce warnings and are excluded; the rest
// of the document still imports.
func (s *Service) plan(ctx context.Context, bookGUID string, doc *parsedDoc) (*importPlan, error) {
	var rootGUID string
	err := s.db.QueryRowContext(ctx,
		"SELECT root_account_guid FROM books WHERE guid = ?", bookGUID).Scan(&rootGUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("book", bookGUID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book: %w", err)
	}

	existing, err := s.loadExisting(ctx, bookGUID)
	if err != nil {
		return nil, err
	}

	plan := &importPlan{bookGUID: bookGUID, rootGUID: rootGUID}

	// Commodities dedup by guid first, then by (namespace, mnemonic) so
	// re-imports map onto the registry instead of duplicating it.
	commodityAlias := make(map[string]string)
	for _, c := range doc.Commodities {
		if existing.commodities[c.GUID] {
			commodityAlias[c.GUID] = c.GUID
			continue
		}
		key := c.Namespace + "\x00" + c.Mnemonic
		if guid, ok := existing.commodityByName[key]; ok {
			commodityAlias[c.GUID] = guid
			continue
		}
		commodityAlias[c.GUID] = c.GUID
		existing.commodities[c.GUID] = true
		existing.commodityByName[key] = c.GUID
		plan.commodities = append(plan.commodities, c)
	}
	resolveCommodity := func(guid string) (string, bool) {
		if guid == "" {
			return "", false
		}
		if alias, ok := commodityAlias[guid]; ok {
			return alias, true
		}
		if existing.commodities[guid] {
			return guid, true
		}
		return "", false
	}

	accountAlias := s.planAccounts(doc, plan, existing, resolveCommodity)
	resolveAccount := func(guid string) (string, bool) {
		if alias, ok := accountAlias[guid]; ok {
			return alias, true
		}
		if existing.accounts[guid] {
			return guid, true
		}
		return "", false
	}

	for _, t := range doc.Txns {
		if existing.txns[t.GUID] {
			plan.warnf("transaction %s already exists; skipped", t.GUID)
			continue
		}
		currency, ok := resolveCommodity(t.Currency)
		if !ok {
			plan.warnf("transaction %s references unknown currency %s; skipped", t.GUID, t.Currency)
			continue
		}
		tx, ok := s.planTransaction(plan, t, currency, resolveAccount)
		if !ok {
			continue
		}
		plan.txns = append(plan.txns, tx)
	}

	for _, p := range doc.Prices {
		if existing.prices[p.GUID] {
			plan.warnf("price %s already exists; skipped", p.GUID)
			continue
		}
		commodity, ok := resolveCommodity(p.Commodity)
		if !ok {
			plan.warnf("price %s references unknown commodity %s; skipped", p.GUID, p.Commodity)
			continue
		}
		currency, ok := resolveCommodity(p.Currency)
		if !ok {
			plan.warnf("price %s references unknown currency %s; skipped", p.GUID, p.Currency)
			continue
		}
		p.Commodity = commodity
		p.Currency = currency
		if p.GUID == "" {
			p.GUID = uuid.New().String()
		}
		plan.prices = append(plan.prices, p)
	}

	for _, b := range doc.Budgets {
		if existing.budgets[b.GUID] {
			plan.warnf("budget %q already exists; skipped", b.Name)
			continue
		}
		if !ledger.ValidPeriodType(b.PeriodType) {
			plan.warnf("budget %q has unknown period type %q; skipped", b.Name, b.PeriodType)
			continue
		}
		if b.NumPeriods <= 0 {
			plan.warnf("budget %q has no periods; skipped", b.Name)
			continue
		}
		kept := b
		kept.Amounts = nil
		for _, a := range b.Amounts {
			account, ok := resolveAccount(a.Account)
			if !ok {
				plan.warnf("budget %q amount references unknown account %s; skipped", b.Name, a.Account)
				continue
			}
			if a.Period < 0 || a.Period >= b.NumPeriods {
				plan.warnf("budget %q amount period %d is out of range; skipped", b.Name, a.Period)
				continue
			}
			a.Account = account
			kept.Amounts = append(kept.Amounts, a)
		}
		plan.budgets = append(plan.budgets, kept)
	}

	return plan, nil
}

// planAccounts orders document accounts parents-first and resolves their
// references. ROOT-type accounts in the document map onto the target
// book's root and are never inserted. Returns the doc-guid alias map.
func (s *Service) planAccounts(doc *parsedDoc, plan *importPlan, existing *existingSets,
	resolveCommodity func(string) (string, bool)) map[string]string {

	alias := make(map[string]string)
	pending := make(map[string]parsedAccount)
	for _, a := range doc.Accounts {
		if accounts.Type(a.Type) == accounts.TypeRoot {
			alias[a.GUID] = plan.rootGUID
			continue
		}
		if existing.accounts[a.GUID] {
			alias[a.GUID] = a.GUID
			continue
		}
		pending[a.GUID] = a
	}

	resolveParent := func(guid string) (string, bool) {
		if guid == "" {
			return plan.rootGUID, true
		}
		if p, ok := alias[guid]; ok {
			return p, true
		}
		if existing.accounts[guid] {
			return guid, true
		}
		return "", false
	}

	// Fixpoint: each pass admits accounts whose parent is already placed,
	// so children always follow their parents in insert order.
	for len(pending) > 0 {
		progressed := false
		for guid, a := range pending {
			parent, ok := resolveParent(a.Parent)
			if !ok {
				continue
			}
			delete(pending, guid)
			progressed = true

			if !accounts.Type(a.Type).Valid() {
				plan.warnf("account %q has unknown type %q; skipped", a.Name, a.Type)
				continue
			}
			commodity := ""
			if a.Commodity != "" {
				c, ok := resolveCommodity(a.Commodity)
				if !ok {
					plan.warnf("account %q references unknown commodity %s; skipped", a.Name, a.Commodity)
					continue
				}
				commodity = c
			}
			alias[guid] = guid
			plan.accounts = append(plan.accounts, &accounts.Account{
				GUID:          guid,
				BookGUID:      plan.bookGUID,
				ParentGUID:    parent,
				Name:          a.Name,
				Type:          accounts.Type(a.Type),
				CommodityGUID: commodity,
				Code:          a.Code,
				Description:   a.Description,
				Hidden:        a.Hidden,
				Placeholder:   a.Placeholder,
			})
		}
		if !progressed {
			break
		}
	}
	for _, a := range pending {
		plan.warnf("account %q has unresolvable parent %s; skipped", a.Name, a.Parent)
	}
	return alias
}

// planTransaction resolves one transaction's splits and checks balance
// within the import tolerance.
func (s *Service) planTransaction(plan *importPlan, t parsedTransaction, currency string,
	resolveAccount func(string) (string, bool)) (*ledger.Transaction, bool) {

	if len(t.Splits) < 2 {
		plan.warnf("transaction %s has fewer than two splits; skipped", t.GUID)
		return nil, false
	}

	tx := &ledger.Transaction{
		GUID:         t.GUID,
		BookGUID:     plan.bookGUID,
		CurrencyGUID: currency,
		Num:          t.Num,
		PostDate:     t.PostDate,
		EnterDate:    t.EnterDate,
		Description:  t.Description,
	}
	sum := numeric.Zero(1)
	for _, sp := range t.Splits {
		account, ok := resolveAccount(sp.Account)
		if !ok {
			plan.warnf("transaction %s references unknown account %s; skipped", t.GUID, sp.Account)
			return nil, false
		}
		guid := sp.GUID
		if guid == "" {
			guid = uuid.New().String()
		}
		sum = numeric.Add(sum, sp.Value)
		tx.Splits = append(tx.Splits, &ledger.Split{
			GUID:          guid,
			TxGUID:        t.GUID,
			AccountGUID:   account,
			Memo:          sp.Memo,
			Action:        sp.Action,
			State:         ledger.ReconcileState(sp.State),
			ReconcileDate: sp.ReconcileDate,
			Value:         sp.Value,
			Quantity:      sp.Quantity,
			LotGUID:       sp.Lot,
		})
	}
	if sum.Abs().Cmp(importEpsilon) > 0 {
		plan.warnf("transaction %s does not balance (off by %d/%d); skipped", t.GUID, sum.Num, sum.Denom)
		return nil, false
	}
	return tx, true
}

// existingSets snapshots the guids already present, so imports are
// idempotent instead of duplicating.
type existingSets struct {
	commodities     map[string]bool
	commodityByName map[string]string
	accounts        map[string]bool
	txns            map[string]bool
	prices          map[string]bool
	budgets         map[string]bool
}

func (s *Service) loadExisting(ctx context.Context, bookGUID string) (*existingSets, error) {
	e := &existingSets{
		commodities:     make(map[string]bool),
		commodityByName: make(map[string]string),
		accounts:        make(map[string]bool),
		txns:            make(map[string]bool),
		prices:          make(map[string]bool),
		budgets:         make(map[string]bool),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT guid, namespace, mnemonic FROM commodities")
	if err != nil {
		return nil, fmt.Errorf("failed to load commodities: %w", err)
	}
	for rows.Next() {
		var guid, ns, mn string
		if err := rows.Scan(&guid, &ns, &mn); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan commodity: %w", err)
		}
		e.commodities[guid] = true
		e.commodityByName[ns+"\x00"+mn] = guid
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fill := func(dst map[string]bool, query string, args ...interface{}) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var guid string
			if err := rows.Scan(&guid); err != nil {
				return err
			}
			dst[guid] = true
		}
		return rows.Err()
	}
	if err := fill(e.accounts, "SELECT guid FROM accounts WHERE book_guid = ?", bookGUID); err != nil {
		return nil, fmt.Errorf("failed to load account guids: %w", err)
	}
	if err := fill(e.txns, "SELECT guid FROM transactions WHERE book_guid = ?", bookGUID); err != nil {
		return nil, fmt.Errorf("failed to load transaction guids: %w", err)
	}
	if err := fill(e.prices, "SELECT guid FROM prices"); err != nil {
		return nil, fmt.Errorf("failed to load price guids: %w", err)
	}
	if err := fill(e.budgets, "SELECT guid FROM budgets WHERE book_guid = ?", bookGUID); err != nil {
		return nil, fmt.Errorf("failed to load budget guids: %w", err)
	}
	return e, nil
}

// commit writes the plan in one database transaction, reusing prepared
// statements for the bulk kinds.
func (s *Service) commit(ctx context.Context, plan *importPlan) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range plan.commodities {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commodities (guid, namespace, mnemonic, fullname, fraction)
			VALUES (?, ?, ?, ?, ?)
		`, c.GUID, c.Namespace, c.Mnemonic, c.Fullname, c.Fraction)
		if err != nil {
			return fmt.Errorf("failed to insert commodity %s: %w", c.Mnemonic, err)
		}
	}

	accountStmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
		INSERT INTO accounts (guid, book_guid, parent_guid, name, account_type, commodity_guid, code, description, hidden, placeholder)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare account insert: %w", err)
	}
	defer accountStmt.Close()
	for _, a := range plan.accounts {
		var commodity interface{}
		if a.CommodityGUID != "" {
			commodity = a.CommodityGUID
		}
		hidden, placeholder := 0, 0
		if a.Hidden {
			hidden = 1
		}
		if a.Placeholder {
			placeholder = 1
		}
		_, err := accountStmt.ExecContext(ctx, a.GUID, a.BookGUID, a.ParentGUID, a.Name,
			string(a.Type), commodity, a.Code, a.Description, hidden, placeholder)
		if err != nil {
			return fmt.Errorf("failed to insert account %q: %w", a.Name, err)
		}
	}

	txStmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
		INSERT INTO transactions (guid, book_guid, currency_guid, num, post_date, enter_date, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare transaction insert: %w", err)
	}
	defer txStmt.Close()
	splitStmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
		INSERT INTO splits (guid, tx_guid, account_guid, memo, action, reconcile_state, reconcile_date,
			value_num, value_denom, quantity_num, quantity_denom, lot_guid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare split insert: %w", err)
	}
	defer splitStmt.Close()

	for _, t := range plan.txns {
		_, err := txStmt.ExecContext(ctx, t.GUID, t.BookGUID, t.CurrencyGUID, t.Num,
			store.FormatTime(t.PostDate), store.FormatTime(t.EnterDate), t.Description)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.GUID, err)
		}
		for _, sp := range t.Splits {
			var recDate interface{}
			if sp.ReconcileDate != nil {
				recDate = store.FormatTime(*sp.ReconcileDate)
			}
			var lot interface{}
			if sp.LotGUID != "" {
				lot = sp.LotGUID
			}
			_, err := splitStmt.ExecContext(ctx, sp.GUID, t.GUID, sp.AccountGUID, sp.Memo, sp.Action,
				string(sp.State), recDate, sp.Value.Num, sp.Value.Denom, sp.Quantity.Num, sp.Quantity.Denom, lot)
			if err != nil {
				return fmt.Errorf("failed to insert split %s: %w", sp.GUID, err)
			}
		}
	}

	if len(plan.prices) > 0 {
		// seq is database-allocated; inserting in document order keeps
		// the same-day tie-break.
		priceStmt, err := tx.PrepareContext(ctx, s.db.Rebind(`
			INSERT INTO prices (guid, commodity_guid, currency_guid, quote_date, source, price_type, value_num, value_denom)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`))
		if err != nil {
			return fmt.Errorf("failed to prepare price insert: %w", err)
		}
		defer priceStmt.Close()
		for _, p := range plan.prices {
			_, err := priceStmt.ExecContext(ctx, p.GUID, p.Commodity, p.Currency,
				store.FormatTime(p.Date), p.Source, p.Type, p.Value.Num, p.Value.Denom)
			if err != nil {
				return fmt.Errorf("failed to insert price %s: %w", p.GUID, err)
			}
		}
	}

	for _, b := range plan.budgets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO budgets (guid, book_guid, name, description, num_periods, period_type)
			VALUES (?, ?, ?, ?, ?, ?)
		`, b.GUID, plan.bookGUID, b.Name, b.Description, b.NumPeriods, b.PeriodType)
		if err != nil {
			return fmt.Errorf("failed to insert budget %q: %w", b.Name, err)
		}
		for _, a := range b.Amounts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO budget_amounts (budget_guid, account_guid, period_num, amount_num, amount_denom)
				VALUES (?, ?, ?, ?, ?)
			`, b.GUID, a.Account, a.Period, a.Amount.Num, a.Amount.Denom)
			if err != nil {
				return fmt.Errorf("failed to insert budget amount: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit import: %w", err)
	}
	return nil
}

// Export serializes a whole book to the gzip-compressed document form.
// Everything Import reads back lands with identical guids and exact
// amounts. Returns the document bytes and a suggested filename.
func (s *Service) Export(ctx context.Context, bookGUID string) ([]byte, string, error) {
	var name, rootGUID string
	err := s.db.QueryRowContext(ctx,
		"SELECT name, root_account_guid FROM books WHERE guid = ?", bookGUID).Scan(&name, &rootGUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", errs.NotFound("book", bookGUID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load book: %w", err)
	}

	doc := xmlDocument{Version: "1", Name: name}

	commodities, err := s.prices.ListCommodities(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, c := range commodities {
		doc.Commodities = append(doc.Commodities, xmlCommodity{
			GUID:      c.GUID,
			Namespace: c.Namespace,
			Mnemonic:  c.Mnemonic,
			Fullname:  c.Fullname,
			Fraction:  c.Fraction,
		})
	}

	tree, err := s.accounts.TreeOf(ctx, bookGUID)
	if err != nil {
		return nil, "", err
	}
	// Depth-first from the root keeps parents ahead of their children,
	// which lets Import place accounts in a single pass.
	tree.Walk(rootGUID, func(a *accounts.Account) {
		if a.GUID == rootGUID {
			return
		}
		parent := a.ParentGUID
		if parent == rootGUID {
			// Top-level accounts carry no parent; Import hangs them off
			// the target book's own root.
			parent = ""
		}
		doc.Accounts = append(doc.Accounts, xmlAccount{
			GUID:        a.GUID,
			Name:        a.Name,
			Type:        string(a.Type),
			Parent:      parent,
			Commodity:   a.CommodityGUID,
			Code:        a.Code,
			Description: a.Description,
			Hidden:      a.Hidden,
			Placeholder: a.Placeholder,
		})
	})

	txns, err := s.ledgers.ListTransactions(ctx, bookGUID)
	if err != nil {
		return nil, "", err
	}
	for _, t := range txns {
		xt := xmlTransaction{
			GUID:        t.GUID,
			Currency:    t.CurrencyGUID,
			Num:         t.Num,
			PostDate:    t.PostDate.UTC().Format(time.RFC3339),
			EnterDate:   t.EnterDate.UTC().Format(time.RFC3339),
			Description: t.Description,
		}
		for _, sp := range t.Splits {
			xs := xmlSplit{
				GUID:     sp.GUID,
				Account:  sp.AccountGUID,
				Memo:     sp.Memo,
				Action:   sp.Action,
				State:    string(sp.State),
				Value:    formatRational(sp.Value),
				Quantity: formatRational(sp.Quantity),
				Lot:      sp.LotGUID,
			}
			if sp.ReconcileDate != nil {
				xs.ReconcileDate = sp.ReconcileDate.UTC().Format(time.RFC3339)
			}
			xt.Splits = append(xt.Splits, xs)
		}
		doc.Txns = append(doc.Txns, xt)
	}

	priceRows, err := s.prices.ListPrices(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, p := range priceRows {
		doc.Prices = append(doc.Prices, xmlPrice{
			GUID:      p.GUID,
			Commodity: p.CommodityGUID,
			Currency:  p.CurrencyGUID,
			Date:      p.Date.UTC().Format(time.RFC3339),
			Source:    p.Source,
			Type:      p.Type,
			Value:     formatRational(p.Value),
		})
	}

	budgets, err := s.ledgers.ListBudgets(ctx, bookGUID)
	if err != nil {
		return nil, "", err
	}
	for _, b := range budgets {
		xb := xmlBudget{
			GUID:        b.GUID,
			Name:        b.Name,
			Description: b.Description,
			NumPeriods:  b.NumPeriods,
			PeriodType:  b.PeriodType,
		}
		for _, a := range b.Amounts {
			xb.Amounts = append(xb.Amounts, xmlBudgetAmount{
				Account: a.AccountGUID,
				Period:  a.Period,
				Amount:  formatRational(a.Amount),
			})
		}
		doc.Budgets = append(doc.Budgets, xb)
	}

	payload, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal document: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write([]byte(xml.Header)); err != nil {
		return nil, "", fmt.Errorf("failed to write document: %w", err)
	}
	if _, err := zw.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish gzip stream: %w", err)
	}

	filename := fmt.Sprintf("%s-%s.xml.gz", sanitizeFilename(name), time.Now().Format("20060102"))
	s.log.Info().Str("book_guid", bookGUID).Int("bytes", buf.Len()).Msg("book exported")
	return buf.Bytes(), filename, nil
}

// sanitizeFilename maps a book name to a safe filename stem.
func sanitizeFilename(name string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	if out == "" {
		out = "book"
	}
	return out
}
