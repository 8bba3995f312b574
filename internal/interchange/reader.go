package interchange

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/ledger"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/prices"
)

// gzipMagic is the two-byte header every gzip stream starts with.
var gzipMagic = []byte{0x1f, 0x8b}

// dateLayouts accepted on input. Export always writes the first one.
var dateLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

// Counts tallies records per kind. In a preview it reflects what the
// document contains; after a commit it reflects what was written.
type Counts struct {
	Commodities   int `json:"commodities"`
	Accounts      int `json:"accounts"`
	Transactions  int `json:"transactions"`
	Splits        int `json:"splits"`
	Prices        int `json:"prices"`
	Budgets       int `json:"budgets"`
	BudgetAmounts int `json:"budget_amounts"`
}

// Report is the outcome of an import, in either preview or commit mode.
type Report struct {
	Preview  bool     `json:"preview"`
	Counts   Counts   `json:"counts"`
	Skipped  []string `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// parsedAccount is an account record with references still unresolved.
type parsedAccount struct {
	GUID        string
	Name        string
	Type        string
	Parent      string
	Commodity   string
	Code        string
	Description string
	Hidden      bool
	Placeholder bool
}

type parsedSplit struct {
	GUID          string
	Account       string
	Memo          string
	Action        string
	State         string
	ReconcileDate *time.Time
	Value         numeric.Numeric
	Quantity      numeric.Numeric
	Lot           string
}

type parsedTransaction struct {
	GUID        string
	Currency    string
	Num         string
	PostDate    time.Time
	EnterDate   time.Time
	Description string
	Splits      []parsedSplit
}

type parsedPrice struct {
	GUID      string
	Commodity string
	Currency  string
	Date      time.Time
	Source    string
	Type      string
	Value     numeric.Numeric
}

type parsedBudgetAmount struct {
	Account string
	Period  int
	Amount  numeric.Numeric
}

type parsedBudget struct {
	GUID        string
	Name        string
	Description string
	NumPeriods  int
	PeriodType  string
	Amounts     []parsedBudgetAmount
}

// parsedDoc is a fully decoded document: every amount and date parsed,
// every reference still a raw guid string.
type parsedDoc struct {
	Name        string
	Commodities []prices.Commodity
	Accounts    []parsedAccount
	Txns        []parsedTransaction
	Prices      []parsedPrice
	Budgets     []parsedBudget
	Skipped     []string
}

func (d *parsedDoc) counts() Counts {
	c := Counts{
		Commodities:  len(d.Commodities),
		Accounts:     len(d.Accounts),
		Transactions: len(d.Txns),
		Prices:       len(d.Prices),
		Budgets:      len(d.Budgets),
	}
	for _, t := range d.Txns {
		c.Splits += len(t.Splits)
	}
	for _, b := range d.Budgets {
		c.BudgetAmounts += len(b.Amounts)
	}
	return c
}

// decode sniffs for gzip, inflates if needed, and unmarshals the XML
// container. Failures here happen before any record-level processing.
func decode(data []byte) (*xmlDocument, error) {
	if len(data) == 0 {
		return nil, errs.Documentf(errs.CodeUnreadableFile, nil, "empty input")
	}
	raw := data
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errs.Documentf(errs.CodeUnreadableFile, err, "corrupt gzip stream")
		}
		raw, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, errs.Documentf(errs.CodeUnreadableFile, err, "corrupt gzip stream")
		}
	}
	var doc xmlDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Documentf(errs.CodeMalformedDocument, err, "invalid document structure")
	}
	return &doc, nil
}

// parse turns the decoded XML into typed records. Malformed amounts,
// dates or missing structural references are fatal. Unsupported
// structures are counted as skipped, never silently dropped.
func parse(data []byte) (*parsedDoc, error) {
	doc, err := decode(data)
	if err != nil {
		return nil, err
	}

	out := &parsedDoc{Name: doc.Name}
	for _, raw := range doc.Scheduled {
		out.Skipped = append(out.Skipped, skippedLabel("scheduled transaction", raw.GUID))
	}
	for range doc.Templates {
		out.Skipped = append(out.Skipped, "template transaction block")
	}

	for i, c := range doc.Commodities {
		if c.GUID == "" || c.Mnemonic == "" || c.Namespace == "" {
			return nil, errs.Documentf(errs.CodeMalformedDocument, nil, "commodity %d missing guid, namespace or mnemonic", i)
		}
		fraction := c.Fraction
		if fraction <= 0 {
			fraction = 1
		}
		out.Commodities = append(out.Commodities, prices.Commodity{
			GUID:      c.GUID,
			Namespace: c.Namespace,
			Mnemonic:  c.Mnemonic,
			Fullname:  c.Fullname,
			Fraction:  fraction,
		})
	}

	for i, a := range doc.Accounts {
		if a.GUID == "" || a.Name == "" || a.Type == "" {
			return nil, errs.Documentf(errs.CodeMalformedDocument, nil, "account %d missing guid, name or type", i)
		}
		for range a.Lots {
			out.Skipped = append(out.Skipped, skippedLabel("account lot", a.GUID))
		}
		out.Accounts = append(out.Accounts, parsedAccount{
			GUID:        a.GUID,
			Name:        a.Name,
			Type:        a.Type,
			Parent:      a.Parent,
			Commodity:   a.Commodity,
			Code:        a.Code,
			Description: a.Description,
			Hidden:      a.Hidden,
			Placeholder: a.Placeholder,
		})
	}

	for _, t := range doc.Txns {
		pt, err := parseTransaction(t)
		if err != nil {
			return nil, err
		}
		for _, raw := range t.Lots {
			out.Skipped = append(out.Skipped, skippedLabel("transaction lot", raw.GUID))
		}
		out.Txns = append(out.Txns, pt)
	}

	for i, p := range doc.Prices {
		if p.Commodity == "" || p.Currency == "" {
			return nil, errs.Documentf(errs.CodeMalformedDocument, nil, "price %d missing commodity or currency", i)
		}
		date, err := parseDate(p.Date)
		if err != nil {
			return nil, errs.Documentf(errs.CodeMalformedDocument, err, "price %d has invalid date %q", i, p.Date)
		}
		value, err := parseRational(p.Value)
		if err != nil {
			return nil, errs.Documentf(errs.CodeMalformedDocument, err, "price %d has invalid value", i)
		}
		out.Prices = append(out.Prices, parsedPrice{
			GUID:      p.GUID,
			Commodity: p.Commodity,
			Currency:  p.Currency,
			Date:      date,
			Source:    p.Source,
			Type:      p.Type,
			Value:     value,
		})
	}

	for i, b := range doc.Budgets {
		if b.GUID == "" || b.Name == "" {
			return nil, errs.Documentf(errs.CodeMalformedDocument, nil, "budget %d missing guid or name", i)
		}
		pb := parsedBudget{
			GUID:        b.GUID,
			Name:        b.Name,
			Description: b.Description,
			NumPeriods:  b.NumPeriods,
			PeriodType:  b.PeriodType,
		}
		for j, a := range b.Amounts {
			amount, err := parseRational(a.Amount)
			if err != nil {
				return nil, errs.Documentf(errs.CodeMalformedDocument, err, "budget %q amount %d is invalid", b.Name, j)
			}
			pb.Amounts = append(pb.Amounts, parsedBudgetAmount{
				Account: a.Account,
				Period:  a.Period,
				Amount:  amount,
			})
		}
		out.Budgets = append(out.Budgets, pb)
	}

	return out, nil
}

func parseTransaction(t xmlTransaction) (parsedTransaction, error) {
	if t.GUID == "" {
		return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, nil, "transaction missing guid")
	}
	if t.Currency == "" {
		return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, nil, "transaction %s missing currency", t.GUID)
	}
	postDate, err := parseDate(t.PostDate)
	if err != nil {
		return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, err, "transaction %s has invalid post date %q", t.GUID, t.PostDate)
	}
	enterDate := postDate
	if t.EnterDate != "" {
		enterDate, err = parseDate(t.EnterDate)
		if err != nil {
			return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, err, "transaction %s has invalid enter date %q", t.GUID, t.EnterDate)
		}
	}

	pt := parsedTransaction{
		GUID:        t.GUID,
		Currency:    t.Currency,
		Num:         t.Num,
		PostDate:    postDate,
		EnterDate:   enterDate,
		Description: t.Description,
	}
	for i, s := range t.Splits {
		if s.Account == "" {
			return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, nil, "transaction %s split %d missing account", t.GUID, i)
		}
		value, err := parseRational(s.Value)
		if err != nil {
			return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, err, "transaction %s split %d has invalid value", t.GUID, i)
		}
		quantity := value
		if s.Quantity != "" {
			quantity, err = parseRational(s.Quantity)
			if err != nil {
				return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, err, "transaction %s split %d has invalid quantity", t.GUID, i)
			}
		}
		state := s.State
		if state == "" {
			state = string(ledger.ReconcileNone)
		}
		if !ledger.ReconcileState(state).Valid() {
			return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, nil, "transaction %s split %d has invalid reconcile state %q", t.GUID, i, state)
		}
		var recDate *time.Time
		if s.ReconcileDate != "" {
			d, err := parseDate(s.ReconcileDate)
			if err != nil {
				return parsedTransaction{}, errs.Documentf(errs.CodeMalformedDocument, err, "transaction %s split %d has invalid reconcile date", t.GUID, i)
			}
			recDate = &d
		}
		pt.Splits = append(pt.Splits, parsedSplit{
			GUID:          s.GUID,
			Account:       s.Account,
			Memo:          s.Memo,
			Action:        s.Action,
			State:         state,
			ReconcileDate: recDate,
			Value:         value,
			Quantity:      quantity,
			Lot:           s.Lot,
		})
	}
	return pt, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func skippedLabel(kind, guid string) string {
	if guid == "" {
		return kind
	}
	return fmt.Sprintf("%s %s", kind, guid)
}
