// Package interchange maps the relational ledger to and from a single
// hierarchical XML document describing an entire book: commodities, the
// account tree, transactions with splits, prices and budgets. Input may
// arrive gzip-compressed; content sniffing decides, file names are
// advisory only.
package interchange

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
)

// xmlDocument is the book-level container. Unsupported optional
// structures are captured explicitly so the parser can report them as
// skipped instead of dropping them silently.
type xmlDocument struct {
	XMLName     xml.Name         `xml:"ledger-book"`
	Version     string           `xml:"version,attr"`
	Name        string           `xml:"name,omitempty"`
	Commodities []xmlCommodity   `xml:"commodity"`
	Accounts    []xmlAccount     `xml:"account"`
	Txns        []xmlTransaction `xml:"transaction"`
	Prices      []xmlPrice       `xml:"price"`
	Budgets     []xmlBudget      `xml:"budget"`
	Scheduled   []xmlRaw         `xml:"scheduled-transaction"`
	Templates   []xmlRaw         `xml:"template-transactions"`
}

// xmlRaw swallows an unsupported subtree, keeping only enough to name it
// in the skipped report.
type xmlRaw struct {
	GUID  string `xml:"guid,omitempty"`
	Inner string `xml:",innerxml"`
}

type xmlCommodity struct {
	GUID      string `xml:"guid"`
	Namespace string `xml:"namespace"`
	Mnemonic  string `xml:"mnemonic"`
	Fullname  string `xml:"fullname,omitempty"`
	Fraction  int64  `xml:"fraction"`
}

type xmlAccount struct {
	GUID        string `xml:"guid"`
	Name        string `xml:"name"`
	Type        string `xml:"type"`
	Parent      string `xml:"parent,omitempty"`
	Commodity   string `xml:"commodity,omitempty"`
	Code        string `xml:"code,omitempty"`
	Description string `xml:"description,omitempty"`
	Hidden      bool   `xml:"hidden,omitempty"`
	Placeholder bool   `xml:"placeholder,omitempty"`
	// Lot bookkeeping is not modeled; parsed for the skip report only.
	Lots []xmlRaw `xml:"lots"`
}

type xmlTransaction struct {
	GUID        string     `xml:"guid"`
	Currency    string     `xml:"currency"`
	Num         string     `xml:"num,omitempty"`
	PostDate    string     `xml:"post-date"`
	EnterDate   string     `xml:"enter-date,omitempty"`
	Description string     `xml:"description,omitempty"`
	Splits      []xmlSplit `xml:"split"`
	Lots        []xmlRaw   `xml:"lots"`
}

type xmlSplit struct {
	GUID          string `xml:"guid"`
	Account       string `xml:"account"`
	Memo          string `xml:"memo,omitempty"`
	Action        string `xml:"action,omitempty"`
	State         string `xml:"reconcile-state"`
	ReconcileDate string `xml:"reconcile-date,omitempty"`
	Value         string `xml:"value"`
	Quantity      string `xml:"quantity"`
	Lot           string `xml:"lot,omitempty"`
}

type xmlPrice struct {
	GUID      string `xml:"guid"`
	Commodity string `xml:"commodity"`
	Currency  string `xml:"currency"`
	Date      string `xml:"date"`
	Source    string `xml:"source,omitempty"`
	Type      string `xml:"type,omitempty"`
	Value     string `xml:"value"`
}

type xmlBudget struct {
	GUID        string            `xml:"guid"`
	Name        string            `xml:"name"`
	Description string            `xml:"description,omitempty"`
	NumPeriods  int               `xml:"num-periods"`
	PeriodType  string            `xml:"period-type"`
	Amounts     []xmlBudgetAmount `xml:"budget-amount"`
}

type xmlBudgetAmount struct {
	Account string `xml:"account"`
	Period  int    `xml:"period"`
	Amount  string `xml:"amount"`
}

// formatRational renders an amount in the document's num/denom form.
func formatRational(n numeric.Numeric) string {
	return fmt.Sprintf("%d/%d", n.Num, n.Denom)
}

// parseRational parses the document's num/denom form. An unparseable
// amount is a structural failure; callers escalate it to a fatal
// document error.
func parseRational(s string) (numeric.Numeric, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return numeric.Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "%q is not in num/denom form", s)
	}
	num, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return numeric.Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "bad numerator in %q", s)
	}
	denom, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || denom <= 0 {
		return numeric.Numeric{}, errs.Validationf(errs.CodeMalformedAmount, "amount", "bad denominator in %q", s)
	}
	return numeric.Numeric{Num: num, Denom: denom}, nil
}
