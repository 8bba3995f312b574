// Package ledger implements double-entry transaction bookkeeping: balanced
// transactions composed of splits, the reconcile state machine, budgets
// and the paginated running-balance register. Every mutation executes
// inside one database transaction and emits an audit event.
package ledger

import (
	"time"

	"github.com/example/bookledger/internal/numeric"
)

// ReconcileState is the per-split reconciliation state machine:
// n (not reconciled) -> c (cleared) -> y (reconciled). y is terminal for
// the standard update and delete paths.
type ReconcileState string

// Reconcile states.
const (
	ReconcileNone       ReconcileState = "n"
	ReconcileCleared    ReconcileState = "c"
	ReconcileReconciled ReconcileState = "y"
)

// Valid reports whether s is a known reconcile state.
func (s ReconcileState) Valid() bool {
	switch s {
	case ReconcileNone, ReconcileCleared, ReconcileReconciled:
		return true
	}
	return false
}

// Split is one leg of a transaction: a signed amount posted to one
// account. Value is denominated in the transaction currency, Quantity in
// the account commodity; they are equal when the two commodities match.
type Split struct {
	GUID            string          `json:"guid"`
	TxGUID          string          `json:"tx_guid"`
	AccountGUID     string          `json:"account_guid"`
	Memo            string          `json:"memo,omitempty"`
	Action          string          `json:"action,omitempty"`
	State           ReconcileState  `json:"reconcile_state"`
	ReconcileDate   *time.Time      `json:"reconcile_date,omitempty"`
	Value           numeric.Numeric `json:"value"`
	Quantity        numeric.Numeric `json:"quantity"`
	LotGUID         string          `json:"lot_guid,omitempty"`
	ValueDisplay    string          `json:"value_display,omitempty"`
	QuantityDisplay string          `json:"quantity_display,omitempty"`
}

// Transaction is a balanced set of at least two splits. PostDate is the
// economic date; EnterDate is the audit timestamp of creation.
type Transaction struct {
	GUID         string     `json:"guid"`
	BookGUID     string     `json:"book_guid"`
	CurrencyGUID string     `json:"currency_guid"`
	Num          string     `json:"num,omitempty"`
	PostDate     time.Time  `json:"post_date"`
	EnterDate    time.Time  `json:"enter_date"`
	Description  string     `json:"description"`
	Splits       []*Split   `json:"splits"`
}

// Budget is a named set of per-period target amounts. The period count
// and recurrence period type are immutable after creation.
type Budget struct {
	GUID        string          `json:"guid"`
	BookGUID    string          `json:"book_guid"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	NumPeriods  int             `json:"num_periods"`
	PeriodType  string          `json:"period_type"`
	Amounts     []*BudgetAmount `json:"amounts,omitempty"`
}

// BudgetAmount is one (budget, account, period) target.
type BudgetAmount struct {
	BudgetGUID  string          `json:"budget_guid"`
	AccountGUID string          `json:"account_guid"`
	Period      int             `json:"period"`
	Amount      numeric.Numeric `json:"amount"`
}

// SplitInput carries one leg of a transaction being created or updated.
// A nil Quantity defaults to Value when the account commodity matches the
// transaction currency.
type SplitInput struct {
	AccountGUID   string
	Memo          string
	Action        string
	Value         numeric.Numeric
	Quantity      *numeric.Numeric
	State         ReconcileState
	ReconcileDate *time.Time
	LotGUID       string
}

// TransactionInput carries a transaction being created or updated.
// Updates replace the whole split set; splits are never mutated
// individually.
type TransactionInput struct {
	BookGUID     string
	CurrencyGUID string
	Num          string
	PostDate     time.Time
	Description  string
	Splits       []SplitInput
}
