package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bookledger/internal/accounts"
	"github.com/example/bookledger/internal/book"
	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/prices"
	"github.com/example/bookledger/internal/store"
	"github.com/example/bookledger/pkg/audit"
)

// fixture is a migrated database with one book, a USD currency, an ACME
// security and a small account tree.
type fixture struct {
	db       *store.DB
	svc      *Service
	chain    *audit.ChainLogger
	book     *book.Book
	usd      *prices.Commodity
	acme     *prices.Commodity
	checking *accounts.Account
	salary   *accounts.Account
	grocery  *accounts.Account
	broker   *accounts.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	log := zerolog.Nop()
	b, err := book.NewService(db, log).Create(ctx, "Test")
	require.NoError(t, err)

	priceSvc := prices.NewService(db, log)
	usd, err := priceSvc.EnsureCommodity(ctx, prices.NamespaceCurrency, "USD", "US Dollar", 100)
	require.NoError(t, err)
	acme, err := priceSvc.EnsureCommodity(ctx, "NYSE", "ACME", "Acme Corp", 10000)
	require.NoError(t, err)

	acctSvc := accounts.NewService(db, log)
	mkAccount := func(name string, typ accounts.Type, commodity string) *accounts.Account {
		a, err := acctSvc.Create(ctx, accounts.CreateRequest{
			BookGUID:      b.GUID,
			ParentGUID:    b.RootAccountGUID,
			Name:          name,
			Type:          typ,
			CommodityGUID: commodity,
		})
		require.NoError(t, err)
		return a
	}

	chain := audit.NewChainLogger()
	return &fixture{
		db:       db,
		svc:      NewService(db, log, chain),
		chain:    chain,
		book:     b,
		usd:      usd,
		acme:     acme,
		checking: mkAccount("Checking", accounts.TypeBank, usd.GUID),
		salary:   mkAccount("Salary", accounts.TypeIncome, usd.GUID),
		grocery:  mkAccount("Groceries", accounts.TypeExpense, usd.GUID),
		broker:   mkAccount("Brokerage", accounts.TypeStock, acme.GUID),
	}
}

func cents(n int64) numeric.Numeric { return numeric.Numeric{Num: n, Denom: 100} }

// simpleInput is a two-split transfer in the fixture currency.
func (f *fixture) simpleInput(amountCents int64, from, to string, postDate time.Time) TransactionInput {
	return TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		PostDate:     postDate,
		Description:  "transfer",
		Splits: []SplitInput{
			{AccountGUID: to, Value: cents(amountCents)},
			{AccountGUID: from, Value: cents(-amountCents)},
		},
	}
}

func TestCreateTransactionBalanced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.CreateTransaction(ctx, f.simpleInput(150000, f.salary.GUID, f.checking.GUID,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	require.Len(t, txn.Splits, 2)
	assert.False(t, txn.EnterDate.IsZero())

	var displays []string
	for _, sp := range txn.Splits {
		displays = append(displays, sp.ValueDisplay)
		// Quantities default to values for same-commodity accounts.
		assert.True(t, sp.Value.Equal(sp.Quantity))
		assert.Equal(t, ReconcileNone, sp.State)
	}
	assert.ElementsMatch(t, []string{"1500.00", "-1500.00"}, displays)

	entries := f.chain.Entries()
	require.NotEmpty(t, entries)
	assert.True(t, audit.VerifyChain(entries))
}

func TestCreateTransactionRejectsImbalance(t *testing.T) {
	f := newFixture(t)

	in := TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		Splits: []SplitInput{
			{AccountGUID: f.checking.GUID, Value: cents(1000)},
			{AccountGUID: f.salary.GUID, Value: cents(-999)}, // off by one cent
		},
	}
	_, err := f.svc.CreateTransaction(context.Background(), in)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.CodeUnbalanced, verr.Code)

	// Nothing must have been written.
	var n int
	require.NoError(t, f.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM transactions").Scan(&n))
	assert.Equal(t, 0, n)
}

func TestCreateTransactionInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("single split", func(t *testing.T) {
		_, err := f.svc.CreateTransaction(ctx, TransactionInput{
			BookGUID:     f.book.GUID,
			CurrencyGUID: f.usd.GUID,
			Splits:       []SplitInput{{AccountGUID: f.checking.GUID, Value: cents(0)}},
		})
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, errs.CodeInvalidInput, verr.Code)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := f.svc.CreateTransaction(ctx, TransactionInput{
			BookGUID:     f.book.GUID,
			CurrencyGUID: f.usd.GUID,
			Splits: []SplitInput{
				{AccountGUID: "ghost", Value: cents(500)},
				{AccountGUID: f.checking.GUID, Value: cents(-500)},
			},
		})
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, errs.CodeUnknownAccount, verr.Code)
		assert.Contains(t, verr.GUIDs, "ghost")
	})

	t.Run("non-currency commodity refused", func(t *testing.T) {
		_, err := f.svc.CreateTransaction(ctx, TransactionInput{
			BookGUID:     f.book.GUID,
			CurrencyGUID: f.acme.GUID,
			Splits: []SplitInput{
				{AccountGUID: f.checking.GUID, Value: cents(500)},
				{AccountGUID: f.salary.GUID, Value: cents(-500)},
			},
		})
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, errs.CodeInvalidInput, verr.Code)
	})

	t.Run("value not representable in currency fraction", func(t *testing.T) {
		third := numeric.Numeric{Num: 1, Denom: 3}
		_, err := f.svc.CreateTransaction(ctx, TransactionInput{
			BookGUID:     f.book.GUID,
			CurrencyGUID: f.usd.GUID,
			Splits: []SplitInput{
				{AccountGUID: f.checking.GUID, Value: third},
				{AccountGUID: f.salary.GUID, Value: third.Neg()},
			},
		})
		var verr *errs.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, errs.CodeMalformedAmount, verr.Code)
	})
}

func TestStockPurchaseUsesAccountQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Buy 10.5 ACME shares for $2100.00.
	shares := numeric.Numeric{Num: 105000, Denom: 10000}
	txn, err := f.svc.CreateTransaction(ctx, TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		Description:  "buy acme",
		Splits: []SplitInput{
			{AccountGUID: f.broker.GUID, Value: cents(210000), Quantity: &shares},
			{AccountGUID: f.checking.GUID, Value: cents(-210000)},
		},
	})
	require.NoError(t, err)

	for _, sp := range txn.Splits {
		if sp.AccountGUID == f.broker.GUID {
			assert.True(t, sp.Quantity.Equal(shares))
			assert.Equal(t, int64(10000), sp.Quantity.Denom)
		}
	}

	// Quantity is mandatory when commodities differ.
	_, err = f.svc.CreateTransaction(ctx, TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		Splits: []SplitInput{
			{AccountGUID: f.broker.GUID, Value: cents(100)},
			{AccountGUID: f.checking.GUID, Value: cents(-100)},
		},
	})
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.CodeInvalidInput, verr.Code)
}

func TestUpdateTransactionReplacesSplits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.CreateTransaction(ctx, f.simpleInput(5000, f.checking.GUID, f.grocery.GUID,
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	originalEnter := txn.EnterDate

	in := TransactionInput{
		CurrencyGUID: f.usd.GUID,
		Description:  "corrected",
		Splits: []SplitInput{
			{AccountGUID: f.grocery.GUID, Value: cents(5500)},
			{AccountGUID: f.checking.GUID, Value: cents(-5500)},
		},
	}
	updated, err := f.svc.UpdateTransaction(ctx, txn.GUID, in)
	require.NoError(t, err)
	assert.Equal(t, "corrected", updated.Description)
	require.Len(t, updated.Splits, 2)
	// EnterDate survives the update; PostDate carries over when unset.
	assert.True(t, updated.EnterDate.Equal(originalEnter))
	assert.True(t, updated.PostDate.Equal(txn.PostDate))

	// The old split rows are gone, not orphaned.
	var n int
	require.NoError(t, f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM splits").Scan(&n))
	assert.Equal(t, 2, n)
}

func TestReconciledSplitLocksTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.CreateTransaction(ctx, f.simpleInput(5000, f.checking.GUID, f.grocery.GUID, time.Time{}))
	require.NoError(t, err)

	when := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.BulkReconcile(ctx, []string{txn.Splits[0].GUID}, ReconcileReconciled, &when))

	_, err = f.svc.UpdateTransaction(ctx, txn.GUID, TransactionInput{
		CurrencyGUID: f.usd.GUID,
		Splits: []SplitInput{
			{AccountGUID: f.grocery.GUID, Value: cents(1)},
			{AccountGUID: f.checking.GUID, Value: cents(-1)},
		},
	})
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	err = f.svc.DeleteTransaction(ctx, txn.GUID)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	// Unreconcile is the explicit way out; afterwards deletion works.
	require.NoError(t, f.svc.Unreconcile(ctx, []string{txn.Splits[0].GUID}))
	require.NoError(t, f.svc.DeleteTransaction(ctx, txn.GUID))
}

// A reconcile committed by another client after the mutation's
// transaction opens must still trip the lock: the guard reads run inside
// that transaction, not before it.
func TestConcurrentReconcileBlocksMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.CreateTransaction(ctx, f.simpleInput(5000, f.checking.GUID, f.grocery.GUID, time.Time{}))
	require.NoError(t, err)
	locked := txn.Splits[0].GUID
	when := store.FormatTime(time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	// Interleave the competing reconcile between begin and guard read.
	beginHook = func(ctx context.Context, tx *store.Tx) {
		_, err := tx.ExecContext(ctx,
			"UPDATE splits SET reconcile_state = 'y', reconcile_date = ? WHERE guid = ?", when, locked)
		require.NoError(t, err)
	}
	defer func() { beginHook = nil }()

	var conflict *errs.ConflictError

	_, err = f.svc.UpdateTransaction(ctx, txn.GUID, TransactionInput{
		CurrencyGUID: f.usd.GUID,
		Splits: []SplitInput{
			{AccountGUID: f.grocery.GUID, Value: cents(100)},
			{AccountGUID: f.checking.GUID, Value: cents(-100)},
		},
	})
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	err = f.svc.DeleteTransaction(ctx, txn.GUID)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	err = f.svc.BulkReconcile(ctx, []string{locked}, ReconcileCleared, nil)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	// Each rejection rolled back, taking the interleaved reconcile with
	// it; without the hook the transaction is still mutable.
	beginHook = nil
	got, err := f.svc.GetTransaction(ctx, txn.GUID)
	require.NoError(t, err)
	for _, sp := range got.Splits {
		assert.Equal(t, ReconcileNone, sp.State)
	}
	require.NoError(t, f.svc.DeleteTransaction(ctx, txn.GUID))
}

func TestBulkReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn, err := f.svc.CreateTransaction(ctx, f.simpleInput(5000, f.checking.GUID, f.grocery.GUID, time.Time{}))
	require.NoError(t, err)
	guids := []string{txn.Splits[0].GUID, txn.Splits[1].GUID}

	// Empty set is a no-op.
	require.NoError(t, f.svc.BulkReconcile(ctx, nil, ReconcileCleared, nil))

	// n -> c needs no date.
	require.NoError(t, f.svc.BulkReconcile(ctx, guids, ReconcileCleared, nil))
	got, err := f.svc.GetTransaction(ctx, txn.GUID)
	require.NoError(t, err)
	for _, sp := range got.Splits {
		assert.Equal(t, ReconcileCleared, sp.State)
		assert.Nil(t, sp.ReconcileDate)
	}

	// y requires a date.
	err = f.svc.BulkReconcile(ctx, guids, ReconcileReconciled, nil)
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, errs.CodeInvalidInput, verr.Code)

	when := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.svc.BulkReconcile(ctx, guids, ReconcileReconciled, &when))
	got, err = f.svc.GetTransaction(ctx, txn.GUID)
	require.NoError(t, err)
	for _, sp := range got.Splits {
		assert.Equal(t, ReconcileReconciled, sp.State)
		require.NotNil(t, sp.ReconcileDate)
		assert.True(t, sp.ReconcileDate.Equal(when))
	}

	// Re-reconciling is idempotent; downgrading through this path is not
	// allowed.
	require.NoError(t, f.svc.BulkReconcile(ctx, guids, ReconcileReconciled, &when))
	err = f.svc.BulkReconcile(ctx, guids, ReconcileCleared, nil)
	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, errs.CodeReconciledLock, conflict.Code)

	// Unknown split guid.
	err = f.svc.BulkReconcile(ctx, []string{"ghost"}, ReconcileCleared, nil)
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListTransactionsOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dates := []time.Time{
		time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, d := range dates {
		_, err := f.svc.CreateTransaction(ctx, f.simpleInput(100, f.salary.GUID, f.checking.GUID, d))
		require.NoError(t, err)
	}

	txns, err := f.svc.ListTransactions(ctx, f.book.GUID)
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.True(t, txns[0].PostDate.Before(txns[1].PostDate))
	assert.True(t, txns[1].PostDate.Before(txns[2].PostDate))
	for _, txn := range txns {
		assert.Len(t, txn.Splits, 2)
	}
}
