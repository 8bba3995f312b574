package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bookledger/internal/errs"
	"github.com/example/bookledger/internal/numeric"
)

// seedHistory posts five deposits of 100.00, 200.00, ... 500.00 into
// checking across five consecutive days. Total 1500.00.
func seedHistory(t *testing.T, f *fixture) []time.Time {
	t.Helper()
	ctx := context.Background()
	var days []time.Time
	for i := 1; i <= 5; i++ {
		d := time.Date(2024, 3, i, 12, 0, 0, 0, time.UTC)
		days = append(days, d)
		_, err := f.svc.CreateTransaction(ctx, f.simpleInput(int64(i)*10000, f.salary.GUID, f.checking.GUID, d))
		require.NoError(t, err)
	}
	return days
}

func TestAccountRegisterFirstPage(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID, RegisterQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)

	assert.True(t, page.TotalBalance.Equal(cents(150000)))
	assert.True(t, page.StartingBalance.Equal(cents(150000)))

	// Newest first: the 500.00 deposit, balance 1500.00 after it.
	assert.True(t, page.Rows[0].Quantity.Equal(cents(50000)))
	assert.True(t, page.Rows[0].Balance.Equal(cents(150000)))
	// Then the 400.00 deposit, balance 1000.00 after it.
	assert.True(t, page.Rows[1].Quantity.Equal(cents(40000)))
	assert.True(t, page.Rows[1].Balance.Equal(cents(100000)))
}

func TestAccountRegisterZeroLimitReturnsEverything(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID, RegisterQuery{})
	require.NoError(t, err)
	require.Len(t, page.Rows, 5)
	assert.True(t, page.Rows[len(page.Rows)-1].Balance.Equal(cents(10000)))
}

func TestAccountRegisterSecondPageAnchorsOnAggregates(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID, RegisterQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)

	// The two newer transactions (500 + 400) are peeled off the total.
	assert.True(t, page.StartingBalance.Equal(cents(60000)))
	assert.True(t, page.Rows[0].Quantity.Equal(cents(30000)))
	assert.True(t, page.Rows[0].Balance.Equal(cents(60000)))
	assert.True(t, page.Rows[1].Quantity.Equal(cents(20000)))
	assert.True(t, page.Rows[1].Balance.Equal(cents(30000)))
}

func TestAccountRegisterPagesAgreeAcrossBoundaries(t *testing.T) {
	f := newFixture(t)
	seedHistory(t, f)
	ctx := context.Background()

	full, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID, RegisterQuery{})
	require.NoError(t, err)
	require.Len(t, full.Rows, 5)

	var paged []RegisterRow
	for offset := 0; offset < 5; offset += 2 {
		page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID,
			RegisterQuery{Limit: 2, Offset: offset})
		require.NoError(t, err)
		paged = append(paged, page.Rows...)
	}
	require.Len(t, paged, 5)
	for i := range full.Rows {
		assert.Equal(t, full.Rows[i].Transaction.GUID, paged[i].Transaction.GUID)
		assert.True(t, full.Rows[i].Balance.Equal(paged[i].Balance), "row %d balance", i)
	}
	// The oldest row's balance equals its own quantity.
	assert.True(t, full.Rows[4].Balance.Equal(full.Rows[4].Quantity))
}

func TestAccountRegisterEndDateBound(t *testing.T) {
	f := newFixture(t)
	days := seedHistory(t, f)
	ctx := context.Background()

	// Bound after day 3: only the first three deposits count.
	end := days[2].Add(time.Hour)
	page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.checking.GUID, RegisterQuery{EndDate: &end})
	require.NoError(t, err)
	require.Len(t, page.Rows, 3)
	assert.True(t, page.TotalBalance.Equal(cents(60000)))
	assert.True(t, page.Rows[0].Balance.Equal(cents(60000)))

	balance, err := f.svc.TotalBalance(ctx, f.book.GUID, f.checking.GUID, &end)
	require.NoError(t, err)
	assert.True(t, balance.Equal(cents(60000)))
}

func TestAccountRegisterEmptyAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	page, err := f.svc.AccountRegister(ctx, f.book.GUID, f.grocery.GUID, RegisterQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
	assert.True(t, page.TotalBalance.IsZero())
	assert.True(t, page.StartingBalance.IsZero())
}

func TestAccountRegisterUnknownAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AccountRegister(context.Background(), f.book.GUID, "ghost", RegisterQuery{})
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAccountRegisterMixedDenominatorsStayExact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A share purchase posts a 1/10000 quantity into the brokerage
	// account alongside the fixture's 1/100 cash flows.
	shares := numeric.Numeric{Num: 25000, Denom: 10000} // 2.5 shares
	_, err := f.svc.CreateTransaction(ctx, TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		PostDate:     time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
		Splits: []SplitInput{
			{AccountGUID: f.broker.GUID, Value: cents(50000), Quantity: &shares},
			{AccountGUID: f.checking.GUID, Value: cents(-50000)},
		},
	})
	require.NoError(t, err)

	shares2 := numeric.Numeric{Num: 15000, Denom: 10000} // 1.5 shares
	_, err = f.svc.CreateTransaction(ctx, TransactionInput{
		BookGUID:     f.book.GUID,
		CurrencyGUID: f.usd.GUID,
		PostDate:     time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC),
		Splits: []SplitInput{
			{AccountGUID: f.broker.GUID, Value: cents(30000), Quantity: &shares2},
			{AccountGUID: f.checking.GUID, Value: cents(-30000)},
		},
	})
	require.NoError(t, err)

	balance, err := f.svc.TotalBalance(ctx, f.book.GUID, f.broker.GUID, nil)
	require.NoError(t, err)
	assert.True(t, balance.Equal(numeric.Numeric{Num: 4, Denom: 1}), "got %d/%d", balance.Num, balance.Denom)
}
