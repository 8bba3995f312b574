package prices

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bookledger/internal/numeric"
	"github.com/example/bookledger/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return NewService(db, zerolog.Nop())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEnsureCommodityIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usd, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "US Dollar", 100)
	require.NoError(t, err)
	assert.True(t, usd.IsCurrency())

	again, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "US Dollar", 100)
	require.NoError(t, err)
	assert.Equal(t, usd.GUID, again.GUID)

	all, err := svc.ListCommodities(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLatestPrefersNewestQuoteAndInsertionOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usd, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "", 100)
	require.NoError(t, err)
	acme, err := svc.EnsureCommodity(ctx, "NYSE", "ACME", "Acme Corp", 10000)
	require.NoError(t, err)

	quote := func(d time.Time, num, denom int64) {
		t.Helper()
		_, err := svc.AddPrice(ctx, &Price{
			CommodityGUID: acme.GUID,
			CurrencyGUID:  usd.GUID,
			Date:          d,
			Value:         numeric.Numeric{Num: num, Denom: denom},
			Source:        "user:price-editor",
		})
		require.NoError(t, err)
	}
	quote(day(2024, 1, 10), 100, 1)
	quote(day(2024, 1, 20), 110, 1)
	// Same date twice: last insertion wins the tie.
	quote(day(2024, 1, 20), 111, 1)

	p, err := svc.Latest(ctx, acme.GUID, usd.GUID, day(2024, 2, 1))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(111), p.Value.Num)

	// As-of between the quotes sees only the older one.
	p, err = svc.Latest(ctx, acme.GUID, usd.GUID, day(2024, 1, 15))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(100), p.Value.Num)

	// Before every quote: unknown, not an error.
	p, err = svc.Latest(ctx, acme.GUID, usd.GUID, day(2023, 12, 1))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestConvertDirectInverseAndIdentity(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usd, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "", 100)
	require.NoError(t, err)
	eur, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "EUR", "", 100)
	require.NoError(t, err)

	// Only a EUR->USD quote exists: 1 EUR = 11/10 USD.
	_, err = svc.AddPrice(ctx, &Price{
		CommodityGUID: eur.GUID,
		CurrencyGUID:  usd.GUID,
		Date:          day(2024, 1, 1),
		Value:         numeric.Numeric{Num: 11, Denom: 10},
	})
	require.NoError(t, err)

	amount := numeric.Numeric{Num: 2200, Denom: 100} // 22.00

	// Identity.
	got, ok, err := svc.Convert(ctx, amount, usd.GUID, usd.GUID, day(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(amount))

	// Direct quote.
	got, ok, err = svc.Convert(ctx, amount, eur.GUID, usd.GUID, day(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(numeric.Numeric{Num: 242, Denom: 10})) // 24.20

	// Inverse fallback: USD->EUR divides by the quote.
	got, ok, err = svc.Convert(ctx, amount, usd.GUID, eur.GUID, day(2024, 2, 1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(numeric.Numeric{Num: 20, Denom: 1})) // exactly 20.00

	// No quote at all.
	gbp, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "GBP", "", 100)
	require.NoError(t, err)
	_, ok, err = svc.Convert(ctx, amount, gbp.GUID, usd.GUID, day(2024, 2, 1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeriesForwardFill(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usd, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "", 100)
	require.NoError(t, err)
	acme, err := svc.EnsureCommodity(ctx, "NYSE", "ACME", "", 10000)
	require.NoError(t, err)

	add := func(d time.Time, num int64) {
		t.Helper()
		_, err := svc.AddPrice(ctx, &Price{
			CommodityGUID: acme.GUID, CurrencyGUID: usd.GUID,
			Date: d, Value: numeric.Numeric{Num: num, Denom: 1},
		})
		require.NoError(t, err)
	}
	add(day(2024, 1, 5), 90)  // seed, strictly before the window
	add(day(2024, 1, 12), 95) // inside the window
	add(day(2024, 1, 20), 99) // after the window, must never leak in

	series, err := svc.Series(ctx, acme.GUID, usd.GUID, day(2024, 1, 10), day(2024, 1, 14))
	require.NoError(t, err)
	require.Len(t, series, 5)

	// Days before the in-window quote carry the seed.
	require.NotNil(t, series[0].Value)
	assert.Equal(t, int64(90), series[0].Value.Num)
	assert.Equal(t, int64(90), series[1].Value.Num)
	// Quote day and after carry the new value.
	assert.Equal(t, int64(95), series[2].Value.Num)
	assert.Equal(t, int64(95), series[4].Value.Num)
}

func TestSeriesWithoutSeedStartsUnknown(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	usd, err := svc.EnsureCommodity(ctx, NamespaceCurrency, "USD", "", 100)
	require.NoError(t, err)
	acme, err := svc.EnsureCommodity(ctx, "NYSE", "ACME", "", 10000)
	require.NoError(t, err)

	_, err = svc.AddPrice(ctx, &Price{
		CommodityGUID: acme.GUID, CurrencyGUID: usd.GUID,
		Date: day(2024, 1, 12), Value: numeric.Numeric{Num: 95, Denom: 1},
	})
	require.NoError(t, err)

	series, err := svc.Series(ctx, acme.GUID, usd.GUID, day(2024, 1, 10), day(2024, 1, 14))
	require.NoError(t, err)
	require.Len(t, series, 5)
	assert.Nil(t, series[0].Value)
	assert.Nil(t, series[1].Value)
	require.NotNil(t, series[2].Value)
	assert.Equal(t, int64(95), series[2].Value.Num)
}
