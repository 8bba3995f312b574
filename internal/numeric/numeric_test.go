package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bookledger/internal/errs"
)

func TestAddDifferentDenominators(t *testing.T) {
	// 1.50 in cents plus 0.2500 in ten-thousandths.
	a := Numeric{Num: 150, Denom: 100}
	b := Numeric{Num: 2500, Denom: 10000}

	got := Add(a, b)

	want := Numeric{Num: 17500, Denom: 10000}
	assert.True(t, got.Equal(want), "got %d/%d", got.Num, got.Denom)
}

func TestSumExactness(t *testing.T) {
	// The classic float trap: 0.1 + 0.2 must equal exactly 0.3.
	vs := []Numeric{
		{Num: 10, Denom: 100},
		{Num: 20, Denom: 100},
	}
	total := Sum(vs)
	assert.True(t, total.Equal(Numeric{Num: 30, Denom: 100}))
	assert.False(t, total.IsZero())

	assert.True(t, Sum(nil).IsZero())
}

func TestNegAndAbs(t *testing.T) {
	a := Numeric{Num: -995, Denom: 100}
	assert.Equal(t, Numeric{Num: 995, Denom: 100}, a.Neg())
	assert.Equal(t, Numeric{Num: 995, Denom: 100}, a.Abs())
	assert.True(t, Add(a, a.Neg()).IsZero())
}

func TestCmpByCrossMultiplication(t *testing.T) {
	a := Numeric{Num: 1, Denom: 3}
	b := Numeric{Num: 3333, Denom: 10000}
	assert.Equal(t, 1, a.Cmp(b))
	assert.Equal(t, -1, b.Cmp(a))
	assert.Equal(t, 0, Numeric{Num: 1, Denom: 2}.Cmp(Numeric{Num: 5000, Denom: 10000}))
}

func TestMulReduces(t *testing.T) {
	// 10 shares at 123.45 per share.
	qty := Numeric{Num: 100000, Denom: 10000}
	price := Numeric{Num: 12345, Denom: 100}

	got := Mul(qty, price)

	want := Numeric{Num: 123450, Denom: 100}
	assert.True(t, got.Equal(want), "got %d/%d", got.Num, got.Denom)
}

func TestInv(t *testing.T) {
	a := Numeric{Num: 4, Denom: 5}
	inv, err := a.Inv()
	require.NoError(t, err)
	assert.True(t, Mul(a, inv).Equal(Numeric{Num: 1, Denom: 1}))

	_, err = Zero(100).Inv()
	var verr *errs.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestNewNormalizesSign(t *testing.T) {
	a, err := New(5, -100)
	require.NoError(t, err)
	assert.Equal(t, Numeric{Num: -5, Denom: 100}, a)

	_, err = New(1, 0)
	assert.Error(t, err)
}

func TestConvert(t *testing.T) {
	a := Numeric{Num: 150, Denom: 100}
	got, err := a.Convert(1000)
	require.NoError(t, err)
	assert.Equal(t, Numeric{Num: 1500, Denom: 1000}, got)

	_, err = Numeric{Num: 1, Denom: 3}.Convert(100)
	assert.Error(t, err)
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		in      string
		denom   int64
		want    Numeric
		wantErr bool
	}{
		{"100.00", 100, Numeric{Num: 10000, Denom: 100}, false},
		{"-0.01", 100, Numeric{Num: -1, Denom: 100}, false},
		{"3", 100, Numeric{Num: 300, Denom: 100}, false},
		{" 12.5 ", 100, Numeric{Num: 1250, Denom: 100}, false},
		{"0.001", 100, Numeric{}, true}, // finer than a cent
		{"abc", 100, Numeric{}, true},
		{"", 100, Numeric{}, true},
		{"1.00", 0, Numeric{}, true},
	}

	for _, tt := range tests {
		got, err := ParseDecimal(tt.in, tt.denom)
		if tt.wantErr {
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr, "input %q", tt.in)
			assert.Equal(t, errs.CodeMalformedAmount, verr.Code)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestStringFixedRoundsHalfAwayFromZero(t *testing.T) {
	assert.Equal(t, "0.13", Numeric{Num: 125, Denom: 1000}.StringFixed(100))
	assert.Equal(t, "-0.13", Numeric{Num: -125, Denom: 1000}.StringFixed(100))
	assert.Equal(t, "100.00", Numeric{Num: 10000, Denom: 100}.StringFixed(100))
	assert.Equal(t, "0.3333", Numeric{Num: 1, Denom: 3}.StringFixed(10000))
}

func TestRoundTripParseRender(t *testing.T) {
	a, err := ParseDecimal("42.07", 100)
	require.NoError(t, err)
	assert.Equal(t, "42.07", a.String())
}
